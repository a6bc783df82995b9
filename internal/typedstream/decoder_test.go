// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package typedstream

import (
	"errors"
	"testing"
)

func TestDecodePlainUTF8(t *testing.T) {
	b := newBuilder().utf8String("hello world")
	res, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello world")
	}
	if len(res.Runs) != 0 {
		t.Fatalf("Runs = %v, want none", res.Runs)
	}
}

func TestDecodeUTF16Surrogates(t *testing.T) {
	// U+1F600 GRINNING FACE encoded as a UTF-16BE surrogate pair.
	units := []uint16{0xD83D, 0xDE00}
	b := newBuilder().utf16String(units)
	res, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := "\U0001F600"
	if res.Text != want {
		t.Fatalf("Text = %q, want %q", res.Text, want)
	}
}

func TestDecodeAttributeRuns(t *testing.T) {
	b := newBuilder().
		utf8String("bold then plain").
		attrRun(0, 4, map[string]string{"__kIMTextBoldAttributeName": "1"}).
		attrRun(4, 11, map[string]string{})

	res, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Text != "bold then plain" {
		t.Fatalf("Text = %q", res.Text)
	}
	if len(res.Runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(res.Runs))
	}
	if res.Runs[0].Start != 0 || res.Runs[0].Length != 4 {
		t.Fatalf("run 0 = %+v", res.Runs[0])
	}
	if res.Runs[0].Attributes["__kIMTextBoldAttributeName"] != "1" {
		t.Fatalf("run 0 attrs = %v", res.Runs[0].Attributes)
	}
	if res.Runs[1].Start != 4 || res.Runs[1].Length != 11 {
		t.Fatalf("run 1 = %+v", res.Runs[1])
	}
}

func TestDecodeOverlappingRunsPreserved(t *testing.T) {
	b := newBuilder().
		utf8String("overlap").
		attrRun(0, 5, nil).
		attrRun(2, 5, nil)

	res, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Runs) != 2 {
		t.Fatalf("got %d runs, want 2 (overlap must be preserved, not merged)", len(res.Runs))
	}
}

func TestDecodeBadSignature(t *testing.T) {
	_, err := Decode([]byte("not a typedstream at all, padding padding"))
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream", err)
	}
}

func TestDecodeTruncatedStream(t *testing.T) {
	b := newBuilder().utf8String("truncate me")
	raw := b.bytes()
	_, err := Decode(raw[:len(raw)-3])
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream for truncated stream", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	b := newBuilder().rawTag(0x7E)
	_, err := Decode(b.bytes())
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream for unknown tag", err)
	}
}

func TestDecodeBackReferenceOutOfRange(t *testing.T) {
	b := newBuilder()
	b.buf = append(b.buf, tagBackRef, 0x00, 0x05) // no classes registered yet
	_, err := Decode(b.bytes())
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream for out-of-range back-reference", err)
	}
}

func TestDecodeEmptyString(t *testing.T) {
	b := newBuilder().utf8String("")
	res, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("Text = %q, want empty", res.Text)
	}
}
