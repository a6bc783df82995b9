// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package attachment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lrhodin/imessage-export/internal/config"
	"github.com/lrhodin/imessage-export/internal/model"
)

func TestResolveMissingAttachmentIsNonFatal(t *testing.T) {
	home := t.TempDir()
	out := filepath.Join(t.TempDir(), "attachments")
	p := NewPolicy(config.CopyCompatible, home, out, SipsConverter{})

	att := &model.Attachment{Filename: "~/Library/Messages/Attachments/IMG_0001.heic"}
	if err := p.Resolve(context.Background(), att); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !att.Missing {
		t.Fatalf("expected Missing=true for nonexistent file")
	}
}

func TestResolveDisabledModeNeverCopies(t *testing.T) {
	home := t.TempDir()
	srcPath := filepath.Join(home, "Attachments", "note.txt")
	if err := os.MkdirAll(filepath.Dir(srcPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(srcPath, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "attachments")
	p := NewPolicy(config.CopyDisabled, home, out, SipsConverter{})
	att := &model.Attachment{Filename: "~/Attachments/note.txt"}
	if err := p.Resolve(context.Background(), att); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if att.ResolvedPath != srcPath {
		t.Fatalf("ResolvedPath = %q, want %q", att.ResolvedPath, srcPath)
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatalf("disabled mode must not create the attachments output directory")
	}
}

func TestResolveEfficientModeCopiesRawBytes(t *testing.T) {
	home := t.TempDir()
	srcPath := filepath.Join(home, "photo.jpg")
	if err := os.WriteFile(srcPath, []byte("not really a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "attachments")
	p := NewPolicy(config.CopyEfficient, home, out, SipsConverter{})
	att := &model.Attachment{Filename: "~/photo.jpg"}
	if err := p.Resolve(context.Background(), att); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, err := os.ReadFile(att.ResolvedPath)
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(data) != "not really a jpeg" {
		t.Fatalf("copied content = %q", data)
	}
}

func TestCollisionSafeNameAppendsHashOnDifferingContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	name := collisionSafeName(dir, "a.bin", []byte("second"))
	if name == "a.bin" {
		t.Fatalf("expected a collision-suffixed name, got %q", name)
	}
}

func TestCollisionSafeNameReusesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	name := collisionSafeName(dir, "a.bin", []byte("same"))
	if name != "a.bin" {
		t.Fatalf("name = %q, want reused a.bin", name)
	}
}

// fakeConverter lets tests exercise the ConvertFailed fallback path
// without actually invoking sips.
type fakeConverter struct{ result ConvertResult }

func (f fakeConverter) ConvertHEICToJPEG(ctx context.Context, src, dst string) ConvertResult {
	return f.result
}

func TestCompatibleModeFallsBackOnFailedConversion(t *testing.T) {
	home := t.TempDir()
	srcPath := filepath.Join(home, "IMG_0002.heic")
	if err := os.WriteFile(srcPath, []byte("heic bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "attachments")
	conv := fakeConverter{result: ConvertResult{Status: ConvertFailed, Reason: "boom"}}
	p := NewPolicy(config.CopyCompatible, home, out, conv)
	att := &model.Attachment{Filename: "~/IMG_0002.heic", UTI: "public.heic"}
	if err := p.Resolve(context.Background(), att); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if att.ConversionNote == "" {
		t.Fatalf("expected a ConversionNote on failed conversion")
	}
	data, err := os.ReadFile(att.ResolvedPath)
	if err != nil {
		t.Fatalf("read fallback copy: %v", err)
	}
	if string(data) != "heic bytes" {
		t.Fatalf("fallback copy content = %q", data)
	}
}

func TestReadJPEGOrientationDefaultsToUprightWithoutExif(t *testing.T) {
	if got := readJPEGOrientation([]byte{0xFF, 0xD8, 0xFF, 0xD9}); got != 1 {
		t.Fatalf("orientation = %d, want 1", got)
	}
}
