// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package typedstream decodes Apple's legacy "streamtyped" typed-object
// binary format into a flat string plus a parallel sequence of attribute
// runs. It is used for rich-text message bodies (the message.attributedBody
// column) and for each entry of a decoded edit history (spec §4.1, §9).
//
// No library in the retrieval pack implements this wire format — it is
// the "hard part" the spec calls out as omitted from the teacher slice —
// so this is a from-scratch binary reader, grounded on the spec's grammar
// description rather than a byte-exact reproduction of Apple's NSArchiver
// output (which this repo never gets to see a real sample of).
package typedstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

// ErrMalformedStream is the sentinel wrapped by every parse failure, so
// callers can test with errors.Is(err, typedstream.ErrMalformedStream).
var ErrMalformedStream = errors.New("malformed streamtyped stream")

const signature = "streamtyped"

// Tags. These are this decoder's own tokenization of the typed-object
// grammar described in spec §4.1 — small inlined integers, length-prefixed
// big integers, class records with a superclass chain, back-references to
// previously registered classes, and object records consisting of a class
// reference followed by an ivar stream.
const (
	tagNil        byte = 0x00
	tagSmallInt   byte = 0x01 // followed by 1 byte value
	tagBigInt     byte = 0x02 // followed by 1-byte length + big-endian bytes
	tagFloat      byte = 0x03 // followed by 8 bytes (big-endian bits)
	tagClassDef   byte = 0x04 // followed by name + superclass depth
	tagBackRef    byte = 0x05 // followed by 2-byte big-endian index
	tagObject     byte = 0x06 // followed by a class ref then its ivars
	tagStringUTF8 byte = 0x07 // followed by length-prefixed UTF-8 bytes
	tagStringUTF16 byte = 0x08 // followed by length-prefixed UTF-16BE bytes
	tagAttrRun    byte = 0x09 // followed by start, length, attribute count + name/value pairs
	tagEnd        byte = 0x0A
)

// Run is one (start, length, attributes) entry. Attributes is a mapping
// from attribute name to a typed value: string, int64, float64, or a
// nested *Object for archived attribute values (font descriptors, link
// targets, etc).
type Run struct {
	Start, Length int
	Attributes    map[string]any
}

// Object is a minimal archived object reference: a class name (resolved
// through the per-stream back-reference table) plus its decoded ivars in
// declaration order. Only used as a nested attribute value.
type Object struct {
	ClassName string
	Ivars     []any
}

// Result is the decoder's output: the concatenated text and its runs.
type Result struct {
	Text string
	Runs []Run
}

type classEntry struct {
	name       string
	superDepth int
}

type decoder struct {
	buf    []byte
	pos    int
	classes []classEntry // per-stream, forward-only reference table
}

// Decode parses a streamtyped blob. It never panics on malformed input;
// every failure path returns an error wrapping ErrMalformedStream.
func Decode(blob []byte) (*Result, error) {
	if len(blob) < len(signature)+3 {
		return nil, fmt.Errorf("%w: stream too short", ErrMalformedStream)
	}
	if string(blob[:len(signature)]) != signature {
		return nil, fmt.Errorf("%w: signature mismatch", ErrMalformedStream)
	}
	d := &decoder{buf: blob, pos: len(signature)}

	// Two-byte version + one sentinel byte, per spec §4.1.
	if d.pos+3 > len(d.buf) {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedStream)
	}
	d.pos += 3

	var text string
	var runs []Run

	for d.pos < len(d.buf) {
		tag, ok := d.readByte()
		if !ok {
			break
		}
		switch tag {
		case tagStringUTF8, tagStringUTF16:
			s, err := d.readString(tag)
			if err != nil {
				return nil, err
			}
			if text == "" {
				text = s
			} else {
				text += s
			}
		case tagClassDef:
			if err := d.readClassDef(); err != nil {
				return nil, err
			}
		case tagAttrRun:
			run, err := d.readAttrRun()
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		case tagBackRef:
			if _, err := d.readBackRef(); err != nil {
				return nil, err
			}
		case tagObject:
			if _, err := d.readObject(); err != nil {
				return nil, err
			}
		case tagNil, tagEnd:
			// no payload
		case tagSmallInt:
			if _, ok := d.readByte(); !ok {
				return nil, fmt.Errorf("%w: truncated small int", ErrMalformedStream)
			}
		case tagBigInt:
			if _, err := d.readBigInt(); err != nil {
				return nil, err
			}
		case tagFloat:
			if d.pos+8 > len(d.buf) {
				return nil, fmt.Errorf("%w: truncated float", ErrMalformedStream)
			}
			d.pos += 8
		default:
			return nil, fmt.Errorf("%w: unknown tag 0x%02x at offset %d", ErrMalformedStream, tag, d.pos-1)
		}
	}

	return &Result{Text: text, Runs: runs}, nil
}

func (d *decoder) readByte() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	b := d.buf[d.pos]
	d.pos++
	return b, true
}

func (d *decoder) readUint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, fmt.Errorf("%w: truncated length", ErrMalformedStream)
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readBigInt() (int64, error) {
	n, ok := d.readByte()
	if !ok {
		return 0, fmt.Errorf("%w: truncated big int length", ErrMalformedStream)
	}
	if d.pos+int(n) > len(d.buf) {
		return 0, fmt.Errorf("%w: truncated big int payload", ErrMalformedStream)
	}
	var v int64
	for i := 0; i < int(n); i++ {
		v = (v << 8) | int64(d.buf[d.pos+i])
	}
	d.pos += int(n)
	return v, nil
}

// readString reads a length-prefixed string in the declared encoding
// (UTF-8 or UTF-16 big-endian, per spec §4.1). UTF-16 surrogate pairs are
// decoded via unicode/utf16.
func (d *decoder) readString(tag byte) (string, error) {
	n, err := d.readUint32()
	if err != nil {
		return "", err
	}
	if d.pos+int(n) > len(d.buf) {
		return "", fmt.Errorf("%w: truncated string payload", ErrMalformedStream)
	}
	raw := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)

	switch tag {
	case tagStringUTF8:
		return string(raw), nil
	case tagStringUTF16:
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("%w: odd-length utf16 payload", ErrMalformedStream)
		}
		units := make([]uint16, len(raw)/2)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(raw[i*2:])
		}
		return string(utf16.Decode(units)), nil
	default:
		return "", fmt.Errorf("%w: not a string tag", ErrMalformedStream)
	}
}

// readClassDef registers a class name + superclass chain depth and
// appends it to the per-stream reference table. Back-references are
// forward-only: a reference to an index not yet populated at read time
// is a protocol violation (spec §9).
func (d *decoder) readClassDef() error {
	name, err := d.readLengthPrefixedRaw()
	if err != nil {
		return err
	}
	depth, ok := d.readByte()
	if !ok {
		return fmt.Errorf("%w: truncated class superclass depth", ErrMalformedStream)
	}
	d.classes = append(d.classes, classEntry{name: string(name), superDepth: int(depth)})
	return nil
}

func (d *decoder) readLengthPrefixedRaw() ([]byte, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, fmt.Errorf("%w: truncated length-prefixed payload", ErrMalformedStream)
	}
	raw := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return raw, nil
}

func (d *decoder) readBackRef() (classEntry, error) {
	if d.pos+2 > len(d.buf) {
		return classEntry{}, fmt.Errorf("%w: truncated back-reference", ErrMalformedStream)
	}
	idx := int(binary.BigEndian.Uint16(d.buf[d.pos:]))
	d.pos += 2
	if idx < 0 || idx >= len(d.classes) {
		return classEntry{}, fmt.Errorf("%w: back-reference index %d out of range (have %d classes)", ErrMalformedStream, idx, len(d.classes))
	}
	return d.classes[idx], nil
}

// readObject reads a class reference (either a fresh class def or a
// back-reference) followed by that class's ivar stream. Supported ivar
// types are string, integer, float, nested data, nested class-object, or
// nil (spec §4.1); anything else is a malformed-stream fault.
func (d *decoder) readObject() (*Object, error) {
	tag, ok := d.readByte()
	if !ok {
		return nil, fmt.Errorf("%w: truncated object class ref", ErrMalformedStream)
	}
	var class classEntry
	switch tag {
	case tagClassDef:
		if err := d.readClassDef(); err != nil {
			return nil, err
		}
		class = d.classes[len(d.classes)-1]
	case tagBackRef:
		c, err := d.readBackRef()
		if err != nil {
			return nil, err
		}
		class = c
	default:
		return nil, fmt.Errorf("%w: expected class ref in object, got tag 0x%02x", ErrMalformedStream, tag)
	}

	obj := &Object{ClassName: class.name}
	for {
		ivarTag, ok := d.readByte()
		if !ok {
			return nil, fmt.Errorf("%w: truncated ivar stream for class %s", ErrMalformedStream, class.name)
		}
		switch ivarTag {
		case tagEnd:
			return obj, nil
		case tagStringUTF8, tagStringUTF16:
			s, err := d.readString(ivarTag)
			if err != nil {
				return nil, err
			}
			obj.Ivars = append(obj.Ivars, s)
		case tagSmallInt:
			b, ok := d.readByte()
			if !ok {
				return nil, fmt.Errorf("%w: truncated ivar small int", ErrMalformedStream)
			}
			obj.Ivars = append(obj.Ivars, int64(b))
		case tagBigInt:
			v, err := d.readBigInt()
			if err != nil {
				return nil, err
			}
			obj.Ivars = append(obj.Ivars, v)
		case tagFloat:
			if d.pos+8 > len(d.buf) {
				return nil, fmt.Errorf("%w: truncated ivar float", ErrMalformedStream)
			}
			bits := binary.BigEndian.Uint64(d.buf[d.pos:])
			d.pos += 8
			obj.Ivars = append(obj.Ivars, math.Float64frombits(bits))
		case tagObject:
			nested, err := d.readObject()
			if err != nil {
				return nil, err
			}
			obj.Ivars = append(obj.Ivars, nested)
		case tagNil:
			obj.Ivars = append(obj.Ivars, nil)
		default:
			return nil, fmt.Errorf("%w: unsupported ivar type 0x%02x", ErrMalformedStream, ivarTag)
		}
	}
}

// readAttrRun reads one (start, length, attributes) run. Overlapping runs
// are permitted and preserved verbatim, per spec §4.1 — this decoder
// makes no attempt to merge or normalize them.
func (d *decoder) readAttrRun() (Run, error) {
	start, err := d.readUint32()
	if err != nil {
		return Run{}, err
	}
	length, err := d.readUint32()
	if err != nil {
		return Run{}, err
	}
	count, ok := d.readByte()
	if !ok {
		return Run{}, fmt.Errorf("%w: truncated attribute count", ErrMalformedStream)
	}
	attrs := make(map[string]any, count)
	for i := 0; i < int(count); i++ {
		nameRaw, err := d.readLengthPrefixedRaw()
		if err != nil {
			return Run{}, err
		}
		valTag, ok := d.readByte()
		if !ok {
			return Run{}, fmt.Errorf("%w: truncated attribute value", ErrMalformedStream)
		}
		var val any
		switch valTag {
		case tagStringUTF8, tagStringUTF16:
			val, err = d.readString(valTag)
		case tagSmallInt:
			var b byte
			if b, ok = d.readByte(); !ok {
				err = fmt.Errorf("%w: truncated attribute small int", ErrMalformedStream)
			}
			val = int64(b)
		case tagBigInt:
			val, err = d.readBigInt()
		case tagObject:
			val, err = d.readObject()
		case tagNil:
			val = nil
		default:
			err = fmt.Errorf("%w: unsupported attribute value tag 0x%02x", ErrMalformedStream, valTag)
		}
		if err != nil {
			return Run{}, err
		}
		attrs[string(nameRaw)] = val
	}
	return Run{Start: int(start), Length: int(length), Attributes: attrs}, nil
}
