// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package typedstream

import "encoding/binary"

// builder assembles a well-formed stream byte-by-byte, mirroring Decode's
// tag grammar. It exists only to give the test suite fixtures without a
// dependency on a real Apple-produced sample, which this repo never has
// on hand.
type builder struct {
	buf []byte
}

func newBuilder() *builder {
	b := &builder{}
	b.buf = append(b.buf, []byte(signature)...)
	b.buf = append(b.buf, 0, 0, 0) // version + sentinel, contents unchecked by Decode
	return b
}

func (b *builder) utf8String(s string) *builder {
	b.buf = append(b.buf, tagStringUTF8)
	b.lenPrefixed([]byte(s))
	return b
}

func (b *builder) utf16String(units []uint16) *builder {
	b.buf = append(b.buf, tagStringUTF16)
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.BigEndian.PutUint16(raw[i*2:], u)
	}
	b.lenPrefixed(raw)
	return b
}

func (b *builder) attrRun(start, length int, attrs map[string]string) *builder {
	b.buf = append(b.buf, tagAttrRun)
	b.uint32(uint32(start))
	b.uint32(uint32(length))
	b.buf = append(b.buf, byte(len(attrs)))
	for k, v := range attrs {
		b.lenPrefixed([]byte(k))
		b.buf = append(b.buf, tagStringUTF8)
		b.lenPrefixed([]byte(v))
	}
	return b
}

func (b *builder) smallInt(v byte) *builder {
	b.buf = append(b.buf, tagSmallInt, v)
	return b
}

func (b *builder) rawTag(tag byte) *builder {
	b.buf = append(b.buf, tag)
	return b
}

func (b *builder) uint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *builder) lenPrefixed(raw []byte) {
	b.uint32(uint32(len(raw)))
	b.buf = append(b.buf, raw...)
}

func (b *builder) bytes() []byte { return b.buf }
