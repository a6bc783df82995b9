// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package plist

import "encoding/binary"

// bplistBuilder assembles a minimal well-formed binary plist byte
// stream. This pack has no real sample message payloads to draw from,
// so the test suite builds its own fixtures using the exact grammar
// Parse expects, keeping the two written independently enough to catch
// a mismatched offset or count calculation.
type bplistBuilder struct {
	objects [][]byte
}

func newBplistBuilder() *bplistBuilder { return &bplistBuilder{} }

func (b *bplistBuilder) addNull() int {
	return b.add([]byte{0x00})
}

func (b *bplistBuilder) addBool(v bool) int {
	if v {
		return b.add([]byte{0x09})
	}
	return b.add([]byte{0x08})
}

func (b *bplistBuilder) addInt(v int64) int {
	buf := make([]byte, 9)
	buf[0] = 0x13 // 2^3 = 8 byte int
	binary.BigEndian.PutUint64(buf[1:], uint64(v))
	return b.add(buf)
}

func (b *bplistBuilder) addString(s string) int {
	raw := []byte(s)
	if len(raw) < 0x0F {
		buf := append([]byte{0x50 | byte(len(raw))}, raw...)
		return b.add(buf)
	}
	buf := []byte{0x5F, 0x10 | 0x1}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(raw)))
	buf = append(buf, lenBuf...)
	buf = append(buf, raw...)
	return b.add(buf)
}

func (b *bplistBuilder) addUID(idx int) int {
	return b.add([]byte{0x80, byte(idx)})
}

func (b *bplistBuilder) addArray(refs ...int) int {
	buf := []byte{0xA0 | byte(len(refs))}
	for _, r := range refs {
		buf = append(buf, byte(r))
	}
	return b.add(buf)
}

func (b *bplistBuilder) addDict(keyVal ...int) int {
	n := len(keyVal) / 2
	buf := []byte{0xD0 | byte(n)}
	for i := 0; i < n; i++ {
		buf = append(buf, byte(keyVal[i*2]))
	}
	for i := 0; i < n; i++ {
		buf = append(buf, byte(keyVal[i*2+1]))
	}
	return b.add(buf)
}

func (b *bplistBuilder) add(raw []byte) int {
	b.objects = append(b.objects, raw)
	return len(b.objects) - 1
}

// build serializes the object table with 1-byte offsets and 1-byte
// object refs (fine for the small fixtures these tests need) and the
// given top-level object index.
func (b *bplistBuilder) build(top int) []byte {
	var buf []byte
	buf = append(buf, []byte("bplist00")...)

	offsets := make([]int, len(b.objects))
	for i, obj := range b.objects {
		offsets[i] = len(buf)
		buf = append(buf, obj...)
	}

	offsetTableOffset := len(buf)
	for _, off := range offsets {
		buf = append(buf, byte(off))
	}

	trailer := make([]byte, trailerSize)
	trailer[6] = 1 // offset int size
	trailer[7] = 1 // object ref size
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(b.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(top))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	buf = append(buf, trailer...)
	return buf
}
