// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// CAF Opus -> OGG Opus remuxer for voice messages, adapted from the
// teacher's bidirectional audioconvert.go. iMessage voice messages are
// stored as Opus audio in Apple's CAF (Core Audio Format) container;
// browsers (and thus the HTML renderer's <audio> tag) play OGG Opus but
// not CAF, so only the CAF->OGG direction survives here. Since both
// containers wrap the same Opus codec, this is a pure remux — no
// transcoding.
package attachment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type oggOpusInfo struct {
	Channels   int
	PreSkip    int
	OpusHead   []byte
	Packets    [][]byte
	GranulePos int64
}

// RemuxCAFToOGG converts CAF-contained Opus audio to an OGG Opus stream
// for HTML playback. Returns an error if data isn't a CAF/Opus
// container; callers check IsCAF first.
func RemuxCAFToOGG(data []byte) ([]byte, error) {
	info, err := parseCAFOpus(data)
	if err != nil {
		return nil, err
	}
	return writeOGGOpus(info)
}

// IsCAF reports whether data looks like a CAF container, the gate
// callers use before spending a remux pass on an attachment.
func IsCAF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "caff"
}

func parseCAFOpus(data []byte) (*oggOpusInfo, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("CAF too short")
	}
	if string(data[:4]) != "caff" {
		return nil, fmt.Errorf("not a CAF file")
	}

	r := bytes.NewReader(data[8:])

	var opusHead []byte
	var channels int
	var preSkip int
	var framesPerPacket int
	var packetSizes []int
	var validFrames int64
	var primingFrames int32
	var audioData []byte

	for {
		var chunkType [4]byte
		if _, err := io.ReadFull(r, chunkType[:]); err != nil {
			break
		}
		var chunkSize int64
		if err := binary.Read(r, binary.BigEndian, &chunkSize); err != nil {
			break
		}

		switch string(chunkType[:]) {
		case "desc":
			if chunkSize < 32 {
				return nil, fmt.Errorf("CAF desc chunk too small")
			}
			var desc [32]byte
			if _, err := io.ReadFull(r, desc[:]); err != nil {
				return nil, err
			}
			formatID := string(desc[8:12])
			if formatID != "opus" {
				return nil, fmt.Errorf("CAF format is %q, not opus", formatID)
			}
			framesPerPacket = int(binary.BigEndian.Uint32(desc[20:24]))
			channels = int(binary.BigEndian.Uint32(desc[24:28]))
			if chunkSize > 32 {
				io.CopyN(io.Discard, r, chunkSize-32)
			}

		case "magc":
			cookie := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, cookie); err != nil {
				return nil, err
			}
			if len(cookie) >= 12 && string(cookie[:8]) == "OpusHead" {
				opusHead = cookie
				preSkip = int(binary.LittleEndian.Uint16(cookie[10:12]))
				if cookie[9] > 0 {
					channels = int(cookie[9])
				}
			}

		case "pakt":
			if chunkSize < 24 {
				return nil, fmt.Errorf("CAF pakt chunk too small")
			}
			var paktHdr [24]byte
			if _, err := io.ReadFull(r, paktHdr[:]); err != nil {
				return nil, err
			}
			numPackets := int64(binary.BigEndian.Uint64(paktHdr[0:8]))
			validFrames = int64(binary.BigEndian.Uint64(paktHdr[8:16]))
			primingFrames = int32(binary.BigEndian.Uint32(paktHdr[16:20]))

			remaining := chunkSize - 24
			vlqData := make([]byte, remaining)
			if _, err := io.ReadFull(r, vlqData); err != nil {
				return nil, err
			}
			packetSizes = decodeCAFVLQs(vlqData, int(numPackets))

		case "data":
			if chunkSize == -1 {
				audioData, _ = io.ReadAll(r)
			} else {
				audioData = make([]byte, chunkSize)
				if _, err := io.ReadFull(r, audioData); err != nil {
					return nil, err
				}
			}
			if len(audioData) >= 4 {
				audioData = audioData[4:] // 4-byte edit count prefix
			}

		default:
			if chunkSize > 0 {
				io.CopyN(io.Discard, r, chunkSize)
			}
		}
	}

	if channels == 0 {
		channels = 1
	}
	if framesPerPacket == 0 {
		framesPerPacket = 960 // 20ms default
	}
	if opusHead == nil {
		opusHead = buildOpusHead(channels, preSkip)
	}

	var packets [][]byte
	offset := 0
	if len(packetSizes) == 0 {
		return nil, fmt.Errorf("no packet table in CAF")
	}
	for _, size := range packetSizes {
		if offset+size > len(audioData) {
			break
		}
		packets = append(packets, audioData[offset:offset+size])
		offset += size
	}

	granulePos := validFrames + int64(primingFrames)
	if granulePos <= 0 {
		granulePos = int64(len(packets)) * int64(framesPerPacket)
	}

	return &oggOpusInfo{
		Channels:   channels,
		PreSkip:    preSkip,
		OpusHead:   opusHead,
		Packets:    packets,
		GranulePos: granulePos,
	}, nil
}

func decodeCAFVLQs(data []byte, n int) []int {
	sizes := make([]int, 0, n)
	pos := 0
	for i := 0; i < n && pos < len(data); i++ {
		val := 0
		for pos < len(data) {
			b := data[pos]
			pos++
			val = (val << 7) | int(b&0x7F)
			if b&0x80 == 0 {
				break
			}
		}
		sizes = append(sizes, val)
	}
	return sizes
}

func buildOpusHead(channels, preSkip int) []byte {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:12], uint16(preSkip))
	binary.LittleEndian.PutUint32(head[12:16], 48000)
	return head
}

var oggCRCTable = func() *[256]uint32 {
	var t [256]uint32
	for i := 0; i < 256; i++ {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04C11DB7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return &t
}()

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

func writeOGGOpus(info *oggOpusInfo) ([]byte, error) {
	if len(info.Packets) == 0 {
		return nil, fmt.Errorf("no audio packets")
	}

	var buf bytes.Buffer
	serial := uint32(0x4F707573) // "Opus"
	seq := uint32(0)

	writeOGGPage(&buf, serial, seq, 0, 0x02, [][]byte{info.OpusHead})
	seq++

	tags := buildOpusTags()
	writeOGGPage(&buf, serial, seq, 0, 0x00, [][]byte{tags})
	seq++

	const maxPagePayload = 48000
	var pagePackets [][]byte
	var pageSize int
	var granule int64
	framesPerPacket := opusPacketFrames(info.Packets[0])

	for i, pkt := range info.Packets {
		if pageSize+len(pkt) > maxPagePayload && len(pagePackets) > 0 {
			writeOGGPage(&buf, serial, seq, granule, 0x00, pagePackets)
			seq++
			pagePackets = nil
			pageSize = 0
		}
		pagePackets = append(pagePackets, pkt)
		pageSize += len(pkt)
		granule = int64(info.PreSkip) + int64(i+1)*int64(framesPerPacket)
		if granule > info.GranulePos {
			granule = info.GranulePos
		}
	}
	if len(pagePackets) > 0 {
		writeOGGPage(&buf, serial, seq, info.GranulePos, 0x04, pagePackets)
	}

	return buf.Bytes(), nil
}

func writeOGGPage(buf *bytes.Buffer, serial, seq uint32, granule int64, flags byte, packets [][]byte) {
	var segTable []byte
	for _, pkt := range packets {
		remaining := len(pkt)
		for remaining >= 255 {
			segTable = append(segTable, 255)
			remaining -= 255
		}
		segTable = append(segTable, byte(remaining))
	}

	var hdr bytes.Buffer
	hdr.WriteString("OggS")
	hdr.WriteByte(0)
	hdr.WriteByte(flags)
	binary.Write(&hdr, binary.LittleEndian, granule)
	binary.Write(&hdr, binary.LittleEndian, serial)
	binary.Write(&hdr, binary.LittleEndian, seq)
	binary.Write(&hdr, binary.LittleEndian, uint32(0))
	hdr.WriteByte(byte(len(segTable)))
	hdr.Write(segTable)

	hdrBytes := hdr.Bytes()
	var payload bytes.Buffer
	for _, pkt := range packets {
		payload.Write(pkt)
	}

	crcData := append(append([]byte{}, hdrBytes...), payload.Bytes()...)
	checksum := oggCRC(crcData)
	binary.LittleEndian.PutUint32(hdrBytes[22:26], checksum)

	buf.Write(hdrBytes)
	buf.Write(payload.Bytes())
}

func buildOpusTags() []byte {
	var tags bytes.Buffer
	tags.WriteString("OpusTags")
	vendor := "imessage-export"
	binary.Write(&tags, binary.LittleEndian, uint32(len(vendor)))
	tags.WriteString(vendor)
	binary.Write(&tags, binary.LittleEndian, uint32(0))
	return tags.Bytes()
}

// opusPacketFrames returns the number of PCM frames (at 48kHz) encoded
// in an Opus packet, read from its TOC byte per RFC 6716.
func opusPacketFrames(packet []byte) int {
	if len(packet) == 0 {
		return 960
	}

	toc := packet[0]
	config := int(toc >> 3)

	var samplesPerFrame int
	switch {
	case config < 12:
		samplesPerFrame = [4]int{480, 960, 1920, 2880}[config%4]
	case config < 16:
		samplesPerFrame = [2]int{480, 960}[config%2]
	default:
		samplesPerFrame = [4]int{120, 240, 480, 960}[(config-16)%4]
	}

	switch toc & 0x3 {
	case 0:
		return samplesPerFrame
	case 1, 2:
		return samplesPerFrame * 2
	case 3:
		if len(packet) >= 2 {
			n := int(packet[1] & 0x3F)
			if n > 0 {
				return samplesPerFrame * n
			}
		}
	}
	return samplesPerFrame
}
