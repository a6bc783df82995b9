// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package attachment

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/jpeg"
	"os"
	"os/exec"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ConvertStatus is the closed result set of the image-converter
// collaborator interface (spec §6).
type ConvertStatus int

const (
	ConvertOK ConvertStatus = iota
	ConvertNotAvailable
	ConvertFailed
)

// ConvertResult is what an ImageConverter reports back; Reason is only
// meaningful when Status is ConvertFailed.
type ConvertResult struct {
	Status ConvertStatus
	Reason string
}

// ImageConverter is the one operation the core is allowed to depend on
// for HEIC transcoding (spec §6: "the core never shells out directly").
type ImageConverter interface {
	ConvertHEICToJPEG(ctx context.Context, src, dst string) ConvertResult
}

// SipsConverter is the default ImageConverter, shelling out to macOS's
// sips tool — the same "external image transcoding tool" collaborator
// class named in spec §1. It is intentionally the only place in this
// package that invokes exec.Command.
type SipsConverter struct{}

func (SipsConverter) ConvertHEICToJPEG(ctx context.Context, src, dst string) ConvertResult {
	if _, err := exec.LookPath("sips"); err != nil {
		return ConvertResult{Status: ConvertNotAvailable, Reason: "sips not found on PATH"}
	}
	cmd := exec.CommandContext(ctx, "sips", "-s", "format", "jpeg", src, "--out", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ConvertResult{Status: ConvertFailed, Reason: string(bytes.TrimSpace(out))}
	}
	if _, err := os.Stat(dst); err != nil {
		return ConvertResult{Status: ConvertFailed, Reason: "sips reported success but produced no output file"}
	}
	return ConvertResult{Status: ConvertOK}
}

// reorientInPlace bakes a JPEG's EXIF orientation tag into its pixel
// data and strips the tag, so a viewer that ignores EXIF (most <img>
// embeds) still shows the photo right-side-up. sips preserves the
// orientation tag across format conversion but does not itself rotate
// pixels, so this runs as a second pass over sips's own output.
func reorientInPlace(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	orientation := readJPEGOrientation(data)
	if orientation <= 1 {
		return nil // already upright, or no EXIF orientation tag present
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	rotated := applyOrientation(img, orientation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rotated, &jpeg.Options{Quality: 92}); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// applyOrientation maps one of the eight EXIF orientation codes to the
// affine transform that makes the image upright, and resamples with
// golang.org/x/image/draw's bilinear interpolator rather than a hand
// rolled nearest-neighbour pixel loop.
//
// f64.Aff3 maps destination coordinates back to source coordinates:
// srcX = m[0]*dstX + m[1]*dstY + m[2]; srcY = m[3]*dstX + m[4]*dstY + m[5].
func applyOrientation(src image.Image, orientation int) image.Image {
	sb := src.Bounds()
	w, h := float64(sb.Dx()), float64(sb.Dy())

	dstW, dstH := sb.Dx(), sb.Dy()
	var m f64.Aff3
	switch orientation {
	case 2: // flip horizontal
		m = f64.Aff3{-1, 0, w - 1, 0, 1, 0}
	case 3: // rotate 180
		m = f64.Aff3{-1, 0, w - 1, 0, -1, h - 1}
	case 4: // flip vertical
		m = f64.Aff3{1, 0, 0, 0, -1, h - 1}
	case 5: // transpose
		dstW, dstH = sb.Dy(), sb.Dx()
		m = f64.Aff3{0, 1, 0, 1, 0, 0}
	case 6: // rotate 90 CW
		dstW, dstH = sb.Dy(), sb.Dx()
		m = f64.Aff3{0, 1, 0, -1, 0, w - 1}
	case 7: // transverse
		dstW, dstH = sb.Dy(), sb.Dx()
		m = f64.Aff3{0, -1, h - 1, -1, 0, w - 1}
	case 8: // rotate 270 CW
		dstW, dstH = sb.Dy(), sb.Dx()
		m = f64.Aff3{0, -1, h - 1, 1, 0, 0}
	default:
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.BiLinear.Transform(dst, m, src, sb, draw.Src, nil)
	return dst
}

// readJPEGOrientation scans a JPEG's APP1 Exif segment by hand for tag
// 0x0112 (Orientation). No pack dependency parses Exif IFDs, so this is
// a small, purpose-built scanner in the same manual tag-switch style
// typedstream's decoder uses for Apple's own binary formats. Returns 1
// (upright, the default when no tag is present) on any parse failure.
func readJPEGOrientation(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 1
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 1
		}
		marker := data[pos+1]
		if marker == 0xD8 || marker == 0xD9 {
			pos += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return 1
		}
		payload := data[pos+4 : pos+2+segLen]
		if marker == 0xE1 && bytes.HasPrefix(payload, []byte("Exif\x00\x00")) {
			return parseExifOrientation(payload[6:])
		}
		if marker == 0xDA {
			break // start of scan data, no more markers to inspect
		}
		pos += 2 + segLen
	}
	return 1
}

func parseExifOrientation(tiff []byte) int {
	if len(tiff) < 8 {
		return 1
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 1
	}
	ifdOffset := order.Uint32(tiff[4:8])
	if int(ifdOffset)+2 > len(tiff) {
		return 1
	}
	numEntries := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	entryStart := int(ifdOffset) + 2
	const entrySize = 12
	for i := 0; i < numEntries; i++ {
		off := entryStart + i*entrySize
		if off+entrySize > len(tiff) {
			break
		}
		tag := order.Uint16(tiff[off : off+2])
		if tag != 0x0112 {
			continue
		}
		valueType := order.Uint16(tiff[off+2 : off+4])
		if valueType != 3 { // SHORT
			return 1
		}
		return int(order.Uint16(tiff[off+8 : off+10]))
	}
	return 1
}
