// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package attachment implements the attachment placement policy (C8,
// spec §4.8): resolving a message's attachment rows to final on-disk
// paths under disabled/efficient/compatible copy modes, plus the
// HEIC->JPEG and CAF->OGG collaborators the compatible mode and the
// HTML renderer need. The core package never shells out directly
// (spec §6); every external tool invocation is hidden behind the
// ImageConverter interface in heicconvert.go.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lrhodin/imessage-export/internal/config"
	"github.com/lrhodin/imessage-export/internal/model"
)

// Policy resolves attachment rows to final paths under one of the
// three copy modes (spec §4.8). It owns the attachments output
// directory and the tilde-resolution home root; both are read-only
// for the lifetime of a run, matching the "scoped resource acquisition"
// model of spec §5.
type Policy struct {
	Mode         config.CopyMethod
	IMessageHome string
	OutputDir    string // <export>/attachments, created lazily
	Converter    ImageConverter

	dirReady bool
}

// NewPolicy constructs a placement policy. outputDir is created on
// first use rather than eagerly, since "disabled" mode never writes to it.
func NewPolicy(mode config.CopyMethod, imessageHome, outputDir string, converter ImageConverter) *Policy {
	if converter == nil {
		converter = SipsConverter{}
	}
	return &Policy{Mode: mode, IMessageHome: imessageHome, OutputDir: outputDir, Converter: converter}
}

// Resolve dereferences att.Filename against the configured home root,
// applies the copy mode, and fills in ResolvedPath/Missing/ConversionNote
// in place. A missing source file is non-fatal: Missing is set and the
// renderer substitutes "<attachment missing: name>" (spec §8 scenario 5).
func (p *Policy) Resolve(ctx context.Context, att *model.Attachment) error {
	src := p.expandTilde(att.Filename)

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			att.Missing = true
			att.ResolvedPath = src
			return nil
		}
		return &model.OutputIOError{Path: src, Err: err}
	}

	var err error
	switch p.Mode {
	case config.CopyDisabled:
		att.ResolvedPath = src
	case config.CopyEfficient:
		err = p.copyRaw(src, att)
	case config.CopyCompatible:
		err = p.copyCompatible(ctx, src, att)
	default:
		att.ResolvedPath = src
	}
	if err != nil {
		return err
	}
	SniffMime(att)
	return nil
}

// expandTilde resolves a leading "~" against IMessageHome, matching
// chat.db's convention of storing attachment paths relative to the
// Messages app's own data root rather than the OS home directory.
func (p *Policy) expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(p.IMessageHome, strings.TrimPrefix(path, "~/"))
	}
	if path == "~" {
		return p.IMessageHome
	}
	return path
}

func (p *Policy) ensureDir() error {
	if p.dirReady {
		return nil
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return &model.OutputIOError{Path: p.OutputDir, Err: err}
	}
	p.dirReady = true
	return nil
}

// copyRaw implements "efficient": byte-for-byte copy, original format,
// filename collisions resolved with a short content-hash suffix.
func (p *Policy) copyRaw(src string, att *model.Attachment) error {
	if err := p.ensureDir(); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return &model.OutputIOError{Path: src, Err: err}
	}
	dstName := collisionSafeName(p.OutputDir, filepath.Base(src), data)
	dst := filepath.Join(p.OutputDir, dstName)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return &model.OutputIOError{Path: dst, Err: err}
	}
	att.ResolvedPath = dst
	return nil
}

// copyCompatible implements "compatible": copy, then convert HEIC to
// JPEG via the ImageConverter collaborator. A failed conversion falls
// back to a raw copy and annotates the attachment rather than failing
// the whole message (spec §4.8).
func (p *Policy) copyCompatible(ctx context.Context, src string, att *model.Attachment) error {
	if !isHEIC(att, src) {
		return p.copyRaw(src, att)
	}
	if err := p.ensureDir(); err != nil {
		return err
	}

	jpegName := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".jpg"
	dst := filepath.Join(p.OutputDir, collisionSafeNameForTarget(p.OutputDir, jpegName))

	result := p.Converter.ConvertHEICToJPEG(ctx, src, dst)
	switch result.Status {
	case ConvertOK:
		if err := reorientInPlace(dst); err != nil {
			// The conversion itself succeeded; a failed orientation
			// fixup is worth noting but not worth discarding the JPEG.
			att.ConversionNote = fmt.Sprintf("HEIC converted but orientation fixup failed: %v", err)
		}
		att.ResolvedPath = dst
		return nil
	case ConvertNotAvailable:
		att.ConversionNote = "HEIC conversion unavailable, kept original format"
	default:
		att.ConversionNote = fmt.Sprintf("HEIC conversion failed: %s", result.Reason)
	}
	return p.copyRaw(src, att)
}

func isHEIC(att *model.Attachment, src string) bool {
	if strings.EqualFold(att.UTI, "public.heic") || strings.Contains(strings.ToLower(att.MimeType), "heic") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(src))
	return ext == ".heic" || ext == ".heif"
}

// collisionSafeName returns base, or base with a short content-hash
// suffix appended before the extension if base already exists in dir
// with different content (spec §4.8).
func collisionSafeName(dir, base string, data []byte) string {
	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); err != nil {
		return base
	}
	existing, err := os.ReadFile(candidate)
	if err == nil && sameBytes(existing, data) {
		return base
	}
	sum := sha256.Sum256(data)
	suffix := hex.EncodeToString(sum[:])[:8]
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + suffix + ext
}

// collisionSafeNameForTarget is used for the HEIC->JPEG destination
// name, where content isn't known ahead of the conversion, so any
// existing file at that path is assumed to be a genuine collision.
func collisionSafeNameForTarget(dir, base string) string {
	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); err != nil {
		return base
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return name
		}
	}
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
