// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package model holds the entity types shared across the exporter:
// handles, chatrooms, messages, parts, attachments, reactions, and the
// closed error taxonomy faults downgrade into.
package model

import "fmt"

// UnreadableKind tags which sub-field of a message could not be decoded.
type UnreadableKind string

const (
	UnreadableText    UnreadableKind = "text"
	UnreadablePayload UnreadableKind = "payload"
	UnreadableSummary UnreadableKind = "summary"
	UnreadableBalloon UnreadableKind = "balloon"
)

// Unreadable replaces a sub-field that failed to decode. Assembly never
// aborts on a malformed blob (spec §4.5); the field is swapped for this
// marker and the message proceeds.
type Unreadable struct {
	Kind   UnreadableKind
	Reason string
}

func (u *Unreadable) Error() string {
	return fmt.Sprintf("unreadable %s: %s", u.Kind, u.Reason)
}

// CorruptRowError means a required column was missing or NULL where the
// schema contract says it must not be. This is fatal for the row, not the
// whole run.
type CorruptRowError struct {
	RowID int64
	Field string
}

func (e *CorruptRowError) Error() string {
	return fmt.Sprintf("corrupt row %d: missing field %q", e.RowID, e.Field)
}

// MissingAttachmentError is non-fatal; the renderer substitutes a
// placeholder and the run's summary counter is incremented.
type MissingAttachmentError struct {
	GUID string
	Path string
}

func (e *MissingAttachmentError) Error() string {
	return fmt.Sprintf("missing attachment %s at %s", e.GUID, e.Path)
}

// UnknownBalloonError is non-fatal; the renderer emits a generic panel.
type UnknownBalloonError struct {
	BundleID string
}

func (e *UnknownBalloonError) Error() string {
	return fmt.Sprintf("unknown balloon bundle %q", e.BundleID)
}

// StoreOpenError wraps a failure to open or query the backing store.
type StoreOpenError struct {
	Path string
	Err  error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("open store %s: %v", e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error { return e.Err }

// OutputIOError is fatal when it occurs during message emission.
type OutputIOError struct {
	Path string
	Err  error
}

func (e *OutputIOError) Error() string {
	return fmt.Sprintf("output io at %s: %v", e.Path, e.Err)
}

func (e *OutputIOError) Unwrap() error { return e.Err }

// ErrOutputExists signals the export directory was non-empty at start
// (CLI exit code 4, spec §6).
var ErrOutputExists = fmt.Errorf("export directory is not empty")
