// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package render defines the renderer abstraction (C7, spec §4.7) and
// the naming/timestamp machinery shared by the concrete text and HTML
// writers in its text and html subpackages. Grounded on the ordering
// rules and file-naming scheme of spec §4.7/§6; the per-conversation
// collision-suffix registry generalizes the dedupe-then-stable-order
// pattern the teacher's contact_merge.go uses for portal ids.
package render

import (
	"fmt"

	"github.com/lrhodin/imessage-export/internal/model"
)

// Renderer is the capability abstraction spec §4.7 names: one
// conversation is bracketed by Begin/EndConversation, with messages
// emitted strictly in (date, rowid) ascending order between them. A
// Renderer instance is scoped to exactly one conversation, matching
// the "renderers own their output files exclusively" resource rule of
// spec §5 and letting the export orchestrator hand one conversation to
// one worker without any shared writer state.
type Renderer interface {
	BeginConversation(uniqueChatID int, display string) error
	WriteMessage(am *model.AssembledMessage) error
	EndConversation() error
}

// AuthorResolver maps a message's author handle id to its display
// string; nil means the export's own account ("from me").
type AuthorResolver func(handleID *int64) string

// AttachmentLabel renders an attachment's embed text for writers that
// don't have a richer per-mime embed (text writer; HTML's fallback for
// unrecognised mime types). Missing attachments produce the non-fatal
// placeholder required by spec §4.8/§8 scenario 5.
func AttachmentLabel(a *model.Attachment) string {
	if a.Missing {
		return fmt.Sprintf("<attachment missing: %s>", baseName(a.Filename))
	}
	if a.ConversionNote != "" {
		return fmt.Sprintf("%s (%s)", a.ResolvedPath, a.ConversionNote)
	}
	return a.ResolvedPath
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
