// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package assembler joins a raw message row with its parts,
// attachments, reactions, replies, and edit history into the fully
// populated AssembledMessage the renderer consumes. It is the one
// package with no direct pack grounding for its control flow — the
// contract is specific enough (split on U+FFFC, classify by
// associated_message_type, never abort on a bad blob) that it's written
// straight from the spec's own algorithm description, in the same
// plain-function, struct-per-step style the teacher uses in
// handleimessage.go for its (differently shaped) event-assembly pass.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/lrhodin/imessage-export/internal/balloon"
	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/plist"
	"github.com/lrhodin/imessage-export/internal/typedstream"
)

// ReplacementChar is U+FFFC OBJECT REPLACEMENT CHARACTER, the
// placeholder iMessage embeds in text for each attachment or app
// balloon slot.
const ReplacementChar = '￼'

const (
	assocTapbackAddMin    = 2000
	assocTapbackAddMax    = 2005
	assocTapbackRemoveMin = 3000
	assocTapbackRemoveMax = 3005
	assocStickerPlacement = 1000
)

// Store is the minimal read-only surface the assembler needs, kept as
// an interface so this package doesn't import internal/store directly.
type Store interface {
	AttachmentsForMessage(ctx context.Context, messageRowID int64) ([]model.Attachment, error)
	ReactionsForGUID(ctx context.Context, targetGUID string) ([]*model.Message, error)
	ByGUID(ctx context.Context, guid string) (*model.Message, error)
}

// Assembler wires the three binary decoders and the store's relational
// lookups into the assembly algorithm.
type Assembler struct {
	store Store
	graph ChatResolver
}

// ChatResolver resolves a raw chat id to its dense unique-chat-id,
// satisfied by *entitygraph.Graph.
type ChatResolver interface {
	ResolveChatID(chatID int64) int
	DisplayName(handleID int64) string
}

func New(store Store, graph ChatResolver) *Assembler {
	return &Assembler{store: store, graph: graph}
}

// Assemble builds the full in-memory representation of one message row.
// It never returns an error for a decodable-but-malformed blob; those
// failures accumulate in AssembledMessage.Unreadable instead. A non-nil
// error here means the row itself is unusable (spec's CorruptRow case).
func (a *Assembler) Assemble(ctx context.Context, m *model.Message) (*model.AssembledMessage, error) {
	if m.GUID == "" {
		return nil, &model.CorruptRowError{RowID: m.RowID, Field: "guid"}
	}

	out := &model.AssembledMessage{
		Source:       m,
		FromMe:       m.IsFromMe,
		AuthorHandleID: m.HandleID,
		ChatUniqueID: a.graph.ResolveChatID(m.ChatID),
		Reactions:    map[int][]model.Reaction{},
	}

	text, runs := a.resolveText(m, out)
	attachments, err := a.store.AttachmentsForMessage(ctx, m.RowID)
	if err != nil {
		return nil, fmt.Errorf("assemble message %d: %w", m.RowID, err)
	}
	out.Parts = splitParts(text, runs, attachments)

	out.Class = a.classify(m)

	if m.BundleID != "" {
		a.decodeBalloon(ctx, m, out)
	}

	if m.Edited {
		a.decodeEditHistory(m, out)
	}

	if m.ReplyToGUID != "" {
		a.resolveReply(ctx, m, out)
	}

	reactions, err := a.store.ReactionsForGUID(ctx, m.GUID)
	if err != nil {
		return nil, fmt.Errorf("assemble message %d: load reactions: %w", m.RowID, err)
	}
	a.attachReactions(reactions, out)

	return out, nil
}

// resolveText decodes text_runs_blob when present, else falls back to
// the plain text column, else empty. A decode failure downgrades to the
// plain column rather than failing the message outright.
func (a *Assembler) resolveText(m *model.Message, out *model.AssembledMessage) (string, []model.Run) {
	if len(m.TextRunsBlob) > 0 {
		res, err := typedstream.Decode(m.TextRunsBlob)
		if err != nil {
			out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableText, Reason: err.Error()})
			return m.TextColumn, nil
		}
		runs := make([]model.Run, len(res.Runs))
		for i, r := range res.Runs {
			runs[i] = model.Run{Start: r.Start, Length: r.Length, Attributes: r.Attributes}
		}
		return res.Text, runs
	}
	return m.TextColumn, nil
}

// splitParts divides text on U+FFFC, pairing each genuine attachment
// slot (one with a matching row at that ordinal) with its Attachment.
// A stray U+FFFC with no corresponding attachment row is left as a
// literal character in the surrounding text part rather than starting
// a new part, per spec §8's boundary behaviour.
func splitParts(text string, runs []model.Run, attachments []model.Attachment) []model.Part {
	if text == "" {
		if len(attachments) == 0 {
			return nil
		}
		parts := make([]model.Part, len(attachments))
		for i := range attachments {
			parts[i] = model.Part{Index: i, Attachment: &attachments[i]}
		}
		return parts
	}

	var parts []model.Part
	var buf []rune
	attachIdx := 0
	partIdx := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		parts = append(parts, model.Part{Index: partIdx, Text: string(buf)})
		partIdx++
		buf = buf[:0]
	}

	for _, r := range text {
		if r == ReplacementChar && attachIdx < len(attachments) {
			flush()
			parts = append(parts, model.Part{Index: partIdx, Attachment: &attachments[attachIdx]})
			partIdx++
			attachIdx++
			continue
		}
		buf = append(buf, r)
	}
	flush()

	_ = runs // attribute runs are not needed to split parts and are not carried onto the assembled message
	return parts
}

func (a *Assembler) classify(m *model.Message) model.Classification {
	switch {
	case m.Unsent:
		return model.ClassUnsent
	case m.System:
		return model.ClassSystem
	case m.AssociatedMessageType == assocStickerPlacement:
		return model.ClassSticker
	case isTapbackType(m.AssociatedMessageType):
		return model.ClassTapback
	case m.Edited:
		return model.ClassEditRecord
	default:
		return model.ClassPrimary
	}
}

func isTapbackType(t int) bool {
	return (t >= assocTapbackAddMin && t <= assocTapbackAddMax) ||
		(t >= assocTapbackRemoveMin && t <= assocTapbackRemoveMax)
}

func (a *Assembler) decodeBalloon(ctx context.Context, m *model.Message, out *model.AssembledMessage) {
	if len(m.PayloadBlob) == 0 {
		return
	}
	archive, err := plist.OpenKeyedArchive(m.PayloadBlob)
	if err != nil {
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableBalloon, Reason: err.Error()})
		return
	}
	resolved, err := archive.Root()
	if err != nil {
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableBalloon, Reason: err.Error()})
		return
	}
	variant, err := balloon.Decode(m.BundleID, resolved)
	if err != nil {
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableBalloon, Reason: err.Error()})
		return
	}
	if len(out.Parts) > 0 {
		out.Parts[0].Balloon = variant
	} else {
		out.Parts = []model.Part{{Index: 0, Balloon: variant}}
	}
}

// decodeEditHistory decodes summary_blob into an ordered list of edit
// entries. A decode failure here suppresses the edit flag entirely
// (pre-Ventura data never had a decodable summary_blob, per spec), not
// just this one field, since there's no sensible edited-but-historyless
// rendering.
func (a *Assembler) decodeEditHistory(m *model.Message, out *model.AssembledMessage) {
	if len(m.SummaryBlob) == 0 {
		out.EditSuppressed = true
		return
	}
	archive, err := plist.OpenKeyedArchive(m.SummaryBlob)
	if err != nil {
		out.EditSuppressed = true
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableSummary, Reason: err.Error()})
		return
	}
	resolved, err := archive.Root()
	if err != nil {
		out.EditSuppressed = true
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableSummary, Reason: err.Error()})
		return
	}
	entries, err := decodeEditEntries(resolved)
	if err != nil {
		out.EditSuppressed = true
		out.Unreadable = append(out.Unreadable, &model.Unreadable{Kind: model.UnreadableSummary, Reason: err.Error()})
		return
	}
	out.EditHistory = entries
}

// resolveReply looks up the parent message by GUID. A missing parent
// (outside the export window, or simply absent from the store) is
// annotated rather than followed, per spec §8.
func (a *Assembler) resolveReply(ctx context.Context, m *model.Message, out *model.AssembledMessage) {
	anchor := &model.ReplyAnchor{GUID: m.ReplyToGUID, Part: m.ReplyToPart}
	parent, err := a.store.ByGUID(ctx, m.ReplyToGUID)
	if err != nil || parent == nil {
		anchor.OutOfRange = true
	}
	out.ReplyTo = anchor
}

// attachReactions groups tapback/sticker messages under the part index
// their associated_message_guid prefix names, applying the add/remove
// tie-break rule: within a (target part, sender, variant) triple, the
// latest timestamp wins; ties break by ascending surrogate id. A
// "remove" that wins its tie-break means the reaction no longer applies
// and nothing is rendered for that triple. A part index past the
// message's last part attaches to the last part. Surviving reactions are
// ordered by timestamp, then sender handle id ascending, then surrogate id.
func (a *Assembler) attachReactions(rows []*model.Message, out *model.AssembledMessage) {
	type key struct {
		part    int
		sender  int64
		variant model.TapbackVariant
	}
	type winner struct {
		row    *model.Message
		remove bool
	}
	latest := map[key]winner{}

	for _, r := range rows {
		if !isTapbackType(r.AssociatedMessageType) {
			continue
		}
		variant, remove := decodeTapbackVariant(r.AssociatedMessageType)
		partIdx, _ := model.StripAssociatedPart(r.AssociatedMessageGUID)
		if partIdx < 0 {
			partIdx = 0
		}
		if n := len(out.Parts); n > 0 && partIdx >= n {
			partIdx = n - 1
		}
		senderKey := int64(-1)
		if r.HandleID != nil {
			senderKey = *r.HandleID
		}
		k := key{part: partIdx, sender: senderKey, variant: variant}
		existing, ok := latest[k]
		if !ok || r.DateSent.After(existing.row.DateSent) ||
			(r.DateSent.Equal(existing.row.DateSent) && r.RowID > existing.row.RowID) {
			latest[k] = winner{row: r, remove: remove}
		}
	}

	var ordered []key
	for k := range latest {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := latest[ordered[i]].row, latest[ordered[j]].row
		if !ri.DateSent.Equal(rj.DateSent) {
			return ri.DateSent.Before(rj.DateSent)
		}
		if ordered[i].sender != ordered[j].sender {
			return ordered[i].sender < ordered[j].sender
		}
		return ri.RowID < rj.RowID
	})

	for _, k := range ordered {
		w := latest[k]
		if w.remove {
			continue
		}
		var sender *int64
		if w.row.HandleID != nil {
			sender = w.row.HandleID
		}
		out.Reactions[k.part] = append(out.Reactions[k.part], model.Reaction{
			Variant:        k.variant,
			SenderHandleID: sender,
			SentAt:         w.row.DateSent,
			TargetGUID:     out.Source.GUID,
			TargetPart:     k.part,
			SourceRowID:    w.row.RowID,
		})
	}
}

func decodeTapbackVariant(assocType int) (model.TapbackVariant, bool) {
	if assocType >= assocTapbackRemoveMin && assocType <= assocTapbackRemoveMax {
		return model.TapbackVariant(assocType - assocTapbackRemoveMin), true
	}
	return model.TapbackVariant(assocType - assocTapbackAddMin), false
}

// ValidUTF8Len is a small helper the render layer uses when truncating
// text for file-naming purposes; kept here because it shares the
// rune-boundary-safety concern splitParts already has to get right.
func ValidUTF8Len(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}
