// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package assembler

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/plist"
)

func TestSplitPartsStrayPlaceholderStaysLiteral(t *testing.T) {
	// One genuine attachment slot followed by a stray replacement char with
	// no corresponding attachment row: the stray char stays in the text.
	text := "look " + string(ReplacementChar) + " wow" + string(ReplacementChar)
	atts := []model.Attachment{{ID: 1, GUID: "att-1"}}
	parts := splitParts(text, nil, atts)

	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3: %+v", len(parts), parts)
	}
	if parts[0].Text != "look " || parts[0].Attachment != nil {
		t.Fatalf("parts[0] = %+v", parts[0])
	}
	if parts[1].Attachment == nil || parts[1].Attachment.GUID != "att-1" {
		t.Fatalf("parts[1] = %+v", parts[1])
	}
	if parts[2].Text != " wow"+string(ReplacementChar) || parts[2].Attachment != nil {
		t.Fatalf("parts[2] = %+v, want trailing placeholder preserved as literal", parts[2])
	}
}

func TestSplitPartsEmptyTextAllAttachments(t *testing.T) {
	atts := []model.Attachment{{ID: 1, GUID: "a"}, {ID: 2, GUID: "b"}}
	parts := splitParts("", nil, atts)
	if len(parts) != 2 || parts[0].Attachment.GUID != "a" || parts[1].Attachment.GUID != "b" {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestClassifyPriorityOrdering(t *testing.T) {
	a := &Assembler{}

	// Unsent beats everything else, even when also flagged as system.
	if got := a.classify(&model.Message{Unsent: true, System: true}); got != model.ClassUnsent {
		t.Fatalf("got %v, want ClassUnsent", got)
	}
	if got := a.classify(&model.Message{System: true, AssociatedMessageType: assocStickerPlacement}); got != model.ClassSystem {
		t.Fatalf("got %v, want ClassSystem", got)
	}
	if got := a.classify(&model.Message{AssociatedMessageType: assocStickerPlacement}); got != model.ClassSticker {
		t.Fatalf("got %v, want ClassSticker", got)
	}
	if got := a.classify(&model.Message{AssociatedMessageType: assocTapbackAddMin}); got != model.ClassTapback {
		t.Fatalf("got %v, want ClassTapback", got)
	}
	if got := a.classify(&model.Message{Edited: true}); got != model.ClassEditRecord {
		t.Fatalf("got %v, want ClassEditRecord", got)
	}
	if got := a.classify(&model.Message{}); got != model.ClassPrimary {
		t.Fatalf("got %v, want ClassPrimary", got)
	}
}

func int64ptr(v int64) *int64 { return &v }

func TestAttachReactionsLatestWinsAndRemoveSuppresses(t *testing.T) {
	a := &Assembler{}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := &model.AssembledMessage{
		Source:    &model.Message{GUID: "target-guid"},
		Reactions: map[int][]model.Reaction{},
	}

	// Two adds on part 0 from the same sender+variant: the later one wins.
	older := &model.Message{RowID: 10, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "p:0/target-guid", HandleID: int64ptr(5), DateSent: base}
	newer := &model.Message{RowID: 11, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "p:0/target-guid", HandleID: int64ptr(5), DateSent: base.Add(time.Minute)}

	// A love on part 1 from a different sender is independent.
	otherPart := &model.Message{RowID: 12, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "p:1/target-guid", HandleID: int64ptr(6), DateSent: base}

	// A remove that lands after the add on part 1, same sender+variant:
	// suppresses rendering for that triple entirely.
	remove := &model.Message{RowID: 20, AssociatedMessageType: assocTapbackRemoveMin, AssociatedMessageGUID: "p:1/target-guid", HandleID: int64ptr(6), DateSent: base.Add(time.Minute)}

	a.attachReactions([]*model.Message{older, newer, otherPart, remove}, out)

	part0 := out.Reactions[0]
	if len(part0) != 1 {
		t.Fatalf("part0 reactions = %+v, want exactly one", part0)
	}
	if part0[0].SourceRowID != newer.RowID {
		t.Fatalf("part0 winner RowID = %d, want %d (the later add)", part0[0].SourceRowID, newer.RowID)
	}

	if len(out.Reactions[1]) != 0 {
		t.Fatalf("part1 reactions = %+v, want none (remove suppressed the add)", out.Reactions[1])
	}
}

func TestAttachReactionsTieBreaksOnAscendingRowID(t *testing.T) {
	a := &Assembler{}
	same := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := &model.AssembledMessage{
		Source:    &model.Message{GUID: "target-guid"},
		Reactions: map[int][]model.Reaction{},
	}
	first := &model.Message{RowID: 5, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "target-guid", HandleID: int64ptr(1), DateSent: same}
	second := &model.Message{RowID: 6, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "target-guid", HandleID: int64ptr(1), DateSent: same}

	a.attachReactions([]*model.Message{second, first}, out)

	got := out.Reactions[0]
	if len(got) != 1 || got[0].SourceRowID != second.RowID {
		t.Fatalf("got %+v, want the higher RowID (%d) to win the tie", got, second.RowID)
	}
}

func TestDecodeEditEntriesMissingEntriesKey(t *testing.T) {
	_, err := decodeEditEntries(map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing \"entries\" key")
	}
}

func TestDecodeEditEntriesNotAnArray(t *testing.T) {
	_, err := decodeEditEntries(map[string]any{"entries": "not an array"})
	if err == nil {
		t.Fatal("expected error when \"entries\" is not an array")
	}
}

func TestDecodeEditEntriesMissingText(t *testing.T) {
	_, err := decodeEditEntries(map[string]any{
		"entries": []any{
			map[string]any{"date": "not even a scalar"},
		},
	})
	if err == nil {
		t.Fatal("expected error for entry with no streamtyped \"text\" payload")
	}
}

func TestDecodeEditEntriesHappyPath(t *testing.T) {
	resolved := buildEditHistoryFixture(t)

	entries, err := decodeEditEntries(resolved)
	if err != nil {
		t.Fatalf("decodeEditEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3: %+v", len(entries), entries)
	}
	wantText := []string{"helo", "hello", "hello!"}
	for i, want := range wantText {
		if entries[i].Text != want {
			t.Fatalf("entries[%d].Text = %q, want %q", i, entries[i].Text, want)
		}
	}
	if !entries[2].Unsent {
		t.Fatalf("entries[2].Unsent = false, want true")
	}
	if entries[0].Unsent {
		t.Fatalf("entries[0].Unsent = true, want false")
	}
	if !entries[1].EditedAt.After(entries[0].EditedAt) {
		t.Fatalf("entries[1].EditedAt = %v, want after entries[0].EditedAt = %v", entries[1].EditedAt, entries[0].EditedAt)
	}
}

// fixtureStore and fixtureResolver give Assemble a full end-to-end run
// without touching internal/store or internal/entitygraph directly.
type fixtureStore struct {
	attachments map[int64][]model.Attachment
	reactions   map[string][]*model.Message
	byGUID      map[string]*model.Message
}

func (s *fixtureStore) AttachmentsForMessage(_ context.Context, rowID int64) ([]model.Attachment, error) {
	return s.attachments[rowID], nil
}

func (s *fixtureStore) ReactionsForGUID(_ context.Context, guid string) ([]*model.Message, error) {
	return s.reactions[guid], nil
}

func (s *fixtureStore) ByGUID(_ context.Context, guid string) (*model.Message, error) {
	return s.byGUID[guid], nil
}

type fixtureResolver struct{}

func (fixtureResolver) ResolveChatID(chatID int64) int { return int(chatID) }
func (fixtureResolver) DisplayName(handleID int64) string { return "handle" }

func TestAssembleEndToEnd(t *testing.T) {
	store := &fixtureStore{
		attachments: map[int64][]model.Attachment{
			1: {{ID: 1, GUID: "att-1", Filename: "photo.heic"}},
		},
		reactions: map[string][]*model.Message{
			"msg-1": {
				{RowID: 2, AssociatedMessageType: assocTapbackAddMin, AssociatedMessageGUID: "msg-1", HandleID: int64ptr(9), DateSent: time.Now()},
			},
		},
		byGUID: map[string]*model.Message{
			"parent-guid": {RowID: 0, GUID: "parent-guid"},
		},
	}
	a := New(store, fixtureResolver{})

	m := &model.Message{
		RowID:       1,
		GUID:        "msg-1",
		ChatID:      42,
		HandleID:    int64ptr(9),
		TextColumn:  "see this " + string(ReplacementChar),
		ReplyToGUID: "parent-guid",
		ReplyToPart: 0,
	}

	out, err := a.Assemble(context.Background(), m)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out.ChatUniqueID != 42 {
		t.Fatalf("ChatUniqueID = %d, want 42", out.ChatUniqueID)
	}
	if len(out.Parts) != 2 || out.Parts[1].Attachment == nil || out.Parts[1].Attachment.GUID != "att-1" {
		t.Fatalf("Parts = %+v", out.Parts)
	}
	if out.ReplyTo == nil || out.ReplyTo.OutOfRange {
		t.Fatalf("ReplyTo = %+v, want resolved parent", out.ReplyTo)
	}
	if len(out.Reactions[0]) != 1 {
		t.Fatalf("Reactions[0] = %+v, want one reaction", out.Reactions[0])
	}
}

func TestAssembleCorruptRowEmptyGUID(t *testing.T) {
	a := New(&fixtureStore{}, fixtureResolver{})
	_, err := a.Assemble(context.Background(), &model.Message{RowID: 7})
	var corrupt *model.CorruptRowError
	if err == nil {
		t.Fatal("expected a CorruptRowError for an empty guid")
	}
	if ok := asCorruptRowError(err, &corrupt); !ok {
		t.Fatalf("err = %v, want *model.CorruptRowError", err)
	}
	if corrupt.RowID != 7 {
		t.Fatalf("RowID = %d, want 7", corrupt.RowID)
	}
}

func asCorruptRowError(err error, target **model.CorruptRowError) bool {
	if e, ok := err.(*model.CorruptRowError); ok {
		*target = e
		return true
	}
	return false
}

// --- bplist fixture builder for the edit-history round trip ---
//
// UID values in a keyed archive address a position within the declared
// $objects array, not an outer bplist-table index, so the layout below is
// planned up front rather than derived from the builder's own object
// numbering.

var fixtureAppleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

type fixtureBuilder struct {
	objects [][]byte
}

func (b *fixtureBuilder) add(raw []byte) int {
	b.objects = append(b.objects, raw)
	return len(b.objects) - 1
}

func (b *fixtureBuilder) addString(s string) int {
	raw := []byte(s)
	return b.add(append([]byte{0x50 | byte(len(raw))}, raw...))
}

func (b *fixtureBuilder) addData(data []byte) int {
	buf := []byte{0x4F, 0x10 | 0x1}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(data)))
	buf = append(buf, lenBuf...)
	buf = append(buf, data...)
	return b.add(buf)
}

func (b *fixtureBuilder) addDate(t time.Time) int {
	secs := t.Sub(fixtureAppleEpoch).Seconds()
	buf := make([]byte, 9)
	buf[0] = 0x33
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(secs))
	return b.add(buf)
}

func (b *fixtureBuilder) addBool(v bool) int {
	if v {
		return b.add([]byte{0x09})
	}
	return b.add([]byte{0x08})
}

func (b *fixtureBuilder) addUID(position int) int {
	return b.add([]byte{0x80, byte(position)})
}

func (b *fixtureBuilder) addArray(refs ...int) int {
	buf := []byte{0xA0 | byte(len(refs))}
	for _, r := range refs {
		buf = append(buf, byte(r))
	}
	return b.add(buf)
}

func (b *fixtureBuilder) addDict(keyVal ...int) int {
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

// build serializes the object table. Unlike the smaller fixtures in
// package plist's own tests, this edit-history envelope comfortably
// exceeds 255 bytes, so offsets are written as big-endian uint16 rather
// than assuming a single byte holds every offset.
func (b *fixtureBuilder) build(top int) []byte {
	var buf []byte
	buf = append(buf, []byte("bplist00")...)

	offsets := make([]int, len(b.objects))
	for i, obj := range b.objects {
		offsets[i] = len(buf)
		buf = append(buf, obj...)
	}

	offsetTableOffset := len(buf)
	for _, off := range offsets {
		offBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(offBuf, uint16(off))
		buf = append(buf, offBuf...)
	}

	const trailerSize = 32
	trailer := make([]byte, trailerSize)
	trailer[6] = 2 // offset int size
	trailer[7] = 1 // object ref size
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(b.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(top))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	buf = append(buf, trailer...)
	return buf
}

func buildStreamtypedText(s string) []byte {
	buf := []byte("streamtyped")
	buf = append(buf, 0, 0, 0) // version+sentinel header, not interpreted
	buf = append(buf, 0x07)    // tagStringUTF8
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, []byte(s)...)
	buf = append(buf, 0x0A) // tagEnd
	return buf
}

// buildEditHistoryFixture builds the $objects position layout:
//
//	0: root dict {"entries": UID(1)}
//	1: entries array [UID(2), UID(5), UID(8)]
//	2: entry0 dict {"date": UID(3), "text": UID(4)}
//	3: date0   4: streamtyped "helo"
//	5: entry1 dict {"date": UID(6), "text": UID(7)}
//	6: date1   7: streamtyped "hello"
//	8: entry2 dict {"date": UID(9), "text": UID(10), "unsent": UID(11)}
//	9: date2   10: streamtyped "hello!"   11: bool true
func buildEditHistoryFixture(t *testing.T) any {
	t.Helper()
	b := &fixtureBuilder{}

	dateKey := b.addString("date")
	textKey := b.addString("text")
	unsentKey := b.addString("unsent")
	entriesKey := b.addString("entries")

	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)

	rootDict := b.addDict(entriesKey, b.addUID(1))
	entriesArr := b.addArray(b.addUID(2), b.addUID(5), b.addUID(8))

	date0 := b.addDate(t0)
	text0 := b.addData(buildStreamtypedText("helo"))
	entry0 := b.addDict(dateKey, b.addUID(3), textKey, b.addUID(4))

	date1 := b.addDate(t1)
	text1 := b.addData(buildStreamtypedText("hello"))
	entry1 := b.addDict(dateKey, b.addUID(6), textKey, b.addUID(7))

	date2 := b.addDate(t2)
	text2 := b.addData(buildStreamtypedText("hello!"))
	unsent2 := b.addBool(true)
	entry2 := b.addDict(dateKey, b.addUID(9), textKey, b.addUID(10), unsentKey, b.addUID(11))

	objectsArr := b.addArray(rootDict, entriesArr, entry0, date0, text0, entry1, date1, text1, entry2, date2, text2, unsent2)

	topDict := b.addDict(b.addString("root"), b.addUID(0))
	envelope := b.addDict(b.addString("$objects"), objectsArr, b.addString("$top"), topDict)

	archive, err := plist.OpenKeyedArchive(b.build(envelope))
	if err != nil {
		t.Fatalf("OpenKeyedArchive: %v", err)
	}
	resolved, err := archive.Root()
	if err != nil {
		t.Fatalf("archive.Root: %v", err)
	}
	return resolved
}
