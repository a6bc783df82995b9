// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lrhodin/imessage-export/internal/model"
)

// AllHandles loads the full handle table, satisfying entitygraph.Source.
func (d *DB) AllHandles(ctx context.Context) ([]model.Handle, error) {
	const q = `SELECT ROWID, id, IFNULL(service, ''), person_centric_id FROM handle`
	rows, err := d.sql.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query handles: %w", err)
	}
	defer rows.Close()

	var out []model.Handle
	for rows.Next() {
		var h model.Handle
		var pcid sql.NullString
		if err := rows.Scan(&h.ID, &h.Address, &h.Service, &pcid); err != nil {
			return nil, fmt.Errorf("scan handle row: %w", err)
		}
		if pcid.Valid && pcid.String != "" {
			v := pcid.String
			h.PersonCentricID = &v
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AllChatrooms loads every chatroom with its participant handle ids, in
// chat_handle_join order, satisfying entitygraph.Source.
func (d *DB) AllChatrooms(ctx context.Context) ([]model.Chatroom, error) {
	const chatQ = `SELECT ROWID, guid, IFNULL(display_name, ''), IFNULL(service_name, '') FROM chat`
	rows, err := d.sql.QueryContext(ctx, chatQ)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	chatrooms := map[int64]*model.Chatroom{}
	var order []int64
	for rows.Next() {
		c := &model.Chatroom{}
		if err := rows.Scan(&c.ID, &c.GUID, &c.DisplayName, &c.ServiceHint); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		c.IsGroup = model.ParseIdentifier(c.GUID).IsGroup
		chatrooms[c.ID] = c
		order = append(order, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const joinQ = `SELECT chat_id, handle_id FROM chat_handle_join ORDER BY chat_id, ROWID`
	joinRows, err := d.sql.QueryContext(ctx, joinQ)
	if err != nil {
		return nil, fmt.Errorf("query chat_handle_join: %w", err)
	}
	defer joinRows.Close()
	for joinRows.Next() {
		var chatID, handleID int64
		if err := joinRows.Scan(&chatID, &handleID); err != nil {
			return nil, fmt.Errorf("scan chat_handle_join row: %w", err)
		}
		if c, ok := chatrooms[chatID]; ok {
			c.Participants = append(c.Participants, handleID)
		}
	}
	if err := joinRows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Chatroom, 0, len(order))
	for _, id := range order {
		out = append(out, *chatrooms[id])
	}
	return out, nil
}

// messageColumnSet selects the fixed projection used by both the forward
// iterator and ByGUID. Columns that vary across macOS releases
// (attributedBody only exists on schemas new enough to carry rich
// text; thread_originator_guid/part were added alongside in-thread
// replies) are probed once via columnExists and substituted with a
// literal NULL, '' or 0 when absent, so the same scan struct works
// uniformly.
type messageColumnSet struct {
	hasAttributedBody bool
	hasThreadOriginator bool
	hasIsSpam         bool
}

func probeMessageColumns(ctx context.Context, db *sql.DB) messageColumnSet {
	return messageColumnSet{
		hasAttributedBody:   columnExists(ctx, db, "message", "attributedBody"),
		hasThreadOriginator: columnExists(ctx, db, "message", "thread_originator_guid"),
		hasIsSpam:           columnExists(ctx, db, "message", "is_spam"),
	}
}

func (s messageColumnSet) selectList() string {
	attributedBody := "NULL"
	if s.hasAttributedBody {
		attributedBody = "m.attributedBody"
	}
	threadOriginatorGUID, threadOriginatorPart := "''", "0"
	if s.hasThreadOriginator {
		threadOriginatorGUID = "IFNULL(m.thread_originator_guid, '')"
		threadOriginatorPart = "IFNULL(m.thread_originator_part, 0)"
	}
	isSpam := "0"
	if s.hasIsSpam {
		isSpam = "m.is_spam"
	}
	return fmt.Sprintf(`
m.ROWID, m.guid, cmj.chat_id, m.is_from_me, m.handle_id,
m.date, IFNULL(m.date_delivered, 0), IFNULL(m.date_read, 0),
IFNULL(m.item_type, 0), IFNULL(m.service, ''), IFNULL(m.balloon_bundle_id, ''),
IFNULL(m.is_delivered, 0), IFNULL(m.is_read, 0), IFNULL(m.is_finished, 1),
IFNULL(m.is_system_message, 0), IFNULL(m.is_audio_message, 0), IFNULL(m.is_played, 0),
IFNULL(m.date_played, 0) IS NOT 0,
%s,
IFNULL(m.reply_to_guid, ''), %s,
IFNULL(m.expressive_send_style_id, ''),
IFNULL(m.associated_message_type, 0), IFNULL(m.associated_message_guid, ''),
IFNULL(m.associated_message_range_length, 0),
IFNULL(m.text, ''), %s, m.payload_data, m.summary_info,
%s
`, threadOriginatorGUID, threadOriginatorPart, attributedBody, isSpam)
}

func scanMessageRow(scan func(...any) error) (*model.Message, error) {
	m := &model.Message{}
	var (
		chatID                                 sql.NullInt64
		handleID                                sql.NullInt64
		dateSent, dateDelivered, dateRead        int64
		replyToGUID, threadOriginatorGUID        string
		threadOriginatorPart                     int
		editedFromDatePlayed                     bool
		textRunsBlob, payloadBlob, summaryBlob   []byte
		isSpam                                   int
	)
	err := scan(
		&m.RowID, &m.GUID, &chatID, &m.IsFromMe, &handleID,
		&dateSent, &dateDelivered, &dateRead,
		&m.ItemType, &m.Service, &m.BundleID,
		&m.Delivered, &m.Read, &m.Finished,
		&m.System, &m.Audio, &m.Played,
		&editedFromDatePlayed,
		&threadOriginatorGUID,
		&replyToGUID, &threadOriginatorPart,
		&m.ExpressiveEffectID,
		&m.AssociatedMessageType, &m.AssociatedMessageGUID,
		&m.AssociatedPartRange,
		&m.TextColumn, &textRunsBlob, &payloadBlob, &summaryBlob,
		&isSpam,
	)
	if err != nil {
		return nil, err
	}

	if chatID.Valid {
		m.ChatID = chatID.Int64
	}
	if handleID.Valid {
		v := handleID.Int64
		m.HandleID = &v
	}
	m.DateSent = appleTimeAuto(dateSent)
	m.DateDelivered = appleTimeAuto(dateDelivered)
	m.DateRead = appleTimeAuto(dateRead)
	m.Spam = isSpam != 0
	m.TextRunsBlob = textRunsBlob
	m.PayloadBlob = payloadBlob
	m.SummaryBlob = summaryBlob
	m.Edited = summaryBlob != nil

	// Prefer the modern in-thread reply anchor; fall back to the legacy
	// reply_to_guid column (which carries no part index, so the whole
	// message is treated as the anchor) when the schema predates it.
	if threadOriginatorGUID != "" {
		m.ReplyToGUID = threadOriginatorGUID
		m.ReplyToPart = threadOriginatorPart
	} else if replyToGUID != "" {
		m.ReplyToGUID = replyToGUID
		m.ReplyToPart = 0
	}

	return m, nil
}
