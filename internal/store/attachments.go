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
	"fmt"

	"github.com/lrhodin/imessage-export/internal/model"
)

// AttachmentsForMessage returns every attachment joined to a message
// row, in message_attachment_join order (the order parts were authored
// in, which is also the order their U+FFFC placeholders appear in text).
func (d *DB) AttachmentsForMessage(ctx context.Context, messageRowID int64) ([]model.Attachment, error) {
	const q = `
SELECT a.ROWID, a.guid, IFNULL(a.filename, ''), IFNULL(a.uti, ''), IFNULL(a.mime_type, ''),
       IFNULL(a.total_bytes, 0), IFNULL(a.is_sticker, 0), IFNULL(a.hide_attachment, 0),
       IFNULL(a.transfer_state, 0), IFNULL(a.is_outgoing, 0), a.sticker_user_info
FROM message_attachment_join maj
JOIN attachment a ON a.ROWID = maj.attachment_id
WHERE maj.message_id = ?
ORDER BY maj.ROWID`
	rows, err := d.sql.QueryContext(ctx, q, messageRowID)
	if err != nil {
		return nil, fmt.Errorf("query attachments for message %d: %w", messageRowID, err)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		var isSticker, hidden, outgoing int
		var stickerInfo []byte
		if err := rows.Scan(&a.ID, &a.GUID, &a.Filename, &a.UTI, &a.MimeType,
			&a.TotalBytes, &isSticker, &hidden, &a.TransferState, &outgoing, &stickerInfo); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		a.IsSticker = isSticker != 0
		a.Hidden = hidden != 0
		a.Outgoing = outgoing != 0
		a.StickerInfoBlob = stickerInfo
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReactionsForGUID returns every message row associated with the given
// target GUID (tapbacks, stickers, and app-response edits), matching on
// the bare message GUID after stripping any "p:<index>/" part prefix.
// The assembler fans these back out to the correct part using the
// stripped index.
func (d *DB) ReactionsForGUID(ctx context.Context, targetGUID string) ([]*model.Message, error) {
	cols := probeMessageColumns(ctx, d.sql)
	q := fmt.Sprintf(`
SELECT %s
FROM message m
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
WHERE m.associated_message_guid = ? OR m.associated_message_guid LIKE ?
ORDER BY m.date ASC, m.ROWID ASC`, cols.selectList())

	rows, err := d.sql.QueryContext(ctx, q, targetGUID, "p:%/"+targetGUID)
	if err != nil {
		return nil, fmt.Errorf("query reactions for %s: %w", targetGUID, err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reaction row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
