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
	"time"

	"github.com/lrhodin/imessage-export/internal/model"
)

// Bounds restricts the iterator to [Start, End) on message.date. A zero
// Time on either side means unbounded in that direction.
type Bounds struct {
	Start, End time.Time
}

// Iterator is a forward, single-pass, non-restartable cursor over
// message rows ordered by (date ASC, rowid ASC), per spec §4.6. The
// host may stop calling Next at any point; Close releases the
// underlying SQL rows either way.
type Iterator struct {
	rows    *sql.Rows
	columns messageColumnSet
	err     error
}

// Iterate opens a forward cursor. Cancellation is cooperative: ctx is
// attached to the query and Next begins returning ctx.Err() once it's
// done, but any row already fetched from the driver is still handed
// back first.
func (d *DB) Iterate(ctx context.Context, bounds Bounds) (*Iterator, error) {
	cols := probeMessageColumns(ctx, d.sql)

	q := fmt.Sprintf(`
SELECT %s
FROM message m
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
WHERE m.date >= ? AND m.date < ?
ORDER BY m.date ASC, m.ROWID ASC`, cols.selectList())

	startNs := unixToAppleNanos(bounds.Start)
	endNs := int64(1<<62) // effectively unbounded
	if !bounds.End.IsZero() {
		endNs = unixToAppleNanos(bounds.End)
	}

	rows, err := d.sql.QueryContext(ctx, q, startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &Iterator{rows: rows, columns: cols}, nil
}

// Next advances the cursor and returns the next message, or (nil, nil)
// once exhausted. A non-nil error is terminal; the iterator must not be
// reused afterward.
func (it *Iterator) Next() (*model.Message, error) {
	if it.err != nil {
		return nil, it.err
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return nil, it.err
	}
	m, err := scanMessageRow(it.rows.Scan)
	if err != nil {
		it.err = fmt.Errorf("scan message row: %w", err)
		return nil, it.err
	}
	return m, nil
}

func (it *Iterator) Close() error { return it.rows.Close() }

// ByGUID resolves a single message by its globally-unique id, used by
// C5 to follow reply anchors. Hits are served from the bounded LRU
// before falling back to a point query.
func (d *DB) ByGUID(ctx context.Context, guid string) (*model.Message, error) {
	if m, ok := d.guidCache.get(guid); ok {
		return m, nil
	}

	cols := probeMessageColumns(ctx, d.sql)
	q := fmt.Sprintf(`
SELECT %s
FROM message m
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
WHERE m.guid = ?
LIMIT 1`, cols.selectList())

	row := d.sql.QueryRowContext(ctx, q, guid)
	m, err := scanMessageRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup message by guid %s: %w", guid, err)
	}
	d.guidCache.put(guid, m)
	return m, nil
}
