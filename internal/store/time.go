// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import "time"

// AppleEpochOffset is the number of seconds between the Unix epoch and
// 2001-01-01T00:00:00Z, the reference point for every date column in
// chat.db.
const AppleEpochOffset = 978307200

// appleNanosToTime converts a message.date-style column (nanoseconds
// since the Apple epoch on modern schemas; some historical rows store
// seconds, see appleTimeAuto) into a time.Time. A zero input maps to
// the zero Time, not 2001-01-01 — chat.db uses 0 to mean "unset" for
// date_delivered/date_read.
func appleNanosToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(AppleEpochOffset, 0).UTC().Add(time.Duration(ns))
}

// appleTimeAuto handles the schema migration where Sierra (10.12) and
// later store date columns in nanoseconds, while older macOS releases
// stored plain seconds since the Apple epoch. A value whose magnitude
// is too small to be a plausible nanosecond timestamp after 2001 is
// treated as seconds instead.
func appleTimeAuto(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	// A plausible date expressed in nanoseconds is on the order of 1e17-1e18;
	// the same date expressed in seconds tops out around 4e9 before the
	// year 2130. Anything below this threshold can only be seconds.
	const secondsVsNanosThreshold = 100_000_000_000
	if raw < secondsVsNanosThreshold {
		return time.Unix(AppleEpochOffset+raw, 0).UTC()
	}
	return appleNanosToTime(raw)
}

// unixToAppleNanos is the inverse of appleNanosToTime, used when turning
// a user-supplied --start-date/--end-date boundary into a SQL bind
// parameter comparable against message.date.
func unixToAppleNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Sub(time.Unix(AppleEpochOffset, 0).UTC()).Nanoseconds()
}
