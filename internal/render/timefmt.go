// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package render

import "time"

// TimeFormatter is the date/locale formatting collaborator named as
// out of scope for the core (spec §1). No pack example commits to a
// specific i18n library for this narrow a need, so the default
// implementation below is the one deliberate stdlib-only component in
// this codebase.
type TimeFormatter interface {
	Format(t time.Time) string
}

// LocalTimeFormatter renders timestamps in the machine's local zone,
// e.g. "2024-03-05 14:32:07".
type LocalTimeFormatter struct{}

func (LocalTimeFormatter) Format(t time.Time) string {
	if t.IsZero() {
		return "(unknown time)"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
