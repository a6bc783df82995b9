// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package attachment

import (
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lrhodin/imessage-export/internal/model"
)

// SniffMime fills att.MimeType from the file's content when chat.db
// left the column empty, the case older schema versions leave for some
// sticker and effect attachments. The renderer's <img>/<video>/<audio>
// dispatch (spec §4.7) depends on this being populated.
func SniffMime(att *model.Attachment) {
	if att.MimeType != "" || att.ResolvedPath == "" {
		return
	}
	f, err := os.Open(att.ResolvedPath)
	if err != nil {
		return
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return
	}
	att.MimeType = mt.String()
}
