// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package model

import "strings"

// ParsedIdentifier is the decomposed form of a chat.db chat GUID, which
// looks like "iMessage;-;+15551234567" for a DM or "iMessage;+;chat123456"
// for a group (service ';' style ';' identifier).
type ParsedIdentifier struct {
	Service    string
	IsGroup    bool
	Identifier string
}

// ParseIdentifier splits a chat GUID into its service/style/identifier
// parts. Unrecognised shapes are returned with the whole input as
// Identifier and IsGroup false, so callers always get something usable.
func ParseIdentifier(guid string) ParsedIdentifier {
	parts := strings.SplitN(guid, ";", 3)
	if len(parts) != 3 {
		return ParsedIdentifier{Identifier: guid}
	}
	return ParsedIdentifier{
		Service:    parts[0],
		IsGroup:    parts[1] == "+",
		Identifier: parts[2],
	}
}

// StripAssociatedPart splits an associated_message_guid that may carry a
// "p:<index>/<guid>" part-index prefix (the format iMessage uses to anchor
// a tapback or sticker to one part of a multi-part message) into the part
// index and the bare message GUID. Returns index -1 when there is no
// prefix, meaning "the whole message" / "part 0".
func StripAssociatedPart(raw string) (partIndex int, guid string) {
	if !strings.HasPrefix(raw, "p:") {
		return -1, raw
	}
	rest := raw[len("p:"):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return -1, raw
	}
	idxStr, guidPart := rest[:slash], rest[slash+1:]
	idx := 0
	for _, r := range idxStr {
		if r < '0' || r > '9' {
			return -1, raw
		}
		idx = idx*10 + int(r-'0')
	}
	return idx, guidPart
}
