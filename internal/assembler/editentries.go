// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package assembler

import (
	"fmt"

	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/plist"
	"github.com/lrhodin/imessage-export/internal/typedstream"
)

// decodeEditEntries walks a resolved summary_blob object graph looking
// for an "entries" array, where each element is a dict carrying a
// "date" scalar and a "text" data scalar holding that entry's own
// streamtyped-encoded body (spec §4.5: "each entry's text is itself a
// streamtyped stream and is decoded by C1"). An optional "unsent" bool
// scalar marks a retraction entry.
func decodeEditEntries(resolved any) ([]model.EditEntry, error) {
	fields, err := fieldsOf(resolved)
	if err != nil {
		return nil, err
	}
	entriesAny, ok := fields["entries"]
	if !ok {
		return nil, fmt.Errorf("summary_blob root has no \"entries\" array")
	}
	entryList, ok := entriesAny.([]any)
	if !ok {
		return nil, fmt.Errorf("summary_blob \"entries\" is not an array")
	}

	out := make([]model.EditEntry, 0, len(entryList))
	for i, rawEntry := range entryList {
		entryFields, err := fieldsOf(rawEntry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		var entry model.EditEntry
		if dateScalar, ok := scalarOf(entryFields["date"]); ok && dateScalar.Node.Kind() == plist.KindDate {
			t, _ := dateScalar.Node.Date()
			entry.EditedAt = t
		}

		textScalar, ok := scalarOf(entryFields["text"])
		if !ok || textScalar.Node.Kind() != plist.KindData {
			return nil, fmt.Errorf("entry %d: missing streamtyped \"text\" payload", i)
		}
		textBytes, err := textScalar.Node.Data()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		decoded, err := typedstream.Decode(textBytes)
		if err != nil {
			return nil, fmt.Errorf("entry %d: decode text: %w", i, err)
		}
		entry.Text = decoded.Text
		for _, r := range decoded.Runs {
			entry.Runs = append(entry.Runs, model.Run{Start: r.Start, Length: r.Length, Attributes: r.Attributes})
		}

		if unsentScalar, ok := scalarOf(entryFields["unsent"]); ok && unsentScalar.Node.Kind() == plist.KindBool {
			b, _ := unsentScalar.Node.Bool()
			entry.Unsent = b
		}

		out = append(out, entry)
	}
	return out, nil
}

func fieldsOf(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case *plist.ArchivedObject:
		return t.Fields, nil
	default:
		return nil, fmt.Errorf("expected a dict or archived object, got %T", v)
	}
}

func scalarOf(v any) (*plist.Scalar, bool) {
	s, ok := v.(*plist.Scalar)
	return s, ok
}
