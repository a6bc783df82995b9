// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package text implements the plain-text conversation writer (spec
// §4.7): one file per unique-chat-id, a human-readable timestamp and
// author per message, reactions listed under the part they target.
package text

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lrhodin/imessage-export/internal/balloon"
	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/render"
)

// Writer is a Renderer scoped to one conversation's .txt file.
type Writer struct {
	dir      string
	names    *render.NameRegistry
	authorOf render.AuthorResolver
	fmtTime  render.TimeFormatter

	f *os.File
	w *bufio.Writer
}

// New constructs a text writer. outputDir is the export root; the
// conversation's file is created lazily on BeginConversation.
func New(outputDir string, names *render.NameRegistry, authorOf render.AuthorResolver, fmtTime render.TimeFormatter) *Writer {
	if fmtTime == nil {
		fmtTime = render.LocalTimeFormatter{}
	}
	return &Writer{dir: outputDir, names: names, authorOf: authorOf, fmtTime: fmtTime}
}

func (w *Writer) BeginConversation(uniqueChatID int, display string) error {
	stem := w.names.Claim(render.SanitizeFilename(display))
	path := filepath.Join(w.dir, stem+".txt")
	f, err := os.Create(path)
	if err != nil {
		return &model.OutputIOError{Path: path, Err: err}
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	return nil
}

func (w *Writer) EndConversation() error {
	if w.w != nil {
		if err := w.w.Flush(); err != nil {
			w.f.Close()
			return &model.OutputIOError{Path: w.f.Name(), Err: err}
		}
	}
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return &model.OutputIOError{Path: w.f.Name(), Err: err}
		}
	}
	return nil
}

func (w *Writer) WriteMessage(am *model.AssembledMessage) error {
	author := "Me"
	if !am.FromMe {
		author = w.authorOf(am.AuthorHandleID)
	}

	fmt.Fprintf(w.w, "[%s] %s\n", w.fmtTime.Format(am.SentAt()), author)

	if am.ReplyTo != nil {
		if am.ReplyTo.OutOfRange {
			fmt.Fprintf(w.w, "  (reply to out-of-range message %s)\n", am.ReplyTo.GUID)
		} else {
			fmt.Fprintf(w.w, "  (reply to %s, part %d)\n", am.ReplyTo.GUID, am.ReplyTo.Part)
		}
	}

	for _, part := range am.Parts {
		writePartText(w.w, &part)
		if reactions := am.Reactions[part.Index]; len(reactions) > 0 {
			for _, r := range reactions {
				fmt.Fprintf(w.w, "  %s by %s\n", r.Variant.Label(), w.authorFor(r.SenderHandleID))
			}
		}
	}

	if len(am.EditHistory) > 0 {
		fmt.Fprintln(w.w, "  --- edit history ---")
		for _, e := range am.EditHistory {
			fmt.Fprintf(w.w, "  [%s] %s\n", w.fmtTime.Format(e.EditedAt), e.Text)
		}
	}

	for _, u := range am.Unreadable {
		fmt.Fprintf(w.w, "  (unreadable %s: %s)\n", u.Kind, u.Reason)
	}

	fmt.Fprintln(w.w)
	return w.w.Flush()
}

func (w *Writer) authorFor(handleID *int64) string {
	if handleID == nil {
		return "Me"
	}
	return w.authorOf(handleID)
}

// writePartText renders one part's textual content: plain text, an
// attachment's resolved path, or a balloon's text summary.
func writePartText(w *bufio.Writer, p *model.Part) {
	switch {
	case p.Attachment != nil:
		fmt.Fprintln(w, render.AttachmentLabel(p.Attachment))
	case p.Balloon != nil:
		fmt.Fprintln(w, balloonSummary(p.Balloon))
	default:
		fmt.Fprintln(w, p.Text)
	}
}

// balloonSummary renders an app balloon's plain-text equivalent.
// Grounded on spec §8 scenario 4's exact Apple Pay wording.
func balloonSummary(b model.Balloon) string {
	switch v := b.(type) {
	case balloon.URLPreview:
		if v.Title != "" {
			return fmt.Sprintf("%s (%s)", v.Title, v.URL)
		}
		return v.URL
	case balloon.AppMusic:
		return fmt.Sprintf("%s - %s (%s)", v.Artist, v.Track, v.Album)
	case balloon.ApplePay:
		switch v.Kind {
		case balloon.ApplePayRequest:
			return fmt.Sprintf("Requested %s via Apple Cash", formatAmount(v.Amount, v.Currency))
		case balloon.ApplePayReceive:
			return fmt.Sprintf("Received %s via Apple Cash", formatAmount(v.Amount, v.Currency))
		default:
			return fmt.Sprintf("Sent %s via Apple Cash", formatAmount(v.Amount, v.Currency))
		}
	case balloon.Collaboration:
		return fmt.Sprintf("%s collaboration: %s (%s)", v.App, v.Title, v.URL)
	case balloon.SharePlay:
		return fmt.Sprintf("SharePlay: %s", v.Activity)
	case balloon.Handwriting:
		return "[handwritten message]"
	case balloon.GenericApp:
		if v.Title != "" {
			return fmt.Sprintf("%s: %s", v.Title, v.Caption)
		}
		return v.LDText
	default:
		return fmt.Sprintf("[unsupported app payload: %s]", b.BalloonKind())
	}
}

func formatAmount(amount, currency string) string {
	switch currency {
	case "USD", "":
		return "$" + amount
	default:
		return amount + " " + currency
	}
}
