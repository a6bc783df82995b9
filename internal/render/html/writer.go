// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package html implements the HTML conversation writer (spec §4.7):
// one balloon <div> per message, coloured by service, with typed
// embeds for attachments and app balloons.
package html

import (
	"bufio"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/lrhodin/imessage-export/internal/attachment"
	balloonpkg "github.com/lrhodin/imessage-export/internal/balloon"
	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/render"
)

// Writer is a Renderer scoped to one conversation's .html file.
type Writer struct {
	dir      string
	names    *render.NameRegistry
	authorOf render.AuthorResolver
	fmtTime  render.TimeFormatter
	lazy     bool

	f       *os.File
	w       *bufio.Writer
	display string
}

// New constructs an HTML writer. lazy controls whether embedded media
// gets loading="lazy" (spec §4.7's "no-lazy" mode disables this).
func New(outputDir string, names *render.NameRegistry, authorOf render.AuthorResolver, fmtTime render.TimeFormatter, lazy bool) *Writer {
	if fmtTime == nil {
		fmtTime = render.LocalTimeFormatter{}
	}
	return &Writer{dir: outputDir, names: names, authorOf: authorOf, fmtTime: fmtTime, lazy: lazy}
}

func (w *Writer) BeginConversation(uniqueChatID int, display string) error {
	stem := w.names.Claim(render.SanitizeFilename(display))
	path := filepath.Join(w.dir, stem+".html")
	f, err := os.Create(path)
	if err != nil {
		return &model.OutputIOError{Path: path, Err: err}
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.display = display

	fmt.Fprintf(w.w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">\n")
	fmt.Fprintf(w.w, "<title>%s</title>\n", html.EscapeString(display))
	fmt.Fprint(w.w, conversationCSS)
	fmt.Fprintf(w.w, "</head><body>\n<h1>%s</h1>\n", html.EscapeString(display))
	return nil
}

func (w *Writer) EndConversation() error {
	fmt.Fprint(w.w, "</body></html>\n")
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return &model.OutputIOError{Path: w.f.Name(), Err: err}
	}
	if err := w.f.Close(); err != nil {
		return &model.OutputIOError{Path: w.f.Name(), Err: err}
	}
	return nil
}

func (w *Writer) WriteMessage(am *model.AssembledMessage) error {
	author := "Me"
	if !am.FromMe {
		author = w.authorOf(am.AuthorHandleID)
	}
	cls := "bubble-imessage"
	if strings.EqualFold(am.Source.Service, "SMS") {
		cls = "bubble-sms"
	}
	side := "theirs"
	if am.FromMe {
		side = "mine"
	}

	fmt.Fprintf(w.w, "<div class=\"message %s %s\" id=\"%s\">\n", cls, side, html.EscapeString(am.Source.GUID))
	fmt.Fprintf(w.w, "  <div class=\"meta\"><span class=\"author\">%s</span> <span class=\"time\">%s</span></div>\n",
		html.EscapeString(author), html.EscapeString(w.fmtTime.Format(am.SentAt())))

	if am.ReplyTo != nil {
		if am.ReplyTo.OutOfRange {
			fmt.Fprintf(w.w, "  <div class=\"reply-marker\">reply to out-of-range message %s</div>\n", html.EscapeString(am.ReplyTo.GUID))
		} else {
			fmt.Fprintf(w.w, "  <div class=\"reply-marker\">in reply to <a href=\"#%s\">%s</a></div>\n",
				html.EscapeString(am.ReplyTo.GUID), html.EscapeString(am.ReplyTo.GUID))
		}
	}

	for _, part := range am.Parts {
		w.writePart(&part)
		if reactions := am.Reactions[part.Index]; len(reactions) > 0 {
			fmt.Fprint(w.w, "  <div class=\"reactions\">\n")
			for _, r := range reactions {
				fmt.Fprintf(w.w, "    <span class=\"reaction\">%s by %s</span>\n",
					html.EscapeString(r.Variant.Label()), html.EscapeString(w.authorFor(r.SenderHandleID)))
			}
			fmt.Fprint(w.w, "  </div>\n")
		}
	}

	if len(am.EditHistory) > 0 {
		fmt.Fprint(w.w, "  <details class=\"edit-history\"><summary>Edited</summary>\n")
		for _, e := range am.EditHistory {
			fmt.Fprintf(w.w, "    <div class=\"edit-entry\"><span class=\"time\">%s</span> %s</div>\n",
				html.EscapeString(w.fmtTime.Format(e.EditedAt)), html.EscapeString(e.Text))
		}
		fmt.Fprint(w.w, "  </details>\n")
	}

	for _, u := range am.Unreadable {
		fmt.Fprintf(w.w, "  <div class=\"unreadable\">unreadable %s: %s</div>\n", html.EscapeString(string(u.Kind)), html.EscapeString(u.Reason))
	}

	fmt.Fprint(w.w, "</div>\n")
	return w.w.Flush()
}

func (w *Writer) authorFor(handleID *int64) string {
	if handleID == nil {
		return "Me"
	}
	return w.authorOf(handleID)
}

func (w *Writer) writePart(p *model.Part) {
	switch {
	case p.Attachment != nil:
		w.writeAttachment(p.Attachment)
	case p.Balloon != nil:
		w.writeBalloon(p.Balloon)
	default:
		fmt.Fprintf(w.w, "  <div class=\"text\">%s</div>\n", html.EscapeString(p.Text))
	}
}

func (w *Writer) lazyAttr() string {
	if w.lazy {
		return ` loading="lazy"`
	}
	return ""
}

func (w *Writer) writeAttachment(a *model.Attachment) {
	if a.Missing {
		fmt.Fprintf(w.w, "  <div class=\"attachment-missing\">%s</div>\n", html.EscapeString(render.AttachmentLabel(a)))
		return
	}

	src := html.EscapeString(relPath(a.ResolvedPath))
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		fmt.Fprintf(w.w, "  <img class=\"attachment\" src=\"%s\"%s>\n", src, w.lazyAttr())
	case strings.HasPrefix(a.MimeType, "video/"):
		fmt.Fprintf(w.w, "  <video class=\"attachment\" src=\"%s\" controls%s></video>\n", src, w.lazyAttr())
	case strings.HasPrefix(a.MimeType, "audio/"):
		w.writeAudio(a)
	default:
		fmt.Fprintf(w.w, "  <a class=\"attachment-file\" href=\"%s\">%s</a>\n", src, html.EscapeString(filepath.Base(a.ResolvedPath)))
	}
	if a.ConversionNote != "" {
		fmt.Fprintf(w.w, "  <div class=\"conversion-note\">%s</div>\n", html.EscapeString(a.ConversionNote))
	}
}

// writeAudio remuxes CAF voice messages to OGG alongside the original
// file so the <audio> tag has something browsers can actually decode;
// non-CAF audio attachments are linked as-is.
func (w *Writer) writeAudio(a *model.Attachment) {
	data, err := os.ReadFile(a.ResolvedPath)
	if err != nil || !attachment.IsCAF(data) {
		fmt.Fprintf(w.w, "  <audio class=\"attachment\" src=\"%s\" controls%s></audio>\n", html.EscapeString(relPath(a.ResolvedPath)), w.lazyAttr())
		return
	}
	ogg, err := attachment.RemuxCAFToOGG(data)
	if err != nil {
		fmt.Fprintf(w.w, "  <div class=\"attachment-file\">voice message (unplayable: %s)</div>\n", html.EscapeString(err.Error()))
		return
	}
	oggPath := strings.TrimSuffix(a.ResolvedPath, filepath.Ext(a.ResolvedPath)) + ".ogg"
	if werr := os.WriteFile(oggPath, ogg, 0o644); werr != nil {
		fmt.Fprintf(w.w, "  <div class=\"attachment-file\">voice message (remux failed: %s)</div>\n", html.EscapeString(werr.Error()))
		return
	}
	fmt.Fprintf(w.w, "  <audio class=\"attachment\" src=\"%s\" controls%s></audio>\n", html.EscapeString(relPath(oggPath)), w.lazyAttr())
}

func (w *Writer) writeBalloon(b model.Balloon) {
	switch v := b.(type) {
	case balloonpkg.URLPreview:
		fmt.Fprint(w.w, "  <div class=\"link-card\">\n")
		if v.ImageRef != "" {
			fmt.Fprintf(w.w, "    <img class=\"link-card-image\" src=\"%s\"%s>\n", html.EscapeString(relPath(v.ImageRef)), w.lazyAttr())
		}
		fmt.Fprintf(w.w, "    <a class=\"link-card-title\" href=\"%s\">%s</a>\n", html.EscapeString(v.URL), html.EscapeString(firstNonEmpty(v.Title, v.URL)))
		if v.Summary != "" {
			fmt.Fprintf(w.w, "    <div class=\"link-card-subtitle\">%s</div>\n", html.EscapeString(v.Summary))
		}
		fmt.Fprint(w.w, "  </div>\n")
	case balloonpkg.AppMusic:
		fmt.Fprintf(w.w, "  <div class=\"app-music\">%s - %s (%s)</div>\n",
			html.EscapeString(v.Artist), html.EscapeString(v.Track), html.EscapeString(v.Album))
	case balloonpkg.ApplePay:
		fmt.Fprintf(w.w, "  <div class=\"apple-pay\">%s</div>\n", html.EscapeString(applePayText(v)))
	case balloonpkg.Collaboration:
		fmt.Fprintf(w.w, "  <div class=\"collaboration\"><a href=\"%s\">%s: %s</a></div>\n",
			html.EscapeString(v.URL), html.EscapeString(v.App), html.EscapeString(v.Title))
	case balloonpkg.SharePlay:
		fmt.Fprintf(w.w, "  <div class=\"shareplay\">SharePlay: %s</div>\n", html.EscapeString(v.Activity))
	case balloonpkg.Handwriting:
		fmt.Fprint(w.w, "  <div class=\"handwriting\">[handwritten message]</div>\n")
	case balloonpkg.GenericApp:
		fmt.Fprintf(w.w, "  <div class=\"generic-app\"><div class=\"title\">%s</div><div class=\"caption\">%s</div></div>\n",
			html.EscapeString(v.Title), html.EscapeString(v.Caption))
	default:
		fmt.Fprintf(w.w, "  <div class=\"unknown-balloon\">unsupported app payload: %s</div>\n", html.EscapeString(b.BalloonKind()))
	}
}

func applePayText(v balloonpkg.ApplePay) string {
	amount := "$" + v.Amount
	if v.Currency != "" && v.Currency != "USD" {
		amount = v.Amount + " " + v.Currency
	}
	switch v.Kind {
	case balloonpkg.ApplePayRequest:
		return "Requested " + amount + " via Apple Cash"
	case balloonpkg.ApplePayReceive:
		return "Received " + amount + " via Apple Cash"
	default:
		return "Sent " + amount + " via Apple Cash"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// relPath makes an absolute attachment path relative to the export
// root's attachments/ directory when possible, so the generated HTML
// stays portable if the export directory is moved or zipped.
func relPath(path string) string {
	idx := strings.LastIndex(path, "/attachments/")
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}

const conversationCSS = `<style>
body { font-family: -apple-system, sans-serif; background: #f5f5f7; margin: 2em; }
.message { max-width: 60%; margin: 0.5em 0; padding: 0.6em 1em; border-radius: 1em; }
.bubble-imessage.mine { background: #0b84ff; color: #fff; margin-left: auto; }
.bubble-imessage.theirs { background: #e5e5ea; color: #000; }
.bubble-sms.mine { background: #34c759; color: #fff; margin-left: auto; }
.bubble-sms.theirs { background: #e5e5ea; color: #000; }
.meta { font-size: 0.75em; opacity: 0.7; }
.attachment, .attachment img { max-width: 100%; border-radius: 0.5em; }
.reactions { font-size: 0.8em; opacity: 0.8; }
.link-card { border: 1px solid #ccc; border-radius: 0.5em; padding: 0.5em; background: #fff; color: #000; }
.edit-history { font-size: 0.85em; }
</style>
`
