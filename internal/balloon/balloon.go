// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package balloon interprets C2's resolved keyed-archiver object graphs
// into the closed set of typed app-balloon / URL-preview variants. A
// registry keyed on balloon_bundle_id (and, for link previews, the
// archived object's own class name) gives extensibility without runtime
// polymorphism beyond a function table — the same shape the teacher repo
// used for routing bridged event types.
package balloon

import (
	"strings"

	"github.com/lrhodin/imessage-export/internal/plist"
)

// Variant is implemented by every concrete balloon kind. It satisfies
// model.Balloon without this package importing model, keeping the
// decode layer independent of the assembly layer's types.
type Variant interface {
	BalloonKind() string
}

type URLPreview struct {
	URL      string
	Title    string
	Summary  string
	ImageRef string
}

func (URLPreview) BalloonKind() string { return "url_preview" }

type ApplePayKind string

const (
	ApplePaySend    ApplePayKind = "send"
	ApplePayRequest ApplePayKind = "request"
	ApplePayReceive ApplePayKind = "receive"
)

type AppMusic struct {
	Artist     string
	Album      string
	Track      string
	PreviewURL string
}

func (AppMusic) BalloonKind() string { return "app_music" }

type ApplePay struct {
	Amount   string
	Currency string
	Kind     ApplePayKind
}

func (ApplePay) BalloonKind() string { return "apple_pay" }

type Collaboration struct {
	Title string
	URL   string
	App   string
}

func (Collaboration) BalloonKind() string { return "collaboration" }

type SharePlay struct {
	Activity string
}

func (SharePlay) BalloonKind() string { return "shareplay" }

type Handwriting struct {
	ID string
}

func (Handwriting) BalloonKind() string { return "handwriting" }

// GenericApp is the fallback shape for any app extension that publishes
// the standard MSMessage layout fields without a dedicated decoder.
type GenericApp struct {
	BundleID        string
	LDText          string
	URL             string
	ImageRef        string
	Title           string
	Subtitle        string
	Caption         string
	TrailingCaption string
}

func (GenericApp) BalloonKind() string { return "generic_app" }

// UnknownBalloon is the non-fatal terminal case: neither a known bundle
// id nor the generic layout matched.
type UnknownBalloon struct {
	BundleID string
}

func (UnknownBalloon) BalloonKind() string { return "unknown" }

type decoderFunc func(bundleID string, obj map[string]any) (Variant, error)

// byBundlePrefix holds exact/prefix matches against balloon_bundle_id.
// Apple's extension bundle ids carry the vendor's own identifier suffix
// (".../com.apple.PassbookUIService.PeerPaymentMessagesExtension"), so
// matching is prefix-based rather than exact-equality.
var byBundlePrefix = []struct {
	prefix string
	decode decoderFunc
}{
	{"com.apple.messages.MSMessageExtensionBalloonPlugin:0000000000:com.apple.PassbookUIService", decodeApplePay},
	{"com.apple.messages.MSMessageExtensionBalloonPlugin:0000000000:com.apple.Music", decodeAppMusic},
	{"com.apple.SharePlayBalloonProvider", decodeSharePlay},
	{"com.apple.DigitalInk.MessagesExtension", decodeHandwriting},
	{"com.apple.CollaborationMessaging", decodeCollaboration},
}

// Decode routes a resolved C2 object graph (the output of
// plist.Archive.Root / Resolve) to its balloon variant. bundleID is the
// message row's balloon_bundle_id column, which may be empty for plain
// link previews (those are identified by class name alone).
func Decode(bundleID string, resolved any) (Variant, error) {
	obj, _ := resolved.(*plist.ArchivedObject)

	for _, route := range byBundlePrefix {
		if strings.HasPrefix(bundleID, route.prefix) {
			fields := map[string]any{}
			if obj != nil {
				fields = obj.Fields
			}
			v, err := route.decode(bundleID, fields)
			if err != nil {
				return UnknownBalloon{BundleID: bundleID}, nil
			}
			return v, nil
		}
	}

	if obj != nil && isLinkPreviewClass(obj.ClassName, obj.Classes) {
		return decodeURLPreview(obj.Fields), nil
	}

	if obj != nil && hasGenericAppShape(obj.Fields) {
		return decodeGenericApp(bundleID, obj.Fields), nil
	}

	return UnknownBalloon{BundleID: bundleID}, nil
}

func isLinkPreviewClass(className string, chain []string) bool {
	for _, c := range append([]string{className}, chain...) {
		switch c {
		case "LPLinkMetadata", "NSURL":
			return true
		}
	}
	return false
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	if s, ok := v.(*plist.Scalar); ok && s.Node.Kind() == plist.KindString {
		return s.Node.String()
	}
	return ""
}

func decodeURLPreview(fields map[string]any) Variant {
	return URLPreview{
		URL:      firstNonEmpty(stringField(fields, "URL"), stringField(fields, "NS.relative")),
		Title:    stringField(fields, "title"),
		Summary:  stringField(fields, "summary"),
		ImageRef: stringField(fields, "imageURL"),
	}
}

func decodeAppMusic(_ string, fields map[string]any) (Variant, error) {
	return AppMusic{
		Artist:     stringField(fields, "artist"),
		Album:      stringField(fields, "album"),
		Track:      stringField(fields, "trackName"),
		PreviewURL: stringField(fields, "previewURL"),
	}, nil
}

func decodeApplePay(_ string, fields map[string]any) (Variant, error) {
	kind := ApplePayKind(stringField(fields, "transactionKind"))
	switch kind {
	case ApplePaySend, ApplePayRequest, ApplePayReceive:
	default:
		kind = ApplePaySend
	}
	return ApplePay{
		Amount:   stringField(fields, "amount"),
		Currency: stringField(fields, "currency"),
		Kind:     kind,
	}, nil
}

func decodeCollaboration(_ string, fields map[string]any) (Variant, error) {
	return Collaboration{
		Title: stringField(fields, "title"),
		URL:   stringField(fields, "URL"),
		App:   stringField(fields, "appName"),
	}, nil
}

func decodeSharePlay(_ string, fields map[string]any) (Variant, error) {
	return SharePlay{Activity: stringField(fields, "activityName")}, nil
}

func decodeHandwriting(_ string, fields map[string]any) (Variant, error) {
	return Handwriting{ID: stringField(fields, "identifier")}, nil
}

// hasGenericAppShape reports whether a resolved object has enough of
// the standard MSMessage template fields to render as a generic app
// balloon rather than falling all the way back to UnknownBalloon.
func hasGenericAppShape(fields map[string]any) bool {
	for _, k := range []string{"ldtext", "URL", "title", "subtitle", "caption"} {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

func decodeGenericApp(bundleID string, fields map[string]any) Variant {
	return GenericApp{
		BundleID:        bundleID,
		LDText:          stringField(fields, "ldtext"),
		URL:             stringField(fields, "URL"),
		ImageRef:        stringField(fields, "imageURL"),
		Title:           stringField(fields, "title"),
		Subtitle:        stringField(fields, "subtitle"),
		Caption:         stringField(fields, "caption"),
		TrailingCaption: stringField(fields, "trailingCaption"),
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
