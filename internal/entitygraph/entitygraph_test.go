// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package entitygraph

import (
	"context"
	"testing"

	"github.com/lrhodin/imessage-export/internal/model"
)

type fixtureSource struct {
	handles   []model.Handle
	chatrooms []model.Chatroom
}

func (f fixtureSource) AllHandles(context.Context) ([]model.Handle, error)     { return f.handles, nil }
func (f fixtureSource) AllChatrooms(context.Context) ([]model.Chatroom, error) { return f.chatrooms, nil }

func strptr(s string) *string { return &s }

func TestBuildClustersByPersonCentricID(t *testing.T) {
	src := fixtureSource{
		handles: []model.Handle{
			{ID: 1, Address: "+15551234567", PersonCentricID: strptr("abc")},
			{ID: 2, Address: "jane@example.com", PersonCentricID: strptr("abc")},
			{ID: 3, Address: "+15559999999", PersonCentricID: nil},
		},
	}
	g, err := Build(context.Background(), src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.H[1] != g.H[2] {
		t.Fatalf("clustered handles should share a display string: %q vs %q", g.H[1], g.H[2])
	}
	if g.H[1] != "+15551234567, jane@example.com" {
		t.Fatalf("H[1] = %q", g.H[1])
	}
	if g.H[3] != "+15559999999" {
		t.Fatalf("H[3] = %q", g.H[3])
	}
}

func TestBuildUniqueChatIDInvariant(t *testing.T) {
	src := fixtureSource{
		handles: []model.Handle{
			{ID: 1, Address: "+15551111111", PersonCentricID: strptr("p1")},
			{ID: 2, Address: "+15552222222", PersonCentricID: strptr("p1")}, // same person as handle 1
			{ID: 3, Address: "+15553333333", PersonCentricID: nil},
		},
		chatrooms: []model.Chatroom{
			{ID: 10, Participants: []int64{1}},
			{ID: 11, Participants: []int64{2}}, // different handle, same person -> same unique chat id as 10
			{ID: 12, Participants: []int64{3}}, // different person -> different unique chat id
		},
	}
	g, err := Build(context.Background(), src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.K[10] != g.K[11] {
		t.Fatalf("K[10]=%d K[11]=%d, want equal (same person-centric cluster)", g.K[10], g.K[11])
	}
	if g.K[10] == g.K[12] {
		t.Fatalf("K[10]=%d K[12]=%d, want different (different cluster)", g.K[10], g.K[12])
	}
	if g.UniqueChatCount() != 2 {
		t.Fatalf("UniqueChatCount = %d, want 2", g.UniqueChatCount())
	}
}

func TestBuildDenseIDsStartAtZero(t *testing.T) {
	src := fixtureSource{
		handles: []model.Handle{{ID: 1, Address: "a@example.com"}},
		chatrooms: []model.Chatroom{
			{ID: 100, Participants: []int64{1}},
		},
	}
	g, err := Build(context.Background(), src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.K[100] != 0 {
		t.Fatalf("K[100] = %d, want 0 (dense ids start at 0)", g.K[100])
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 111-1111": "+15551111111",
		"(555) 111-1111":    "5551111111",
		"+15551111111":      "+15551111111",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
