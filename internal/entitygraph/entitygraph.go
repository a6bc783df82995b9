// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package entitygraph builds the three read-only lookup tables that
// unify duplicate contacts and conversations across a chat.db archive:
// a handle's display string, a dense unique-chat-id per distinct
// participant set, and the chat-id to unique-chat-id mapping.
//
// Grounded on the contact-cluster merging logic in the teacher's
// contact_merge.go: that file dedups DM portals by normalized phone
// number so one Matrix room backs several chat.db identifiers for the
// same person; this package generalizes the same clustering idea to a
// two-pass build over the whole handle/chat universe instead of a
// per-lookup resolver.
package entitygraph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lrhodin/imessage-export/internal/model"
)

// Source is the minimal read-only view of the store this package needs.
// Kept as an interface (rather than importing internal/store directly)
// so entitygraph has no dependency on the SQLite layer and can be
// exercised in tests with a fixture slice of handles/chatrooms.
type Source interface {
	AllHandles(ctx context.Context) ([]model.Handle, error)
	AllChatrooms(ctx context.Context) ([]model.Chatroom, error)
}

// Graph holds the three maps described by the entity-graph contract.
type Graph struct {
	// H maps a handle id to its canonical display string: every address
	// in the handle's person-centric cluster, joined by ", ", in first-
	// appearance order.
	H map[int64]string

	// K maps a chat-id to its dense unique-chat-id.
	K map[int64]int

	// participantKeyToUniqueID is P from the contract: a sorted-bucket-id
	// set, rendered as a stable string key, to its dense unique-chat-id.
	// Exposed via UniqueChatCount rather than directly, since callers
	// only ever need the chat-id projection (K) or the cluster count.
	participantKeyToUniqueID map[string]int
}

// UniqueChatCount returns the number of distinct unique-chat-ids P
// allocated, i.e. the dense id space's size.
func (g *Graph) UniqueChatCount() int { return len(g.participantKeyToUniqueID) }

// ResolveChatID projects a raw chat-id through K. A chat id the graph
// never saw (defensive case only) resolves to -1.
func (g *Graph) ResolveChatID(chatID int64) int {
	if u, ok := g.K[chatID]; ok {
		return u
	}
	return -1
}

// DisplayName resolves a handle id to its clustered display string,
// falling back to a synthetic placeholder for ids the graph never saw
// (a defensive case, not an expected one: every handle id referenced by
// a message row should have come from the same handle table scan).
func (g *Graph) DisplayName(handleID int64) string {
	if s, ok := g.H[handleID]; ok {
		return s
	}
	return fmt.Sprintf("unknown-handle-%d", handleID)
}

type bucket struct {
	id        int
	addresses []string // first-appearance order
}

// Build runs the two-pass algorithm: cluster handles by person_centric_id
// (or singleton-by-address when absent), then cluster chatrooms by the
// sorted set of bucket ids their participants map to.
func Build(ctx context.Context, src Source) (*Graph, error) {
	handles, err := src.AllHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitygraph: load handles: %w", err)
	}
	chatrooms, err := src.AllChatrooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitygraph: load chatrooms: %w", err)
	}

	// Pass 1: bucket handles by person_centric_id; handles with no
	// person_centric_id each form their own singleton bucket keyed by
	// their own address, mirroring contact_merge.go's fallback when a
	// contact has no clusterable identity.
	bucketsByKey := map[string]*bucket{}
	handleToBucket := map[int64]*bucket{}
	nextBucketID := 0

	for _, h := range handles {
		key := singletonKey(h)
		if h.PersonCentricID != nil && *h.PersonCentricID != "" {
			key = "pcid:" + *h.PersonCentricID
		}
		b, ok := bucketsByKey[key]
		if !ok {
			b = &bucket{id: nextBucketID}
			nextBucketID++
			bucketsByKey[key] = b
		}
		b.addresses = append(b.addresses, h.Address)
		handleToBucket[h.ID] = b
	}

	displayByHandle := make(map[int64]string, len(handles))
	for _, h := range handles {
		b := handleToBucket[h.ID]
		displayByHandle[h.ID] = strings.Join(dedupePreserveOrder(b.addresses), ", ")
	}

	// Pass 2: cluster chatrooms by the sorted set of participant bucket
	// ids. Two chatrooms land on the same unique-chat-id exactly when
	// their participants resolve to the same bucket-id set, satisfying
	// the contract's invariant directly.
	participantKeyToUniqueID := map[string]int{}
	chatToUnique := make(map[int64]int, len(chatrooms))
	nextUniqueID := 0

	for _, c := range chatrooms {
		bucketIDs := make([]int, 0, len(c.Participants))
		seen := map[int]bool{}
		for _, handleID := range c.Participants {
			b, ok := handleToBucket[handleID]
			if !ok {
				continue // participant references a handle outside this scan; skip, don't fail the whole build
			}
			if !seen[b.id] {
				seen[b.id] = true
				bucketIDs = append(bucketIDs, b.id)
			}
		}
		sort.Ints(bucketIDs)
		key := participantKey(bucketIDs)

		uniqueID, ok := participantKeyToUniqueID[key]
		if !ok {
			uniqueID = nextUniqueID
			nextUniqueID++
			participantKeyToUniqueID[key] = uniqueID
		}
		chatToUnique[c.ID] = uniqueID
	}

	return &Graph{
		H:                        displayByHandle,
		K:                        chatToUnique,
		participantKeyToUniqueID: participantKeyToUniqueID,
	}, nil
}

// singletonKey buckets a handle with no person_centric_id by its own
// address. Phone-shaped addresses are normalized first (stripping
// formatting punctuation) so "+1 (555) 111-1111" and "+15551111111"
// cluster together even without a shared person-centric id, the same
// equivalence the teacher's util.go established for matching bridge
// portals to phone-number-only contacts.
func singletonKey(h model.Handle) string {
	if !strings.Contains(h.Address, "@") {
		return "addr:" + NormalizePhone(h.Address)
	}
	return "addr:" + h.Address
}

func participantKey(bucketIDs []int) string {
	parts := make([]string, len(bucketIDs))
	for i, id := range bucketIDs {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
