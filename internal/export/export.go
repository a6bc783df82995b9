// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package export orchestrates C6 (iteration) -> C5 (assembly) ->
// C7/C8 (rendering and attachment placement) into one run over a
// chat.db archive, grouping messages by unique-chat-id and owning the
// summary counters spec §7 requires. Grounded on the worker-pool shape
// of the teacher's backfill queue (cloud_backfill_store.go processes
// one portal's history on its own goroutine while other portals
// proceed independently) generalized here from "one Matrix portal" to
// "one unique-chat-id".
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/imessage-export/internal/assembler"
	"github.com/lrhodin/imessage-export/internal/attachment"
	"github.com/lrhodin/imessage-export/internal/config"
	"github.com/lrhodin/imessage-export/internal/entitygraph"
	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/render"
	"github.com/lrhodin/imessage-export/internal/render/html"
	"github.com/lrhodin/imessage-export/internal/render/text"
	"github.com/lrhodin/imessage-export/internal/store"
)

// maxWorkers bounds the per-conversation worker pool spec §5 allows
// ("MAY process distinct unique-chat-ids on separate workers"). Chosen
// generously for an I/O-bound pipeline without being unbounded.
const maxWorkers = 8

// Summary is the final, user-visible accounting spec §7 requires.
type Summary struct {
	Conversations         int
	Messages              int
	MessagesWithUnreadable int
	MissingAttachments    int
	FatalConversationErrors int
}

// Run executes one export: builds the entity graph, groups every
// message by unique-chat-id, and drives one Renderer per conversation.
// A row-level or output I/O fault aborts only the conversation it
// occurred in (spec §7); other conversations still complete.
func Run(ctx context.Context, db *store.DB, cfg *config.ExportConfig, log zerolog.Logger) (*Summary, error) {
	graph, err := entitygraph.Build(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("export: build entity graph: %w", err)
	}

	chatrooms, err := db.AllChatrooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: load chatrooms: %w", err)
	}
	groups := groupByUniqueChatID(chatrooms, graph, cfg.CustomName)

	if err := os.MkdirAll(cfg.ExportPath, 0o755); err != nil {
		return nil, &model.OutputIOError{Path: cfg.ExportPath, Err: err}
	}
	attachDir := filepath.Join(cfg.ExportPath, "attachments")
	policy := attachment.NewPolicy(cfg.CopyMethod, cfg.IMessageHome, attachDir, nil)
	names := render.NewNameRegistry()

	buckets, err := bucketMessages(ctx, db, graph, cfg)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		summary Summary
		sem     = make(chan struct{}, maxWorkers)
		wg      sync.WaitGroup
	)

	asm := assembler.New(db, graph)

	for uniqueID, rows := range buckets {
		display := groups[uniqueID]
		if display == "" {
			display = fmt.Sprintf("chat-%d", uniqueID)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(uniqueID int, display string, rows []*model.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			clog := log.With().Int("unique_chat_id", uniqueID).Logger()
			stats, err := exportConversation(ctx, uniqueID, display, rows, asm, graph, policy, names, cfg, clog)

			mu.Lock()
			defer mu.Unlock()
			summary.Conversations++
			summary.Messages += stats.messages
			summary.MessagesWithUnreadable += stats.unreadable
			summary.MissingAttachments += stats.missingAttachments
			if err != nil {
				summary.FatalConversationErrors++
				clog.Error().Err(err).Msg("conversation export aborted")
			}
		}(uniqueID, display, rows)
	}

	wg.Wait()
	return &summary, nil
}

type conversationStats struct {
	messages           int
	unreadable         int
	missingAttachments int
}

// exportConversation assembles and renders every message in one
// conversation, in strict (date, rowid) order (the slice is already
// sorted by bucketMessages). ClassTapback rows are skipped: their
// content was already folded into their target's Reactions map during
// the target's own Assemble call.
func exportConversation(
	ctx context.Context,
	uniqueID int,
	display string,
	rows []*model.Message,
	asm *assembler.Assembler,
	graph *entitygraph.Graph,
	policy *attachment.Policy,
	names *render.NameRegistry,
	cfg *config.ExportConfig,
	log zerolog.Logger,
) (conversationStats, error) {
	var stats conversationStats

	authorOf := render.AuthorResolver(func(handleID *int64) string {
		if handleID == nil {
			return "Me"
		}
		return graph.DisplayName(*handleID)
	})

	var r render.Renderer
	switch cfg.Format {
	case config.FormatHTML:
		r = html.New(cfg.ExportPath, names, authorOf, render.LocalTimeFormatter{}, !cfg.NoLazy)
	default:
		r = text.New(cfg.ExportPath, names, authorOf, render.LocalTimeFormatter{})
	}

	if err := r.BeginConversation(uniqueID, display); err != nil {
		return stats, err
	}

	for _, m := range rows {
		am, err := asm.Assemble(ctx, m)
		if err != nil {
			return stats, fmt.Errorf("assemble message %d: %w", m.RowID, err)
		}
		stats.messages++
		if len(am.Unreadable) > 0 {
			stats.unreadable++
		}

		for i := range am.Parts {
			if att := am.Parts[i].Attachment; att != nil {
				if err := policy.Resolve(ctx, att); err != nil {
					return stats, fmt.Errorf("resolve attachment for message %d: %w", m.RowID, err)
				}
				if att.Missing {
					stats.missingAttachments++
					log.Warn().Str("guid", att.GUID).Str("path", att.Filename).Msg("attachment missing")
				}
			}
		}

		if am.Class == model.ClassTapback {
			continue
		}
		if err := r.WriteMessage(am); err != nil {
			return stats, fmt.Errorf("write message %d: %w", m.RowID, err)
		}
	}

	if err := r.EndConversation(); err != nil {
		return stats, err
	}
	return stats, nil
}

// bucketMessages streams the whole date-filtered iterator once and
// groups rows by unique-chat-id, preserving the iterator's (date,
// rowid) ascending order within each bucket (spec §5's per-conversation
// ordering guarantee).
func bucketMessages(ctx context.Context, db *store.DB, graph *entitygraph.Graph, cfg *config.ExportConfig) (map[int][]*model.Message, error) {
	it, err := db.Iterate(ctx, store.Bounds{Start: cfg.Start, End: cfg.End})
	if err != nil {
		return nil, fmt.Errorf("export: open iterator: %w", err)
	}
	defer it.Close()

	buckets := map[int][]*model.Message{}
	for {
		m, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("export: iterate messages: %w", err)
		}
		if m == nil {
			break
		}
		uid := graph.ResolveChatID(m.ChatID)
		buckets[uid] = append(buckets[uid], m)
	}
	return buckets, nil
}

// groupByUniqueChatID picks one representative display name per
// unique-chat-id: the configured custom name if set (applies to every
// conversation in a single-conversation export, matching
// --custom-name's intent), else the chatroom's own display name if
// set, else the deduplicated, first-appearance-ordered join of its
// participants' canonical display strings (spec §6, §8 scenario 1).
// When multiple chatrooms share a unique-chat-id, the lowest chat id is
// the representative, for a deterministic choice independent of
// iteration order.
func groupByUniqueChatID(chatrooms []model.Chatroom, graph *entitygraph.Graph, customName string) map[int]string {
	sort.Slice(chatrooms, func(i, j int) bool { return chatrooms[i].ID < chatrooms[j].ID })

	display := map[int]string{}
	for _, c := range chatrooms {
		uid := graph.ResolveChatID(c.ID)
		if _, claimed := display[uid]; claimed {
			continue
		}
		if customName != "" {
			display[uid] = customName
			continue
		}
		if c.DisplayName != "" {
			display[uid] = c.DisplayName
			continue
		}
		display[uid] = joinParticipants(c, graph)
	}
	return display
}

func joinParticipants(c model.Chatroom, graph *entitygraph.Graph) string {
	seen := map[string]bool{}
	var names []string
	for _, handleID := range c.Participants {
		name := graph.DisplayName(handleID)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return c.GUID
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}
