// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/imessage-export/internal/config"
	"github.com/lrhodin/imessage-export/internal/export"
	"github.com/lrhodin/imessage-export/internal/model"
	"github.com/lrhodin/imessage-export/internal/store"
)

// Exit codes per the CLI surface contract: 0 success, 1 usage error,
// 2 database-open error, 3 invalid date range, 4 output directory
// non-empty.
const (
	exitOK              = 0
	exitUsage           = 1
	exitStoreOpenError  = 2
	exitInvalidDateRange = 3
	exitOutputExists    = 4
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "imessage-export",
		Usage:   "Export an iMessage chat.db archive to text or HTML",
		Version: fmt.Sprintf("%s (%s, %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "diagnostics", Usage: "emit structured JSON logs instead of a console logger"},
			&cli.StringFlag{Name: "format", Value: "txt", Usage: "output format: txt or html"},
			&cli.StringFlag{Name: "copy-method", Value: "", Usage: "attachment copy mode: compatible, efficient, or disabled"},
			&cli.StringFlag{Name: "db-path", Required: true, Usage: "path to chat.db or an iOS backup directory"},
			&cli.StringFlag{Name: "platform", Value: "", Usage: "macOS or iOS; auto-detected when unset"},
			&cli.StringFlag{Name: "export-path", Required: true, Usage: "output directory; must not already exist with content"},
			&cli.StringFlag{Name: "start-date", Value: "", Usage: "YYYY-MM-DD, inclusive"},
			&cli.StringFlag{Name: "end-date", Value: "", Usage: "YYYY-MM-DD, exclusive"},
			&cli.BoolFlag{Name: "no-lazy", Usage: "disable loading=\"lazy\" on HTML embeds"},
			&cli.StringFlag{Name: "custom-name", Value: "", Usage: "override the output file name for a single-conversation export"},
			&cli.StringFlag{Name: "imessage-home", Value: "", Usage: "override the root attachment paths are resolved against"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

func run(c *cli.Context) error {
	log := newLogger(c.Bool("diagnostics"))

	flags := config.RunFlags{
		Diagnostics:  c.Bool("diagnostics"),
		Format:       config.Format(c.String("format")),
		CopyMethod:   config.CopyMethod(c.String("copy-method")),
		DBPath:       c.String("db-path"),
		Platform:     config.Platform(c.String("platform")),
		ExportPath:   c.String("export-path"),
		StartDate:    c.String("start-date"),
		EndDate:      c.String("end-date"),
		NoLazy:       c.Bool("no-lazy"),
		CustomName:   c.String("custom-name"),
		IMessageHome: c.String("imessage-home"),
	}

	defaultsPath, err := config.DefaultConfigPath()
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defaults, err := config.LoadPersistentDefaults(defaultsPath)
	if err != nil {
		log.Warn().Err(err).Msg("could not load persistent defaults, continuing with flags and built-in defaults")
		defaults = nil
	}

	cfg, err := config.Resolve(flags, defaults)
	if err != nil {
		if err == config.ErrInvalidDateRange {
			return cli.Exit(err.Error(), exitInvalidDateRange)
		}
		return cli.Exit(err.Error(), exitUsage)
	}

	if dirHasEntries(cfg.ExportPath) {
		return cli.Exit(model.ErrOutputExists.Error(), exitOutputExists)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: cfg.DBPath, Platform: toStorePlatform(cfg.Platform)}, log)
	if err != nil {
		return cli.Exit(err.Error(), exitStoreOpenError)
	}
	defer db.Close()

	summary, err := export.Run(ctx, db, cfg, log)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	log.Info().
		Int("conversations", summary.Conversations).
		Int("messages", summary.Messages).
		Int("messages_with_unreadable_fields", summary.MessagesWithUnreadable).
		Int("missing_attachments", summary.MissingAttachments).
		Int("fatal_conversation_errors", summary.FatalConversationErrors).
		Msg("export complete")

	return nil
}

func newLogger(diagnostics bool) zerolog.Logger {
	if diagnostics {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func toStorePlatform(p config.Platform) store.Platform {
	switch p {
	case config.PlatformMacOS:
		return store.PlatformMacOS
	case config.PlatformIOS:
		return store.PlatformIOS
	default:
		return store.PlatformAuto
	}
}

// dirHasEntries reports whether path exists and contains at least one
// entry. A missing directory is not a conflict: export.Run creates it.
func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
