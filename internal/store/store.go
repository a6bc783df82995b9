// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store opens the chat.db archive read-only and exposes the
// forward iterator and point-lookup operations C5 drives the assembly
// pipeline with. Grounded on two pack examples of read-only chat.db
// access (bagoup's chatdb.go and jonathanwilner-imsg-rpc's db.go): the
// read-only DSN shape, Apple-epoch arithmetic, schema-tolerance via
// PRAGMA table_info, and tilde-path resolution all come from there.
// Unlike the teacher's own bridge database (go.mau.fi/util/dbutil, a
// migration-oriented wrapper meant for a bridge's own writable state
// tables), this package never migrates or writes, so it talks to
// database/sql directly through github.com/mattn/go-sqlite3 — the
// teacher's chosen driver, just pointed at a foreign read-only schema.
package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Platform is the archive's source OS, auto-detected from the presence
// of a backup manifest at the given path's root (spec §6).
type Platform int

const (
	PlatformAuto Platform = iota
	PlatformMacOS
	PlatformIOS
)

// Config describes where to find the archive and how to reach it.
type Config struct {
	// Path is either a chat.db file (macOS) or an iOS backup directory.
	Path     string
	Platform Platform
}

// DB is a read-only handle onto a resolved chat.db, plus an LRU cache
// for GUID lookups.
type DB struct {
	sql *sql.DB

	guidCache *guidLRU
}

// Open resolves the archive per Config.Platform (auto-detecting when
// PlatformAuto), opens it read-only, and verifies connectivity.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*DB, error) {
	platform := cfg.Platform
	if platform == PlatformAuto {
		platform = detectPlatform(cfg.Path)
	}

	dbPath := cfg.Path
	if platform == PlatformIOS {
		resolved, err := resolveIOSBackupChatDB(cfg.Path)
		if err != nil {
			return nil, &openError{Path: cfg.Path, Err: err}
		}
		dbPath = resolved
	}

	log.Debug().Str("platform", platformName(platform)).Str("resolved_path", dbPath).Msg("opening chat.db")

	// mode=ro refuses to create a missing file and forbids writes at the
	// SQLite layer, a second line of defense on top of never issuing a
	// write statement. Do not add immutable=1: it snapshots the page
	// cache at open time, which would hide rows written after the
	// export starts on a live macOS Messages database.
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", filepath.Clean(dbPath))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &openError{Path: dbPath, Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, &openError{Path: dbPath, Err: err}
	}

	cache, err := newGUIDLRU(1024)
	if err != nil {
		_ = sqlDB.Close()
		return nil, &openError{Path: dbPath, Err: err}
	}

	return &DB{sql: sqlDB, guidCache: cache}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

type openError struct {
	Path string
	Err  error
}

func (e *openError) Error() string { return fmt.Sprintf("open store %s: %v", e.Path, e.Err) }
func (e *openError) Unwrap() error { return e.Err }

func platformName(p Platform) string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformIOS:
		return "iOS"
	default:
		return "unknown"
	}
}

// detectPlatform looks for an iOS backup manifest ("Manifest.db", the
// SQLite-backed format used since iOS 10) at the given path's root; its
// absence means the path is treated as a direct macOS chat.db file.
func detectPlatform(path string) Platform {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return PlatformMacOS
	}
	if _, err := os.Stat(filepath.Join(path, "Manifest.db")); err == nil {
		return PlatformIOS
	}
	return PlatformMacOS
}

// resolveIOSBackupChatDB locates chat.db inside an unencrypted iOS
// backup by querying the backup's own Manifest.db for the HomeDomain
// file whose relative path is Library/SMS/sms.db, then mapping that
// row's fileID to its on-disk SHA-1-sharded location.
func resolveIOSBackupChatDB(backupRoot string) (string, error) {
	manifestPath := filepath.Join(backupRoot, "Manifest.db")
	dsn := fmt.Sprintf("file:%s?mode=ro", filepath.Clean(manifestPath))
	manifestDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return "", fmt.Errorf("open backup manifest: %w", err)
	}
	defer manifestDB.Close()

	const q = `SELECT fileID FROM Files WHERE domain = 'HomeDomain' AND relativePath = 'Library/SMS/sms.db'`
	var fileID string
	if err := manifestDB.QueryRow(q).Scan(&fileID); err != nil {
		return "", fmt.Errorf("locate sms.db in backup manifest: %w", err)
	}

	// Backups store content-addressed files at <fileID[:2]>/<fileID>.
	// Older (pre-iOS 10) flat-layout backups used a plain SHA-1 of
	// "domain-relativePath" instead of a manifest row; fall back to that
	// scheme if the manifest-addressed path doesn't exist.
	shardPath := filepath.Join(backupRoot, fileID[:2], fileID)
	if _, err := os.Stat(shardPath); err == nil {
		return shardPath, nil
	}

	legacyHash := fmt.Sprintf("%x", sha1.Sum([]byte("HomeDomain-Library/SMS/sms.db")))
	legacyPath := filepath.Join(backupRoot, legacyHash)
	if _, err := os.Stat(legacyPath); err == nil {
		return legacyPath, nil
	}

	return "", fmt.Errorf("sms.db content file not found under backup root (tried %s and legacy layout)", shardPath)
}

// columnExists reports whether a column is present on a table, the
// schema-tolerance mechanism spec §6 requires for optional columns that
// differ across macOS releases (e.g. attributedBody vs. legacy text).
func columnExists(ctx context.Context, db *sql.DB, table, column string) bool {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notnull, pk int
			name             string
			ctype            sql.NullString
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}
