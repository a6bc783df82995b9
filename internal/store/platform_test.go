// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectPlatformMacOSFile(t *testing.T) {
	dir := t.TempDir()
	chatDB := filepath.Join(dir, "chat.db")
	if err := os.WriteFile(chatDB, []byte("not a real sqlite file"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got := detectPlatform(chatDB); got != PlatformMacOS {
		t.Fatalf("detectPlatform(file) = %v, want PlatformMacOS", got)
	}
}

func TestDetectPlatformIOSBackupDirectory(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "Manifest.db")
	if err := os.WriteFile(manifest, []byte("sqlite stub"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got := detectPlatform(dir); got != PlatformIOS {
		t.Fatalf("detectPlatform(backup dir) = %v, want PlatformIOS", got)
	}
}

func TestDetectPlatformPlainDirectoryIsMacOS(t *testing.T) {
	dir := t.TempDir()
	if got := detectPlatform(dir); got != PlatformMacOS {
		t.Fatalf("detectPlatform(plain dir) = %v, want PlatformMacOS", got)
	}
}
