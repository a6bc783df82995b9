// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config resolves the exporter's run configuration: CLI flags
// are the primary surface (spec §6), overlaid on a small set of
// persistent defaults loaded from an optional on-disk YAML file. The
// YAML load/upgrade shape is grounded on the teacher's own
// pkg/connector/config.go: a yaml.v3-unmarshalable struct with a
// PostProcess step, upgraded against an embedded example via
// go.mau.fi/util/configupgrade so new keys get filled in rather than
// silently ignored.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Platform mirrors store.Platform without internal/config depending on
// internal/store; cmd/imessage-export translates between the two.
type Platform string

const (
	PlatformAuto  Platform = ""
	PlatformMacOS Platform = "macOS"
	PlatformIOS   Platform = "iOS"
)

// CopyMethod is C8's placement policy selector (spec §4.8).
type CopyMethod string

const (
	CopyDisabled   CopyMethod = "disabled"
	CopyEfficient  CopyMethod = "efficient"
	CopyCompatible CopyMethod = "compatible"
)

// Format selects which renderer C7 hands messages to.
type Format string

const (
	FormatText Format = "txt"
	FormatHTML Format = "html"
)

// PersistentDefaults is the subset of configuration worth saving across
// runs: the two values a user is likely to set once and reuse, rather
// than retype on every invocation.
type PersistentDefaults struct {
	IMessageHome string      `yaml:"imessage_home"`
	CopyMethod   *CopyMethod `yaml:"copy_method"`
}

type umPersistentDefaults PersistentDefaults

func (d *PersistentDefaults) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umPersistentDefaults)(d)); err != nil {
		return err
	}
	return d.PostProcess()
}

// PostProcess fills in the one default that can't live in the YAML
// zero value: an unset copy method defaults to "efficient", matching
// the shipped example-config.yaml.
func (d *PersistentDefaults) PostProcess() error {
	if d.CopyMethod == nil {
		d.CopyMethod = ptr.Ptr(CopyEfficient)
	}
	return nil
}

func upgradeDefaults(helper up.Helper) {
	helper.Copy(up.Str, "imessage_home")
	helper.Copy(up.Str, "copy_method")
}

// LoadPersistentDefaults reads path, upgrading it in place against
// ExampleConfig (adding any keys the file predates) the same way the
// teacher's bridge upgrades a user's config on every startup. A
// missing file is not an error: it's treated as all-defaults and,
// since there is nothing to upgrade in place, is left uncreated until
// the caller explicitly wants one persisted.
func LoadPersistentDefaults(path string) (*PersistentDefaults, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		var d PersistentDefaults
		if err := d.PostProcess(); err != nil {
			return nil, err
		}
		return &d, nil
	} else if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	upgraded, changed, err := up.Do(raw, ExampleConfig, up.SimpleUpgrader(upgradeDefaults))
	if err != nil {
		return nil, fmt.Errorf("upgrade config %s: %w", path, err)
	}
	if changed {
		if err := os.WriteFile(path, upgraded, 0o600); err != nil {
			return nil, fmt.Errorf("write upgraded config %s: %w", path, err)
		}
	}

	var d PersistentDefaults
	if err := yaml.Unmarshal(upgraded, &d); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &d, nil
}

// DefaultConfigPath returns the usual location for the persistent
// defaults file, alongside the export tool's other user state.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "imessage-export", "config.yaml"), nil
}

// DefaultIMessageHome returns "~/Library/Messages" expanded against the
// current user's home, the fallback attachment root when neither a
// flag nor a persistent default overrides it (spec §6).
func DefaultIMessageHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Messages"), nil
}
