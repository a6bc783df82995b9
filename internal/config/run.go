// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDateRange is returned when --end-date does not come after
// --start-date (spec §6, CLI exit code 3).
var ErrInvalidDateRange = errors.New("end date must be after start date")

// RunFlags is the raw CLI surface (spec §6), before home-directory and
// persistent-default resolution. Zero values mean "flag not passed".
type RunFlags struct {
	Diagnostics bool
	Format      Format
	CopyMethod  CopyMethod
	DBPath      string
	Platform    Platform
	ExportPath  string
	StartDate   string // YYYY-MM-DD, empty = unbounded
	EndDate     string // YYYY-MM-DD, empty = unbounded
	NoLazy      bool
	CustomName  string
	IMessageHome string
}

// ExportConfig is the fully resolved, validated configuration the rest
// of the exporter runs against.
type ExportConfig struct {
	Diagnostics  bool
	Format       Format
	CopyMethod   CopyMethod
	DBPath       string
	Platform     Platform
	ExportPath   string
	Start, End   time.Time
	NoLazy       bool
	CustomName   string
	IMessageHome string
}

// Resolve merges CLI flags over persistent defaults, fills in the
// remaining built-in defaults, and validates the date range. defaults
// may be nil, meaning no persistent-defaults file was loaded.
func Resolve(flags RunFlags, defaults *PersistentDefaults) (*ExportConfig, error) {
	cfg := &ExportConfig{
		Diagnostics: flags.Diagnostics,
		Format:      flags.Format,
		CopyMethod:  flags.CopyMethod,
		DBPath:      flags.DBPath,
		Platform:    flags.Platform,
		ExportPath:  flags.ExportPath,
		NoLazy:      flags.NoLazy,
		CustomName:  flags.CustomName,
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}

	cfg.IMessageHome = flags.IMessageHome
	if cfg.IMessageHome == "" && defaults != nil {
		cfg.IMessageHome = defaults.IMessageHome
	}
	if cfg.IMessageHome == "" {
		home, err := DefaultIMessageHome()
		if err != nil {
			return nil, err
		}
		cfg.IMessageHome = home
	}

	if cfg.CopyMethod == "" && defaults != nil && defaults.CopyMethod != nil {
		cfg.CopyMethod = *defaults.CopyMethod
	}
	if cfg.CopyMethod == "" {
		cfg.CopyMethod = CopyEfficient
	}

	var err error
	cfg.Start, err = parseDateBound(flags.StartDate)
	if err != nil {
		return nil, err
	}
	cfg.End, err = parseDateBound(flags.EndDate)
	if err != nil {
		return nil, err
	}
	if !cfg.Start.IsZero() && !cfg.End.IsZero() && !cfg.End.After(cfg.Start) {
		return nil, ErrInvalidDateRange
	}

	return cfg, nil
}

// parseDateBound parses a YYYY-MM-DD flag value at UTC midnight. Both
// bounds use that instant, so "--end-date 2021-01-01" excludes that whole
// day per the half-open [start, end) window (spec §8 boundary behaviour).
func parseDateBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
