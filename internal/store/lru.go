// imessage-export - a read-only iMessage archive reader and exporter.
// Copyright (C) 2024 The imessage-export Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lrhodin/imessage-export/internal/model"
)

// guidLRU backs ByGUID's point lookups with a bounded cache keyed on
// message GUID, per spec §4.6 ("expected to hit a small in-memory LRU
// keyed by globally-unique id; capacity implementation-chosen, >=1024").
type guidLRU struct {
	cache *lru.Cache[string, *model.Message]
}

func newGUIDLRU(capacity int) (*guidLRU, error) {
	c, err := lru.New[string, *model.Message](capacity)
	if err != nil {
		return nil, err
	}
	return &guidLRU{cache: c}, nil
}

func (g *guidLRU) get(guid string) (*model.Message, bool) { return g.cache.Get(guid) }
func (g *guidLRU) put(guid string, m *model.Message)       { g.cache.Add(guid, m) }
