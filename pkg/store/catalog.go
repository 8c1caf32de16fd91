// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sort"
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// CatalogEntry is one pathpoint's shape as the cloud sees it.
type CatalogEntry struct {
	Path    string
	Storage pathpoint.StorageLevel
}

// AsWire renders the entry for the catalog PUT.
func (e CatalogEntry) AsWire() map[string]interface{} {
	return map[string]interface{}{
		"path":          e.Path,
		"storage_level": int(e.Storage),
	}
}

// Catalog tracks which pathpoints this device declared, with a dirty flag
// driving the communicator's shape upload. Registering a new pathpoint or
// changing a storage level marks the catalog dirty.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]pathpoint.StorageLevel
	dirty   bool
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: map[string]pathpoint.StorageLevel{}}
}

// Note records a pathpoint's shape, marking the catalog dirty on change.
func (c *Catalog) Note(path string, storage pathpoint.StorageLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[path]; ok && old == storage {
		return
	}
	c.entries[path] = storage
	c.dirty = true
}

// Dirty reports whether an upload is owed.
func (c *Catalog) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// TakeDirty clears the dirty flag and returns the entries to upload, sorted
// by path. Callers restore with MarkDirty when the upload fails.
func (c *Catalog) TakeDirty() []CatalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
	out := make([]CatalogEntry, 0, len(c.entries))
	for path, storage := range c.entries {
		out = append(out, CatalogEntry{Path: path, Storage: storage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// MarkDirty re-arms the upload after a failed attempt.
func (c *Catalog) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Apply records the authoritative shape the cloud returned without arming
// another upload.
func (c *Catalog) Apply(path string, storage pathpoint.StorageLevel) {
	c.mu.Lock()
	c.entries[path] = storage
	c.mu.Unlock()
}
