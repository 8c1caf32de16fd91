// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"fmt"
	"sync"
)

// MetadataEntry is one plain-metadata row with the wall time it was written.
type MetadataEntry struct {
	Key       string  `msgpack:"key"`
	Value     string  `msgpack:"value"`
	Timestamp float64 `msgpack:"timestamp"`
}

// MetadataDatabase stores the device's plain key-value metadata.
type MetadataDatabase interface {
	// Get returns the stored value for key.
	Get(key string) (string, error)
	// Put records a local write stamped at ts seconds.
	Put(key, value string, ts float64)
	// Update applies a server-side value, unless the local row is newer.
	Update(key, value string, ts float64)
	// Delete removes the key. No-op when absent.
	Delete(key string)
	// GetAll returns every row.
	GetAll() []MetadataEntry
}

// MemoryMetadataDatabase keeps plain metadata in process memory.
type MemoryMetadataDatabase struct {
	mu      sync.Mutex
	entries map[string]MetadataEntry
}

// NewMemoryMetadataDatabase builds an empty store.
func NewMemoryMetadataDatabase() *MemoryMetadataDatabase {
	return &MemoryMetadataDatabase{entries: map[string]MetadataEntry{}}
}

// Get implements MetadataDatabase.
func (m *MemoryMetadataDatabase) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", fmt.Errorf("no metadata under %q", key)
	}
	return e.Value, nil
}

// Put implements MetadataDatabase.
func (m *MemoryMetadataDatabase) Put(key, value string, ts float64) {
	m.mu.Lock()
	m.entries[key] = MetadataEntry{Key: key, Value: value, Timestamp: ts}
	m.mu.Unlock()
}

// Update implements MetadataDatabase: the freshest write wins.
func (m *MemoryMetadataDatabase) Update(key, value string, ts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.Timestamp > ts {
		return
	}
	m.entries[key] = MetadataEntry{Key: key, Value: value, Timestamp: ts}
}

// Delete implements MetadataDatabase.
func (m *MemoryMetadataDatabase) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// GetAll implements MetadataDatabase.
func (m *MemoryMetadataDatabase) GetAll() []MetadataEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetadataEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
