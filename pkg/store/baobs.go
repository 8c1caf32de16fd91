// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// VersionMissing is the version reported for a BAOB that does not exist.
const VersionMissing = -1

// BAOBDigest is a blob's identity for the reconcile exchange.
type BAOBDigest struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

// BAOBDatabase stores keyed binary objects with a monotonic version. Local
// writes bump the version by one; the communicator reconciles versions with
// the server.
type BAOBDatabase interface {
	// Get returns the blob's bytes.
	Get(key string) ([]byte, error)
	// GetVersion returns the blob's version, VersionMissing when absent.
	GetVersion(key string) int
	// Keys returns every stored key, sorted.
	Keys() []string
	// Digests returns (key, version) for every stored blob, sorted by key.
	Digests() []BAOBDigest
	// Set stores data under key at the given version.
	Set(key string, data []byte, version int)
	// Delete removes the blob. No-op when absent.
	Delete(key string)
	// CheckConsistency prunes blobs whose version record is damaged. Called
	// once at agent construction.
	CheckConsistency()
}

// MemoryBAOBDatabase keeps blobs in process memory.
type MemoryBAOBDatabase struct {
	mu       sync.Mutex
	values   map[string][]byte
	versions map[string]int
}

// NewMemoryBAOBDatabase builds an empty store.
func NewMemoryBAOBDatabase() *MemoryBAOBDatabase {
	return &MemoryBAOBDatabase{
		values:   map[string][]byte{},
		versions: map[string]int{},
	}
}

// Get implements BAOBDatabase.
func (m *MemoryBAOBDatabase) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("no BAOB %q", key)
	}
	return data, nil
}

// GetVersion implements BAOBDatabase.
func (m *MemoryBAOBDatabase) GetVersion(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[key]
	if !ok {
		return VersionMissing
	}
	return v
}

// Keys implements BAOBDatabase.
func (m *MemoryBAOBDatabase) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.values))
	for key := range m.values {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Digests implements BAOBDatabase.
func (m *MemoryBAOBDatabase) Digests() []BAOBDigest {
	keys := m.Keys()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BAOBDigest, 0, len(keys))
	for _, key := range keys {
		out = append(out, BAOBDigest{Key: key, Version: m.versions[key]})
	}
	return out
}

// Set implements BAOBDatabase.
func (m *MemoryBAOBDatabase) Set(key string, data []byte, version int) {
	m.mu.Lock()
	m.values[key] = data
	m.versions[key] = version
	m.mu.Unlock()
}

// Delete implements BAOBDatabase.
func (m *MemoryBAOBDatabase) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	delete(m.versions, key)
	m.mu.Unlock()
}

// CheckConsistency implements BAOBDatabase: a blob without a version row is
// unusable and gets dropped.
func (m *MemoryBAOBDatabase) CheckConsistency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.values {
		if _, ok := m.versions[key]; !ok {
			log.Errorf("BAOB %s has no version on record, deleting", key)
			delete(m.values, key)
		}
	}
}
