// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/predicate"
)

// PredicateDatabase caches the authoritative predicate rows so instances can
// be restored as placeholders before the first predicate sync completes.
type PredicateDatabase interface {
	// GetAll returns the cached definitions.
	GetAll() []predicate.Definition
	// SetNew replaces the cache after a successful predicate sync.
	SetNew(defs []predicate.Definition)
}

// MemoryPredicateDatabase keeps predicate rows in process memory.
type MemoryPredicateDatabase struct {
	mu   sync.Mutex
	defs []predicate.Definition
}

// NewMemoryPredicateDatabase builds an empty cache.
func NewMemoryPredicateDatabase() *MemoryPredicateDatabase {
	return &MemoryPredicateDatabase{}
}

// GetAll implements PredicateDatabase.
func (m *MemoryPredicateDatabase) GetAll() []predicate.Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]predicate.Definition, len(m.defs))
	copy(out, m.defs)
	return out
}

// SetNew implements PredicateDatabase.
func (m *MemoryPredicateDatabase) SetNew(defs []predicate.Definition) {
	cp := make([]predicate.Definition, len(defs))
	copy(cp, defs)
	m.mu.Lock()
	m.defs = cp
	m.mu.Unlock()
}
