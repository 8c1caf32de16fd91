// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import "sync"

// ArchivingInstructions maps a polling interval in seconds to the pathpoint
// names to be read at that cadence.
type ArchivingInstructions map[int][]string

// ArchivesDatabase holds the device's archiving instructions between
// refreshes from the cloud.
type ArchivesDatabase interface {
	// GetInstructions returns the current instruction set.
	GetInstructions() ArchivingInstructions
	// SetInstructions replaces the instruction set.
	SetInstructions(in ArchivingInstructions)
}

// MemoryArchivesDatabase keeps archiving instructions in process memory.
type MemoryArchivesDatabase struct {
	mu           sync.Mutex
	instructions ArchivingInstructions
}

// NewMemoryArchivesDatabase builds an empty store.
func NewMemoryArchivesDatabase() *MemoryArchivesDatabase {
	return &MemoryArchivesDatabase{instructions: ArchivingInstructions{}}
}

// GetInstructions implements ArchivesDatabase.
func (m *MemoryArchivesDatabase) GetInstructions() ArchivingInstructions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(ArchivingInstructions, len(m.instructions))
	for interval, paths := range m.instructions {
		cp := make([]string, len(paths))
		copy(cp, paths)
		out[interval] = cp
	}
	return out
}

// SetInstructions implements ArchivesDatabase.
func (m *MemoryArchivesDatabase) SetInstructions(in ArchivingInstructions) {
	cp := make(ArchivingInstructions, len(in))
	for interval, paths := range in {
		pc := make([]string, len(paths))
		copy(pc, paths)
		cp[interval] = pc
	}
	m.mu.Lock()
	m.instructions = cp
	m.mu.Unlock()
}
