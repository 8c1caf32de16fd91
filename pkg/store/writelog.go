// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/sensor"
)

// WriteSnapshot is one in-flight upload of queued sensor-write audit records.
// Exactly one may be outstanding per store.
type WriteSnapshot interface {
	// Events returns the snapshotted records, oldest first.
	Events() []sensor.WriteEvent
	// Ack drops the snapshotted records from the store.
	Ack()
	// Nack releases the snapshot without dropping anything.
	Nack()
}

// SensorWriteDatabase queues sensor-write audit records until the
// communicator ships them.
type SensorWriteDatabase interface {
	// Add appends a record to the queue.
	Add(ev sensor.WriteEvent)
	// SnapshotForSync returns the queued records, or nil when the queue is
	// empty or another snapshot is outstanding.
	SnapshotForSync() WriteSnapshot
	// Checkpoint is the persistence hook, called about once a minute.
	Checkpoint()
}

// MemorySensorWriteDatabase keeps the write log in process memory.
type MemorySensorWriteDatabase struct {
	mu          sync.Mutex
	queued      []sensor.WriteEvent
	snapshotOut bool
}

// NewMemorySensorWriteDatabase builds an empty store.
func NewMemorySensorWriteDatabase() *MemorySensorWriteDatabase {
	return &MemorySensorWriteDatabase{}
}

// Add implements SensorWriteDatabase.
func (m *MemorySensorWriteDatabase) Add(ev sensor.WriteEvent) {
	m.mu.Lock()
	m.queued = append(m.queued, ev)
	m.mu.Unlock()
}

// SnapshotForSync implements SensorWriteDatabase.
func (m *MemorySensorWriteDatabase) SnapshotForSync() WriteSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotOut || len(m.queued) == 0 {
		return nil
	}
	taken := make([]sensor.WriteEvent, len(m.queued))
	copy(taken, m.queued)
	m.snapshotOut = true
	return &memoryWriteSnapshot{db: m, taken: taken}
}

// Checkpoint implements SensorWriteDatabase as a no-op.
func (m *MemorySensorWriteDatabase) Checkpoint() {}

func (m *MemorySensorWriteDatabase) settleSnapshot(n int, ack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotOut = false
	if !ack {
		return
	}
	if n >= len(m.queued) {
		m.queued = nil
	} else {
		m.queued = m.queued[n:]
	}
}

type memoryWriteSnapshot struct {
	db    *MemorySensorWriteDatabase
	taken []sensor.WriteEvent
}

func (s *memoryWriteSnapshot) Events() []sensor.WriteEvent { return s.taken }
func (s *memoryWriteSnapshot) Ack()                        { s.db.settleSnapshot(len(s.taken), true) }
func (s *memoryWriteSnapshot) Nack()                       { s.db.settleSnapshot(len(s.taken), false) }
