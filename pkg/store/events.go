// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pylonhq/pylon-agent/pkg/predicate"
)

// DefaultEventRetention bounds how long closed events stay queryable.
const DefaultEventRetention = 30 * 24 * time.Hour

// EventSnapshot is one in-flight upload of alert events. The server assigns
// UUIDs positionally; Ack records them and evicts closed events from the
// pending queue. Open events stay queued and are re-sent until closed.
type EventSnapshot interface {
	Events() []*predicate.Event
	Ack(uuids ...string)
	Nack()
}

// EventDatabase stores alert events and the predicates' private state blobs.
type EventDatabase interface {
	// Add registers a freshly opened event and queues it for sync.
	Add(e *predicate.Event)
	// Close stamps e closed at ts seconds (zero means now) and queues it.
	Close(e *predicate.Event, ts int64)
	// GetOpen returns the events not yet closed.
	GetOpen() []*predicate.Event
	// GetAll returns every retained event.
	GetAll() []*predicate.Event
	// SnapshotForSync returns the pending events, or nil when nothing is
	// pending or another snapshot is outstanding.
	SnapshotForSync() EventSnapshot

	// SetCache persists a predicate's private state blob.
	SetCache(predicateID string, blob []byte)
	// GetCache loads a predicate's private state blob.
	GetCache(predicateID string) ([]byte, bool)
	// OnPredicateDeleted drops a deleted predicate's state.
	OnPredicateDeleted(predicateID string)

	// Checkpoint runs the retention sweep; durable backends also flush.
	Checkpoint()
}

// MemoryEventDatabase keeps events and predicate state in process memory.
type MemoryEventDatabase struct {
	mu          sync.Mutex
	events      []*predicate.Event
	pending     []*predicate.Event
	queued      map[*predicate.Event]struct{}
	caches      map[string][]byte
	snapshotOut bool
	retention   time.Duration
	clk         clock.Clock
	wake        *Wakeup
}

// NewMemoryEventDatabase builds an empty store. wake, when non-nil, is
// signalled whenever an event is queued. A nil clk defaults to the wall
// clock.
func NewMemoryEventDatabase(wake *Wakeup, clk clock.Clock) *MemoryEventDatabase {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryEventDatabase{
		queued:    map[*predicate.Event]struct{}{},
		caches:    map[string][]byte{},
		retention: DefaultEventRetention,
		clk:       clk,
		wake:      wake,
	}
}

// SetRetention overrides how long closed events are kept.
func (m *MemoryEventDatabase) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// Add implements EventDatabase.
func (m *MemoryEventDatabase) Add(e *predicate.Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.enqueueLocked(e)
	m.mu.Unlock()

	if m.wake != nil {
		m.wake.Signal()
	}
}

// Close implements EventDatabase.
func (m *MemoryEventDatabase) Close(e *predicate.Event, ts int64) {
	m.mu.Lock()
	if e.EndedOn == 0 {
		if ts == 0 {
			ts = m.clk.Now().Unix()
		}
		e.EndedOn = ts
	}
	m.enqueueLocked(e)
	m.mu.Unlock()

	if m.wake != nil {
		m.wake.Signal()
	}
}

func (m *MemoryEventDatabase) enqueueLocked(e *predicate.Event) {
	if _, ok := m.queued[e]; ok {
		return
	}
	m.queued[e] = struct{}{}
	m.pending = append(m.pending, e)
}

// GetOpen implements EventDatabase.
func (m *MemoryEventDatabase) GetOpen() []*predicate.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*predicate.Event
	for _, e := range m.events {
		if !e.Closed() {
			out = append(out, e)
		}
	}
	return out
}

// GetAll implements EventDatabase.
func (m *MemoryEventDatabase) GetAll() []*predicate.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*predicate.Event, len(m.events))
	copy(out, m.events)
	return out
}

// SnapshotForSync implements EventDatabase.
func (m *MemoryEventDatabase) SnapshotForSync() EventSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotOut || len(m.pending) == 0 {
		return nil
	}
	taken := make([]*predicate.Event, len(m.pending))
	copy(taken, m.pending)
	m.snapshotOut = true
	return &memoryEventSnapshot{db: m, taken: taken}
}

func (m *MemoryEventDatabase) settleSnapshot(taken []*predicate.Event, uuids []string, ack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotOut = false
	if !ack {
		return
	}
	for i, e := range taken {
		if i < len(uuids) && e.UUID == "" {
			e.UUID = uuids[i]
		}
	}
	inTaken := make(map[*predicate.Event]struct{}, len(taken))
	for _, e := range taken {
		inTaken[e] = struct{}{}
	}
	kept := m.pending[:0]
	for _, e := range m.pending {
		if _, ok := inTaken[e]; ok && e.Closed() {
			delete(m.queued, e)
			continue
		}
		kept = append(kept, e)
	}
	m.pending = kept
}

// SetCache implements EventDatabase.
func (m *MemoryEventDatabase) SetCache(predicateID string, blob []byte) {
	m.mu.Lock()
	m.caches[predicateID] = blob
	m.mu.Unlock()
}

// GetCache implements EventDatabase.
func (m *MemoryEventDatabase) GetCache(predicateID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.caches[predicateID]
	return blob, ok
}

// OnPredicateDeleted implements EventDatabase.
func (m *MemoryEventDatabase) OnPredicateDeleted(predicateID string) {
	m.mu.Lock()
	delete(m.caches, predicateID)
	m.mu.Unlock()
}

// Checkpoint implements EventDatabase: closed events older than the
// retention window are dropped.
func (m *MemoryEventDatabase) Checkpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clk.Now().Add(-m.retention).Unix()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Closed() && e.StartedOn < cutoff {
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
}

type memoryEventSnapshot struct {
	db    *MemoryEventDatabase
	taken []*predicate.Event
}

func (s *memoryEventSnapshot) Events() []*predicate.Event { return s.taken }
func (s *memoryEventSnapshot) Ack(uuids ...string)        { s.db.settleSnapshot(s.taken, uuids, true) }
func (s *memoryEventSnapshot) Nack()                      { s.db.settleSnapshot(s.taken, nil, false) }
