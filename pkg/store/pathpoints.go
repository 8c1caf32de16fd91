// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// SampleSnapshot is one in-flight upload of pending samples. Exactly one may
// be outstanding; the holder settles it with Ack (samples delivered) or Nack
// (try again later).
type SampleSnapshot interface {
	// Batches returns the snapshot in per-pathpoint wire batches.
	Batches() []pathpoint.WireBatch
	// Ack drops every snapshotted sample from the store.
	Ack()
	// Nack releases the snapshot without dropping anything.
	Nack()
}

// PathpointDatabase accumulates samples per pathpoint until the communicator
// ships them.
type PathpointDatabase interface {
	// OnNewData appends a sample. Samples not newer than the pathpoint's
	// latest are ignored.
	OnNewData(path string, tv pathpoint.TimestampedValue)
	// GetCurrent returns the latest sample: NotRead when the pathpoint has
	// none, the stored fault when the latest sample is one.
	GetCurrent(path string) (pathpoint.TimestampedValue, error)
	// GetArchive returns the retained samples with start <= ts <= stop,
	// ordered by timestamp. A zero stop means no upper bound.
	GetArchive(path string, start, stop int64) []pathpoint.TimestampedValue
	// SnapshotForSync returns the pending samples, or nil when nothing is
	// pending or another snapshot is outstanding.
	SnapshotForSync() SampleSnapshot
	// Checkpoint is the persistence hook, called about once a minute.
	Checkpoint()
}

// MemoryPathpointDatabase keeps pending samples in process memory. Samples
// survive until acked; the archive view serves whatever is still retained.
type MemoryPathpointDatabase struct {
	mu          sync.Mutex
	samples     map[string][]pathpoint.TimestampedValue
	snapshotOut bool
	wake        *Wakeup
}

// NewMemoryPathpointDatabase builds an empty store. wake, when non-nil, is
// signalled on every accepted sample.
func NewMemoryPathpointDatabase(wake *Wakeup) *MemoryPathpointDatabase {
	return &MemoryPathpointDatabase{
		samples: map[string][]pathpoint.TimestampedValue{},
		wake:    wake,
	}
}

// OnNewData implements PathpointDatabase.
func (m *MemoryPathpointDatabase) OnNewData(path string, tv pathpoint.TimestampedValue) {
	m.mu.Lock()
	kept := m.samples[path]
	if len(kept) > 0 && tv.Timestamp <= kept[len(kept)-1].Timestamp {
		m.mu.Unlock()
		return
	}
	m.samples[path] = append(kept, tv)
	m.mu.Unlock()

	if m.wake != nil {
		m.wake.Signal()
	}
}

// GetCurrent implements PathpointDatabase.
func (m *MemoryPathpointDatabase) GetCurrent(path string) (pathpoint.TimestampedValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[path]
	if len(kept) == 0 {
		return pathpoint.TimestampedValue{}, pathpoint.NewNotRead(0)
	}
	last := kept[len(kept)-1]
	if last.Fault != nil {
		return last, last.Fault
	}
	return last, nil
}

// GetArchive implements PathpointDatabase.
func (m *MemoryPathpointDatabase) GetArchive(path string, start, stop int64) []pathpoint.TimestampedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pathpoint.TimestampedValue
	for _, tv := range m.samples[path] {
		if tv.Timestamp < start {
			continue
		}
		if stop != 0 && tv.Timestamp > stop {
			break
		}
		out = append(out, tv)
	}
	return out
}

// SnapshotForSync implements PathpointDatabase.
func (m *MemoryPathpointDatabase) SnapshotForSync() SampleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotOut || len(m.samples) == 0 {
		return nil
	}
	taken := make(map[string][]pathpoint.TimestampedValue, len(m.samples))
	for path, kept := range m.samples {
		cp := make([]pathpoint.TimestampedValue, len(kept))
		copy(cp, kept)
		taken[path] = cp
	}
	m.snapshotOut = true
	return &memorySampleSnapshot{db: m, taken: taken}
}

// Checkpoint implements PathpointDatabase as a no-op.
func (m *MemoryPathpointDatabase) Checkpoint() {}

func (m *MemoryPathpointDatabase) settleSnapshot(taken map[string][]pathpoint.TimestampedValue, ack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotOut = false
	if !ack {
		return
	}
	for path, snapped := range taken {
		if len(snapped) == 0 {
			continue
		}
		maxTS := snapped[len(snapped)-1].Timestamp
		kept := m.samples[path]
		idx := len(kept)
		for i, tv := range kept {
			if tv.Timestamp > maxTS {
				idx = i
				break
			}
		}
		if idx == len(kept) {
			delete(m.samples, path)
		} else {
			m.samples[path] = kept[idx:]
		}
	}
}

type memorySampleSnapshot struct {
	db    *MemoryPathpointDatabase
	taken map[string][]pathpoint.TimestampedValue
}

func (s *memorySampleSnapshot) Batches() []pathpoint.WireBatch {
	out := make([]pathpoint.WireBatch, 0, len(s.taken))
	for path, samples := range s.taken {
		out = append(out, pathpoint.BatchFromSamples(path, samples))
	}
	return out
}

func (s *memorySampleSnapshot) Ack()  { s.db.settleSnapshot(s.taken, true) }
func (s *memorySampleSnapshot) Nack() { s.db.settleSnapshot(s.taken, false) }
