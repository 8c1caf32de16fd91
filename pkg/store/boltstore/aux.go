// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package boltstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/pylonhq/pylon-agent/pkg/macro"
	"github.com/pylonhq/pylon-agent/pkg/sensor"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

var (
	keyMacrosPending = []byte("pending")
	keyMacrosDone    = []byte("done")
	keyInstructions  = []byte("instructions")
)

// MacroDatabase is the durable macro store.
type MacroDatabase struct {
	mu     sync.Mutex
	db     *DB
	macros []*macro.Macro
	done   []store.MacroFiring
}

// Macros loads the durable macro store.
func (d *DB) Macros() (*MacroDatabase, error) {
	m := &MacroDatabase{db: d}
	if _, err := d.load(bucketMacros, keyMacrosPending, &m.macros); err != nil {
		return nil, err
	}
	if _, err := d.load(bucketMacros, keyMacrosDone, &m.done); err != nil {
		return nil, err
	}
	return m, nil
}

// SetMacros implements store.MacroDatabase.
func (m *MacroDatabase) SetMacros(macros []*macro.Macro) {
	m.mu.Lock()
	m.macros = macros
	m.persistLocked()
	m.mu.Unlock()
}

// GetMacros implements store.MacroDatabase.
func (m *MacroDatabase) GetMacros() []*macro.Macro {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*macro.Macro, len(m.macros))
	copy(out, m.macros)
	return out
}

// NotifyExecuted implements store.MacroDatabase.
func (m *MacroDatabase) NotifyExecuted(macroID string, ts float64) {
	m.mu.Lock()
	m.done = append(m.done, store.MacroFiring{MacroID: macroID, Timestamp: ts})
	m.persistLocked()
	m.mu.Unlock()
}

// GetDoneMacros implements store.MacroDatabase.
func (m *MacroDatabase) GetDoneMacros() []store.MacroFiring {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.MacroFiring, len(m.done))
	copy(out, m.done)
	return out
}

// NotifySynced implements store.MacroDatabase.
func (m *MacroDatabase) NotifySynced(macroID string, ts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.done {
		if f.MacroID == macroID && f.Timestamp == ts {
			m.done = append(m.done[:i], m.done[i+1:]...)
			m.persistLocked()
			return
		}
	}
}

// Checkpoint implements store.MacroDatabase: schedules shrunk by popped
// occurrences get re-persisted here.
func (m *MacroDatabase) Checkpoint() {
	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
}

func (m *MacroDatabase) persistLocked() {
	if err := m.db.put(bucketMacros, keyMacrosPending, m.macros); err != nil {
		log.Errorf("unable to persist macros: %v", err)
	}
	if err := m.db.put(bucketMacros, keyMacrosDone, m.done); err != nil {
		log.Errorf("unable to persist macro firings: %v", err)
	}
}

// MetadataDatabase is the durable plain-metadata store.
type MetadataDatabase struct {
	mu      sync.Mutex
	db      *DB
	entries map[string]store.MetadataEntry
}

// Metadata loads the durable plain-metadata store.
func (d *DB) Metadata() (*MetadataDatabase, error) {
	m := &MetadataDatabase{db: d, entries: map[string]store.MetadataEntry{}}
	err := d.forEach(bucketMetadata, func(k, v []byte) error {
		var e store.MetadataEntry
		if err := msgpack.Unmarshal(v, &e); err != nil {
			log.Errorf("dropping damaged metadata row %s: %v", k, err)
			return nil
		}
		m.entries[string(k)] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get implements store.MetadataDatabase.
func (m *MetadataDatabase) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", fmt.Errorf("no metadata under %q", key)
	}
	return e.Value, nil
}

// Put implements store.MetadataDatabase.
func (m *MetadataDatabase) Put(key, value string, ts float64) {
	m.mu.Lock()
	e := store.MetadataEntry{Key: key, Value: value, Timestamp: ts}
	m.entries[key] = e
	m.persistLocked(key, e)
	m.mu.Unlock()
}

// Update implements store.MetadataDatabase: the freshest write wins.
func (m *MetadataDatabase) Update(key, value string, ts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.Timestamp > ts {
		return
	}
	e := store.MetadataEntry{Key: key, Value: value, Timestamp: ts}
	m.entries[key] = e
	m.persistLocked(key, e)
}

// Delete implements store.MetadataDatabase.
func (m *MetadataDatabase) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	if err := m.db.delete(bucketMetadata, []byte(key)); err != nil {
		log.Errorf("unable to drop metadata %s: %v", key, err)
	}
	m.mu.Unlock()
}

// GetAll implements store.MetadataDatabase.
func (m *MetadataDatabase) GetAll() []store.MetadataEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.MetadataEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *MetadataDatabase) persistLocked(key string, e store.MetadataEntry) {
	if err := m.db.put(bucketMetadata, []byte(key), e); err != nil {
		log.Errorf("unable to persist metadata %s: %v", key, err)
	}
}

// writeRecord is the on-disk shape of one sensor-write audit record.
type writeRecord struct {
	Timestamp int64  `msgpack:"timestamp"`
	Who       string `msgpack:"who"`
	HrSensor  string `msgpack:"hr_sensor"`
	HrValue   string `msgpack:"hr_value"`
	FQTS      string `msgpack:"fqts"`
	Value     string `msgpack:"value"`
	Reason    string `msgpack:"reason"`
}

// SensorWriteDatabase is the durable sensor-write audit log.
type SensorWriteDatabase struct {
	mu          sync.Mutex
	db          *DB
	queued      []sensor.WriteEvent
	seqs        []uint64
	snapshotOut bool
}

// SensorWrites loads the durable sensor-write audit log.
func (d *DB) SensorWrites() (*SensorWriteDatabase, error) {
	s := &SensorWriteDatabase{db: d}
	err := d.forEach(bucketWriteLog, func(k, v []byte) error {
		var rec writeRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			log.Errorf("dropping damaged write-log row: %v", err)
			return nil
		}
		s.queued = append(s.queued, sensor.WriteEvent(rec))
		s.seqs = append(s.seqs, binary.BigEndian.Uint64(k))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Add implements store.SensorWriteDatabase.
func (s *SensorWriteDatabase) Add(ev sensor.WriteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := msgpack.Marshal(writeRecord(ev))
	if err != nil {
		log.Errorf("unable to encode write-log record: %v", err)
		return
	}
	var seq uint64
	err = s.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWriteLog)
		var serr error
		seq, serr = b.NextSequence()
		if serr != nil {
			return serr
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], raw)
	})
	if err != nil {
		log.Errorf("unable to persist write-log record: %v", err)
		return
	}
	s.queued = append(s.queued, ev)
	s.seqs = append(s.seqs, seq)
}

// SnapshotForSync implements store.SensorWriteDatabase.
func (s *SensorWriteDatabase) SnapshotForSync() store.WriteSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotOut || len(s.queued) == 0 {
		return nil
	}
	taken := make([]sensor.WriteEvent, len(s.queued))
	copy(taken, s.queued)
	s.snapshotOut = true
	return &boltWriteSnapshot{db: s, taken: taken}
}

// Checkpoint implements store.SensorWriteDatabase. Writes are already
// durable.
func (s *SensorWriteDatabase) Checkpoint() {}

func (s *SensorWriteDatabase) settleSnapshot(n int, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotOut = false
	if !ack {
		return
	}
	if n > len(s.queued) {
		n = len(s.queued)
	}
	dropped := s.seqs[:n]
	err := s.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWriteLog)
		for _, seq := range dropped {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := b.Delete(key[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("unable to drop acked write-log records: %v", err)
	}
	s.queued = append([]sensor.WriteEvent(nil), s.queued[n:]...)
	s.seqs = append([]uint64(nil), s.seqs[n:]...)
}

type boltWriteSnapshot struct {
	db    *SensorWriteDatabase
	taken []sensor.WriteEvent
}

func (s *boltWriteSnapshot) Events() []sensor.WriteEvent { return s.taken }
func (s *boltWriteSnapshot) Ack()                        { s.db.settleSnapshot(len(s.taken), true) }
func (s *boltWriteSnapshot) Nack()                       { s.db.settleSnapshot(len(s.taken), false) }

// ArchivesDatabase is the durable archiving-instruction store.
type ArchivesDatabase struct {
	mu           sync.Mutex
	db           *DB
	instructions store.ArchivingInstructions
}

// Archives loads the durable archiving-instruction store.
func (d *DB) Archives() (*ArchivesDatabase, error) {
	a := &ArchivesDatabase{db: d, instructions: store.ArchivingInstructions{}}
	if _, err := d.load(bucketArchives, keyInstructions, &a.instructions); err != nil {
		return nil, err
	}
	return a, nil
}

// GetInstructions implements store.ArchivesDatabase.
func (a *ArchivesDatabase) GetInstructions() store.ArchivingInstructions {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(store.ArchivingInstructions, len(a.instructions))
	for interval, paths := range a.instructions {
		cp := make([]string, len(paths))
		copy(cp, paths)
		out[interval] = cp
	}
	return out
}

// SetInstructions implements store.ArchivesDatabase.
func (a *ArchivesDatabase) SetInstructions(in store.ArchivingInstructions) {
	cp := make(store.ArchivingInstructions, len(in))
	for interval, paths := range in {
		pc := make([]string, len(paths))
		copy(pc, paths)
		cp[interval] = pc
	}
	a.mu.Lock()
	a.instructions = cp
	if err := a.db.put(bucketArchives, keyInstructions, cp); err != nil {
		log.Errorf("unable to persist archiving instructions: %v", err)
	}
	a.mu.Unlock()
}
