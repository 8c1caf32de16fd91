// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package boltstore

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// eventRecord is the on-disk shape of one event. Pending marks events still
// owed to the cloud.
type eventRecord struct {
	UUID            string            `msgpack:"uuid"`
	ProvisionalUUID string            `msgpack:"provisional_uuid"`
	StartedOn       int64             `msgpack:"started_on"`
	EndedOn         int64             `msgpack:"ended_on"`
	Color           int               `msgpack:"color"`
	IsPoint         bool              `msgpack:"is_point"`
	Token           string            `msgpack:"token"`
	Group           string            `msgpack:"group"`
	Message         string            `msgpack:"message"`
	HandledBy       string            `msgpack:"handled_by"`
	Metadata        map[string]string `msgpack:"metadata"`
	Pending         bool              `msgpack:"pending"`
}

func recordOf(e *predicate.Event, pending bool) eventRecord {
	return eventRecord{
		UUID:            e.UUID,
		ProvisionalUUID: e.ProvisionalUUID,
		StartedOn:       e.StartedOn,
		EndedOn:         e.EndedOn,
		Color:           int(e.Color),
		IsPoint:         e.IsPoint,
		Token:           e.Token,
		Group:           e.Group,
		Message:         e.Message,
		HandledBy:       e.HandledBy,
		Metadata:        e.Metadata,
		Pending:         pending,
	}
}

func (r eventRecord) event() *predicate.Event {
	return &predicate.Event{
		UUID:            r.UUID,
		ProvisionalUUID: r.ProvisionalUUID,
		StartedOn:       r.StartedOn,
		EndedOn:         r.EndedOn,
		Color:           predicate.Color(r.Color),
		IsPoint:         r.IsPoint,
		Token:           r.Token,
		Group:           r.Group,
		Message:         r.Message,
		HandledBy:       r.HandledBy,
		Metadata:        r.Metadata,
	}
}

// EventDatabase is the durable event store: events and predicate state
// blobs survive restarts, and events still owed to the cloud are re-queued
// at load.
type EventDatabase struct {
	mu          sync.Mutex
	db          *DB
	events      []*predicate.Event
	pending     []*predicate.Event
	queued      map[*predicate.Event]struct{}
	seqs        map[*predicate.Event]uint64
	snapshotOut bool
	retention   time.Duration
	clk         clock.Clock
	wake        *store.Wakeup
}

// Events loads the durable event store. wake, when non-nil, is signalled
// whenever an event is queued. A nil clk defaults to the wall clock.
func (d *DB) Events(wake *store.Wakeup, clk clock.Clock) (*EventDatabase, error) {
	if clk == nil {
		clk = clock.New()
	}
	e := &EventDatabase{
		db:        d,
		queued:    map[*predicate.Event]struct{}{},
		seqs:      map[*predicate.Event]uint64{},
		retention: store.DefaultEventRetention,
		clk:       clk,
		wake:      wake,
	}
	err := d.forEach(bucketEvents, func(k, v []byte) error {
		var rec eventRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			log.Errorf("dropping damaged event row: %v", err)
			return nil
		}
		ev := rec.event()
		e.events = append(e.events, ev)
		e.seqs[ev] = binary.BigEndian.Uint64(k)
		if rec.Pending {
			e.queued[ev] = struct{}{}
			e.pending = append(e.pending, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetRetention overrides how long closed events are kept.
func (e *EventDatabase) SetRetention(d time.Duration) {
	e.mu.Lock()
	e.retention = d
	e.mu.Unlock()
}

// Add implements store.EventDatabase.
func (e *EventDatabase) Add(ev *predicate.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.enqueueLocked(ev)
	e.persistLocked(ev)
	e.mu.Unlock()

	if e.wake != nil {
		e.wake.Signal()
	}
}

// Close implements store.EventDatabase.
func (e *EventDatabase) Close(ev *predicate.Event, ts int64) {
	e.mu.Lock()
	if ev.EndedOn == 0 {
		if ts == 0 {
			ts = e.clk.Now().Unix()
		}
		ev.EndedOn = ts
	}
	e.enqueueLocked(ev)
	e.persistLocked(ev)
	e.mu.Unlock()

	if e.wake != nil {
		e.wake.Signal()
	}
}

func (e *EventDatabase) enqueueLocked(ev *predicate.Event) {
	if _, ok := e.queued[ev]; ok {
		return
	}
	e.queued[ev] = struct{}{}
	e.pending = append(e.pending, ev)
}

// GetOpen implements store.EventDatabase.
func (e *EventDatabase) GetOpen() []*predicate.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*predicate.Event
	for _, ev := range e.events {
		if !ev.Closed() {
			out = append(out, ev)
		}
	}
	return out
}

// GetAll implements store.EventDatabase.
func (e *EventDatabase) GetAll() []*predicate.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*predicate.Event, len(e.events))
	copy(out, e.events)
	return out
}

// SnapshotForSync implements store.EventDatabase.
func (e *EventDatabase) SnapshotForSync() store.EventSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshotOut || len(e.pending) == 0 {
		return nil
	}
	taken := make([]*predicate.Event, len(e.pending))
	copy(taken, e.pending)
	e.snapshotOut = true
	return &boltEventSnapshot{db: e, taken: taken}
}

func (e *EventDatabase) settleSnapshot(taken []*predicate.Event, uuids []string, ack bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotOut = false
	if !ack {
		return
	}
	for i, ev := range taken {
		if i < len(uuids) && ev.UUID == "" {
			ev.UUID = uuids[i]
		}
	}
	inTaken := make(map[*predicate.Event]struct{}, len(taken))
	for _, ev := range taken {
		inTaken[ev] = struct{}{}
	}
	kept := e.pending[:0]
	for _, ev := range e.pending {
		if _, ok := inTaken[ev]; ok && ev.Closed() {
			delete(e.queued, ev)
			continue
		}
		kept = append(kept, ev)
	}
	e.pending = kept
	for _, ev := range taken {
		e.persistLocked(ev)
	}
}

// SetCache implements store.EventDatabase.
func (e *EventDatabase) SetCache(predicateID string, blob []byte) {
	if err := e.db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEventCaches).Put([]byte(predicateID), blob)
	}); err != nil {
		log.Errorf("unable to persist state of predicate %s: %v", predicateID, err)
	}
}

// GetCache implements store.EventDatabase.
func (e *EventDatabase) GetCache(predicateID string) ([]byte, bool) {
	var blob []byte
	_ = e.db.bolt.View(func(tx *bolt.Tx) error {
		if got := tx.Bucket(bucketEventCaches).Get([]byte(predicateID)); got != nil {
			blob = append(blob, got...)
		}
		return nil
	})
	return blob, blob != nil
}

// OnPredicateDeleted implements store.EventDatabase.
func (e *EventDatabase) OnPredicateDeleted(predicateID string) {
	if err := e.db.delete(bucketEventCaches, []byte(predicateID)); err != nil {
		log.Errorf("unable to drop state of predicate %s: %v", predicateID, err)
	}
}

// Checkpoint implements store.EventDatabase: closed events older than the
// retention window are dropped, in memory and on disk.
func (e *EventDatabase) Checkpoint() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.clk.Now().Add(-e.retention).Unix()
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.Closed() && ev.StartedOn < cutoff {
			if seq, ok := e.seqs[ev]; ok {
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], seq)
				if err := e.db.delete(bucketEvents, key[:]); err != nil {
					log.Errorf("unable to drop expired event: %v", err)
				}
				delete(e.seqs, ev)
			}
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
}

func (e *EventDatabase) persistLocked(ev *predicate.Event) {
	_, pending := e.queued[ev]
	rec := recordOf(ev, pending)
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		log.Errorf("unable to encode event %s: %v", ev.ID(), err)
		return
	}
	err = e.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, ok := e.seqs[ev]
		if !ok {
			var serr error
			seq, serr = b.NextSequence()
			if serr != nil {
				return serr
			}
			e.seqs[ev] = seq
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], raw)
	})
	if err != nil {
		log.Errorf("unable to persist event %s: %v", ev.ID(), err)
	}
}

type boltEventSnapshot struct {
	db    *EventDatabase
	taken []*predicate.Event
}

func (s *boltEventSnapshot) Events() []*predicate.Event { return s.taken }
func (s *boltEventSnapshot) Ack(uuids ...string)        { s.db.settleSnapshot(s.taken, uuids, true) }
func (s *boltEventSnapshot) Nack()                      { s.db.settleSnapshot(s.taken, nil, false) }
