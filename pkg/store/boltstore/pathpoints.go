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

	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// TrendRetention bounds how long synced samples of TREND pathpoints stay
// queryable locally. PERMANENT history lives in the cloud and is dropped
// locally as soon as it is acked.
const TrendRetention = 14 * 24 * time.Hour

// StorageLevelFunc resolves a pathpoint's storage policy. The agent binds it
// to its pathpoint registry.
type StorageLevelFunc func(path string) pathpoint.StorageLevel

// PathpointDatabase is the durable sample store. Samples are retained
// per pathpoint; a per-path watermark separates synced history from samples
// still owed to the cloud.
type PathpointDatabase struct {
	mu          sync.Mutex
	db          *DB
	samples     map[string][]pathpoint.TimestampedValue
	synced      map[string]int64 // millis of the newest acked sample
	snapshotOut bool
	levels      StorageLevelFunc
	clk         clock.Clock
	wake        *store.Wakeup
}

// Pathpoints loads the durable sample store. levels may be nil, in which
// case every pathpoint is treated as PERMANENT. wake, when non-nil, is
// signalled on every accepted sample. A nil clk defaults to the wall clock.
func (d *DB) Pathpoints(levels StorageLevelFunc, wake *store.Wakeup, clk clock.Clock) (*PathpointDatabase, error) {
	if clk == nil {
		clk = clock.New()
	}
	if levels == nil {
		levels = func(string) pathpoint.StorageLevel { return pathpoint.Permanent }
	}
	p := &PathpointDatabase{
		db:      d,
		samples: map[string][]pathpoint.TimestampedValue{},
		synced:  map[string]int64{},
		levels:  levels,
		clk:     clk,
		wake:    wake,
	}
	err := d.forEach(bucketSamples, func(k, v []byte) error {
		var wire [][]interface{}
		if err := msgpack.Unmarshal(v, &wire); err != nil {
			log.Errorf("dropping damaged sample row for %s: %v", k, err)
			return nil
		}
		path := string(k)
		kept := make([]pathpoint.TimestampedValue, 0, len(wire))
		for _, raw := range wire {
			tv, err := pathpoint.SampleFromWire(raw, path)
			if err != nil {
				log.Errorf("dropping damaged sample of %s: %v", path, err)
				continue
			}
			kept = append(kept, tv)
		}
		if len(kept) > 0 {
			p.samples[path] = kept
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = d.forEach(bucketSampleMarks, func(k, v []byte) error {
		if len(v) == 8 {
			p.synced[string(k)] = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OnNewData implements store.PathpointDatabase.
func (p *PathpointDatabase) OnNewData(path string, tv pathpoint.TimestampedValue) {
	p.mu.Lock()
	kept := p.samples[path]
	if len(kept) > 0 && tv.Timestamp <= kept[len(kept)-1].Timestamp {
		p.mu.Unlock()
		return
	}
	p.samples[path] = append(kept, tv)
	p.persistLocked(path)
	p.mu.Unlock()

	if p.wake != nil {
		p.wake.Signal()
	}
}

// GetCurrent implements store.PathpointDatabase.
func (p *PathpointDatabase) GetCurrent(path string) (pathpoint.TimestampedValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.samples[path]
	if len(kept) == 0 {
		return pathpoint.TimestampedValue{}, pathpoint.NewNotRead(0)
	}
	last := kept[len(kept)-1]
	if last.Fault != nil {
		return last, last.Fault
	}
	return last, nil
}

// GetArchive implements store.PathpointDatabase.
func (p *PathpointDatabase) GetArchive(path string, start, stop int64) []pathpoint.TimestampedValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pathpoint.TimestampedValue
	for _, tv := range p.samples[path] {
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

// SnapshotForSync implements store.PathpointDatabase. Only samples newer
// than the per-path watermark are taken.
func (p *PathpointDatabase) SnapshotForSync() store.SampleSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshotOut {
		return nil
	}
	taken := map[string][]pathpoint.TimestampedValue{}
	for path, kept := range p.samples {
		mark := p.synced[path]
		var pending []pathpoint.TimestampedValue
		for _, tv := range kept {
			if tv.Timestamp > mark {
				pending = append(pending, tv)
			}
		}
		if len(pending) > 0 {
			taken[path] = pending
		}
	}
	if len(taken) == 0 {
		return nil
	}
	p.snapshotOut = true
	return &boltSampleSnapshot{db: p, taken: taken}
}

// Checkpoint implements store.PathpointDatabase. Writes are already durable,
// so nothing is owed here.
func (p *PathpointDatabase) Checkpoint() {}

func (p *PathpointDatabase) settleSnapshot(taken map[string][]pathpoint.TimestampedValue, ack bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotOut = false
	if !ack {
		return
	}
	cutoff := pathpoint.Millis(p.clk.Now().Add(-TrendRetention))
	for path, snapped := range taken {
		if len(snapped) == 0 {
			continue
		}
		maxTS := snapped[len(snapped)-1].Timestamp
		if mark := p.synced[path]; maxTS > mark {
			p.synced[path] = maxTS
			p.persistMarkLocked(path, maxTS)
		}
		p.compactLocked(path, cutoff)
	}
}

// compactLocked drops samples the local archive no longer owes: for
// PERMANENT paths everything already synced, for TREND paths synced samples
// older than the retention window.
func (p *PathpointDatabase) compactLocked(path string, trendCutoff int64) {
	mark := p.synced[path]
	bound := mark
	if p.levels(path) == pathpoint.Trend {
		bound = trendCutoff
		if mark < bound {
			bound = mark
		}
	}
	kept := p.samples[path]
	idx := len(kept)
	for i, tv := range kept {
		if tv.Timestamp > bound {
			idx = i
			break
		}
	}
	if idx == 0 {
		return
	}
	if idx == len(kept) {
		delete(p.samples, path)
	} else {
		p.samples[path] = kept[idx:]
	}
	p.persistLocked(path)
}

func (p *PathpointDatabase) persistLocked(path string) {
	kept, ok := p.samples[path]
	if !ok {
		if err := p.db.delete(bucketSamples, []byte(path)); err != nil {
			log.Errorf("unable to drop sample row for %s: %v", path, err)
		}
		return
	}
	wire := make([][]interface{}, 0, len(kept))
	for _, tv := range kept {
		wire = append(wire, tv.AsWire())
	}
	if err := p.db.put(bucketSamples, []byte(path), wire); err != nil {
		log.Errorf("unable to persist samples of %s: %v", path, err)
	}
}

func (p *PathpointDatabase) persistMarkLocked(path string, mark int64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(mark))
	if err := p.db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSampleMarks).Put([]byte(path), raw[:])
	}); err != nil {
		log.Errorf("unable to persist sync mark of %s: %v", path, err)
	}
}

type boltSampleSnapshot struct {
	db    *PathpointDatabase
	taken map[string][]pathpoint.TimestampedValue
}

func (s *boltSampleSnapshot) Batches() []pathpoint.WireBatch {
	out := make([]pathpoint.WireBatch, 0, len(s.taken))
	for path, samples := range s.taken {
		out = append(out, pathpoint.BatchFromSamples(path, samples))
	}
	return out
}

func (s *boltSampleSnapshot) Ack()  { s.db.settleSnapshot(s.taken, true) }
func (s *boltSampleSnapshot) Nack() { s.db.settleSnapshot(s.taken, false) }
