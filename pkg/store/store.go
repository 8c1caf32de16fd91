// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package store holds the agent's local databases: pending samples, alert
// events, the sensor catalog, predicate rows, binary blobs, macros, metadata
// and the sensor-write audit log. Memory backends live here; the durable
// bbolt backend lives in store/boltstore.
//
// Stores guard their state with an internal mutex and never hold it across
// user callbacks. The sample, event and sensor-write stores hand out at most
// one sync snapshot at a time; the holder must settle it with Ack or Nack.
package store

import "sync"

// Wakeup is a level-triggered signal the stores raise when fresh data is
// waiting, so the sync loops can cut their sleeps short. One Signal reaches
// every subscriber; per-subscriber signals coalesce.
type Wakeup struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewWakeup builds an unsignalled wakeup.
func NewWakeup() *Wakeup {
	return &Wakeup{}
}

// Signal marks data pending on every subscription. Never blocks.
func (w *Wakeup) Signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a fresh channel to select on. A receive consumes that
// subscriber's pending signal only; other subscribers keep theirs.
func (w *Wakeup) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}
