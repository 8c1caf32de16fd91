// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package order

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/util/future"
)

// Disposition states whether a section may be coalesced with its neighbours.
type Disposition int

const (
	// Joinable sections may be concatenated with adjacent joinable sections.
	Joinable Disposition = iota
	// CannotJoin sections execute only after all earlier work has settled.
	CannotJoin
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	if d == CannotJoin {
		return "CANNOT_JOIN"
	}
	return "JOINABLE"
}

// DispositionFromWire maps the wire ordinal onto a Disposition.
func DispositionFromWire(v int) Disposition {
	if v == int(CannotJoin) {
		return CannotJoin
	}
	return Joinable
}

// Section is a batch of orders sharing a settlement. Joining another section
// absorbs its orders and its futures, so settling the merged section settles
// every party that held a handle on either one.
type Section struct {
	mu          sync.Mutex
	orders      []Order
	disposition Disposition
	futures     []*future.Future
	cancelled   atomic.Bool
}

// NewSection builds a section around orders.
func NewSection(disposition Disposition, orders ...Order) *Section {
	return &Section{
		orders:      orders,
		disposition: disposition,
		futures:     []*future.Future{future.New()},
	}
}

// Orders returns a snapshot of the section's orders.
func (s *Section) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, len(s.orders))
	copy(out, s.orders)
	return out
}

// Empty reports whether the section carries no orders.
func (s *Section) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders) == 0
}

// Disposition returns the section's join disposition.
func (s *Section) Disposition() Disposition {
	return s.disposition
}

// Joinable reports whether the section may be coalesced.
func (s *Section) Joinable() bool {
	return s.disposition == Joinable
}

// Append adds orders to the section. Only valid before execution starts.
func (s *Section) Append(orders ...Order) {
	s.mu.Lock()
	s.orders = append(s.orders, orders...)
	s.mu.Unlock()
}

// Join absorbs other into s: orders are concatenated and settlement handles
// merged, so MarkDone on s settles both.
func (s *Section) Join(other *Section) {
	other.mu.Lock()
	orders := other.orders
	futures := other.futures
	other.mu.Unlock()

	s.mu.Lock()
	s.orders = append(s.orders, orders...)
	s.futures = append(s.futures, futures...)
	s.mu.Unlock()
}

// MarkDone settles every future attached to the section. Custom executors
// must call it once their handling completes.
func (s *Section) MarkDone() {
	for _, f := range s.snapshotFutures() {
		f.Resolve()
	}
}

// Cancel marks the section cancelled. A cancelled section is not executed;
// the executor only settles its futures.
func (s *Section) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (s *Section) Cancelled() bool {
	return s.cancelled.Load()
}

// Wait blocks until the section settles and returns the first error observed.
func (s *Section) Wait() error {
	var first error
	for _, f := range s.snapshotFutures() {
		if err := f.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Settled reports whether every future attached to the section has settled.
func (s *Section) Settled() bool {
	for _, f := range s.snapshotFutures() {
		if !f.Settled() {
			return false
		}
	}
	return true
}

// OnDone registers cb to run when the section settles, with the settlement
// error. If the section is later absorbed into another one, cb still fires.
func (s *Section) OnDone(cb func(error)) {
	s.mu.Lock()
	primary := s.futures[0]
	s.mu.Unlock()
	primary.OnSettle(cb)
}

// MaxWait returns the longest Wait order in the section, zero when none.
func (s *Section) MaxWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max time.Duration
	for _, o := range s.orders {
		if w, ok := o.(*Wait); ok && w.Duration > max {
			max = w.Duration
		}
	}
	return max
}

func (s *Section) snapshotFutures() []*future.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*future.Future, len(s.futures))
	copy(out, s.futures)
	return out
}
