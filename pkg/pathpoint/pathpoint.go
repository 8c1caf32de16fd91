// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pylonhq/pylon-agent/pkg/order"
)

// ErrInstanceNotReady is returned by operations that need the pathpoint to be
// attached to an agent first.
var ErrInstanceNotReady = errors.New("pathpoint is not attached to an agent")

// Sink receives samples accepted by a pathpoint. The agent wires the sample
// store (plus its sync wakeup) here.
type Sink interface {
	OnNewData(path string, tv TimestampedValue)
}

// Handler carries out the actual device I/O behind pathpoints. Implementations
// may block; the executor dispatches each invocation on its own goroutine.
// Read failures are reported as *OperationFailed; any other error counts as an
// INVALID fault.
type Handler interface {
	OnRead(ctx context.Context, p *Pathpoint, advise order.AdviseLevel) (Value, error)
	OnWrite(ctx context.Context, p *Pathpoint, value Value, advise order.AdviseLevel) error
}

// Pathpoint is one local I/O point: a name, a value type derived from it, a
// storage policy and the latest accepted sample. Derived (reparse) pathpoints
// additionally carry their compiled expression.
type Pathpoint struct {
	Name    string
	Type    Type
	Storage StorageLevel

	// Reparse is non-nil for derived pathpoints. Writing those is a no-op;
	// reading them reads the constituents and combines their latest values.
	Reparse *ReparseExpression

	clk clock.Clock

	mu         sync.Mutex
	sink       Sink
	current    TimestampedValue
	hasCurrent bool
	throttle   time.Duration
	lastRead   time.Time
}

// New builds a pathpoint, deriving the value type from the name. Derived
// names (leading 'r') have their embedded expression compiled here. A nil clk
// defaults to the wall clock.
func New(name string, storage StorageLevel, clk clock.Clock) (*Pathpoint, error) {
	t, err := TypeOf(name)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Pathpoint{Name: name, Type: t, Storage: storage, clk: clk}
	if IsReparsePath(name) {
		expr, err := CompileReparse(name)
		if err != nil {
			return nil, err
		}
		p.Reparse = expr
	}
	return p, nil
}

// Attach wires the sample sink. Must be called before samples are noted.
func (p *Pathpoint) Attach(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Attached reports whether the pathpoint belongs to an agent already.
func (p *Pathpoint) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink != nil
}

// SetThrottle forbids reads more often than every d. Zero disables.
func (p *Pathpoint) SetThrottle(d time.Duration) {
	p.mu.Lock()
	p.throttle = d
	p.mu.Unlock()
}

// CanRead reports whether the read throttle permits a read right now.
func (p *Pathpoint) CanRead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.throttle == 0 || p.lastRead.IsZero() {
		return true
	}
	return p.clk.Now().Sub(p.lastRead) >= p.throttle
}

// NoteSample accepts a sample as the pathpoint's newest reading and forwards
// it to the sink. Samples not newer than the current one are ignored.
func (p *Pathpoint) NoteSample(tv TimestampedValue) error {
	p.mu.Lock()
	if p.sink == nil {
		p.mu.Unlock()
		return ErrInstanceNotReady
	}
	if p.hasCurrent && tv.Timestamp <= p.current.Timestamp {
		p.mu.Unlock()
		return nil
	}
	p.current = tv
	p.hasCurrent = true
	p.lastRead = p.clk.Now()
	sink := p.sink
	p.mu.Unlock()

	// The store takes its own lock; never call it under ours.
	sink.OnNewData(p.Name, tv)
	return nil
}

// NoteValue records a successful reading taken at ts millis.
func (p *Pathpoint) NoteValue(ts int64, v Value) error {
	return p.NoteSample(TimestampedValue{Timestamp: ts, Value: v})
}

// NoteFault records a failed reading.
func (p *Pathpoint) NoteFault(fault *OperationFailed) error {
	return p.NoteSample(TimestampedValue{Timestamp: fault.Timestamp, Fault: fault})
}

// Current returns the latest sample. It fails with NotRead when no reading
// was taken yet and with the stored fault when the latest sample is one.
func (p *Pathpoint) Current() (TimestampedValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasCurrent {
		return TimestampedValue{}, NewNotRead(Millis(p.clk.Now()))
	}
	if p.current.Fault != nil {
		return p.current, p.current.Fault
	}
	return p.current, nil
}

// Read builds a single-order section reading this pathpoint.
func (p *Pathpoint) Read(advise order.AdviseLevel) *order.Section {
	return order.NewSection(order.Joinable, order.NewRead(p.Name, advise))
}

// Write builds a single-order section writing value to this pathpoint.
// staleAfter is an epoch timestamp in seconds, zero for no expiry.
func (p *Pathpoint) Write(value interface{}, advise order.AdviseLevel, staleAfter float64) *order.Section {
	return order.NewSection(order.Joinable, order.NewWrite(p.Name, value, advise, staleAfter))
}
