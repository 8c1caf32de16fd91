// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package order models the control commands a device executes: single orders,
// the sections that batch them, and the queue the executor drains.
package order

import (
	"fmt"
	"time"
)

// AdviseLevel tells the executor how hard to try to carry an order out.
type AdviseLevel int

const (
	// Advise is best-effort.
	Advise AdviseLevel = iota
	// Force nearly guarantees delivery, up to stalling the pipeline.
	Force
)

// String implements fmt.Stringer.
func (a AdviseLevel) String() string {
	if a == Force {
		return "FORCE"
	}
	return "ADVISE"
}

// AdviseFromWire maps the wire ordinal onto an AdviseLevel. Anything that is
// not FORCE is taken as ADVISE.
func AdviseFromWire(v int) AdviseLevel {
	if v == int(Force) {
		return Force
	}
	return Advise
}

// Retry budgets, in total attempts. Reads are cheap and idempotent so they
// get a larger budget than writes.
const (
	forceWriteAttempts  = 10
	adviseWriteAttempts = 1
	forceReadAttempts   = 20
	adviseReadAttempts  = 3
	messageAttempts     = 3
)

// Order is one device instruction. The concrete types are Read, Write, Wait,
// Message and Sysctl.
type Order interface {
	fmt.Stringer
	order()
}

// Retryable is implemented by orders that carry a retry budget.
type Retryable interface {
	// Fail consumes one attempt and reports whether the order should be
	// requeued within the same section pass.
	Fail() bool
}

// Read asks for one reading of a pathpoint.
type Read struct {
	Path   string
	Advise AdviseLevel

	attempts int
}

// NewRead builds a read order with the retry budget matching its advise level.
func NewRead(path string, advise AdviseLevel) *Read {
	attempts := adviseReadAttempts
	if advise == Force {
		attempts = forceReadAttempts
	}
	return &Read{Path: path, Advise: advise, attempts: attempts}
}

func (r *Read) order() {}

// Fail implements Retryable.
func (r *Read) Fail() bool {
	r.attempts--
	return r.attempts > 0
}

// String implements fmt.Stringer.
func (r *Read) String() string {
	return fmt.Sprintf("Read(%s, %s)", r.Path, r.Advise)
}

// Write asks for a value to be written to a pathpoint. Value holds the raw
// wire form; coercion to the pathpoint's type happens at dispatch time.
type Write struct {
	Path   string
	Value  interface{}
	Advise AdviseLevel
	// StaleAfter is an epoch timestamp in seconds past which the write must
	// not be carried out anymore. Zero means the write never goes stale.
	StaleAfter float64

	attempts int
}

// NewWrite builds a write order with the retry budget matching its advise
// level.
func NewWrite(path string, value interface{}, advise AdviseLevel, staleAfter float64) *Write {
	attempts := adviseWriteAttempts
	if advise == Force {
		attempts = forceWriteAttempts
	}
	return &Write{Path: path, Value: value, Advise: advise, StaleAfter: staleAfter, attempts: attempts}
}

func (w *Write) order() {}

// Fail implements Retryable.
func (w *Write) Fail() bool {
	w.attempts--
	return w.attempts > 0
}

// Stale reports whether the write went stale at now (epoch seconds).
func (w *Write) Stale(now float64) bool {
	return w.StaleAfter != 0 && w.StaleAfter <= now
}

// String implements fmt.Stringer.
func (w *Write) String() string {
	return fmt.Sprintf("Write(%s, %v, %s)", w.Path, w.Value, w.Advise)
}

// Wait contributes to the dwell of the enclosing section. It is never
// dispatched on its own.
type Wait struct {
	Duration time.Duration
}

func (w *Wait) order() {}

// String implements fmt.Stringer.
func (w *Wait) String() string {
	return fmt.Sprintf("Wait(%s)", w.Duration)
}

// Message confirms the reception of a message to the cloud.
type Message struct {
	UUID string

	attempts int
}

// NewMessage builds a message-confirmation order.
func NewMessage(uuid string) *Message {
	return &Message{UUID: uuid, attempts: messageAttempts}
}

func (m *Message) order() {}

// Fail implements Retryable.
func (m *Message) Fail() bool {
	m.attempts--
	return m.attempts > 0
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s)", m.UUID)
}

// Sysctl carries an operator-defined maintenance operation.
type Sysctl struct {
	Op   string
	Args string
}

func (s *Sysctl) order() {}

// String implements fmt.Stringer.
func (s *Sysctl) String() string {
	return fmt.Sprintf("Sysctl(%s, %s)", s.Op, s.Args)
}
