// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package devicelogs

import "sync"

// Record levels, on the scale the device-logs endpoint expects.
const (
	LevelDebug    = 10
	LevelInfo     = 20
	LevelWarning  = 30
	LevelError    = 40
	LevelCritical = 50
)

// Record is one device log entry awaiting shipment.
type Record struct {
	// Service names the emitting subsystem.
	Service string
	// When is the event time in microseconds since the epoch. The publisher
	// stamps it when zero.
	When int64
	// Message is the rendered log line.
	Message string
	// Level grades the record on the wire scale, LevelDebug through
	// LevelCritical.
	Level int
	// ExceptionText and ExceptionTraceback carry failure detail when the
	// record reports one.
	ExceptionText      string
	ExceptionTraceback string
}

// AsWire renders the record the way the device-logs endpoint expects it.
func (r Record) AsWire() map[string]interface{} {
	m := map[string]interface{}{
		"service": r.Service,
		"when":    r.When,
		"message": r.Message,
		"level":   r.Level,
	}
	if r.ExceptionText != "" {
		m["exception_text"] = r.ExceptionText
	}
	if r.ExceptionTraceback != "" {
		m["exception_traceback"] = r.ExceptionTraceback
	}
	return m
}

// approxWireSize estimates the record's rendered size for the batch byte
// budget. Keys, stamps and punctuation are folded into a flat overhead.
func (r Record) approxWireSize() int {
	return 64 + len(r.Service) + len(r.Message) + len(r.ExceptionText) + len(r.ExceptionTraceback)
}

// sequentialIssuer hands out stamps that never repeat or go backwards, so
// records keep their order even when the clock stands still within a
// microsecond.
type sequentialIssuer struct {
	mu   sync.Mutex
	last int64
}

func (i *sequentialIssuer) noLessThan(v int64) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if v <= i.last {
		v = i.last + 1
	}
	i.last = v
	return v
}
