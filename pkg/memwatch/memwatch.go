// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package memwatch samples the host's memory usage so queue-holding
// components can shed load before the kernel sheds the process.
package memwatch

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// Severity grades the host's memory pressure.
type Severity int32

const (
	// Normal means there is headroom.
	Normal Severity = iota
	// Elevated means usage crossed the first threshold.
	Elevated
	// Critical means usage crossed the second threshold; holders of
	// unbounded queues should drop them.
	Critical
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Defaults. Ten seconds of staleness is acceptable for a signal that only
// gates load shedding.
const (
	DefaultElevatedPercent = 80.0
	DefaultCriticalPercent = 90.0
	DefaultEvery           = 10 * time.Second
)

// Config wires a Watcher.
type Config struct {
	// ElevatedPercent and CriticalPercent are used-memory thresholds, in
	// percent of total. They default to the package constants when zero.
	ElevatedPercent float64
	CriticalPercent float64

	// Every is the sampling cadence.
	Every time.Duration

	// Sample overrides the probe; the default reads the system's virtual
	// memory statistics.
	Sample func() (float64, error)

	// OnChange observes severity transitions.
	OnChange func(sev Severity)

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Watcher samples memory usage on a cadence and grades it. Severity may be
// read from any goroutine.
type Watcher struct {
	elevated float64
	critical float64
	every    time.Duration
	sample   func() (float64, error)
	onChange func(sev Severity)
	clk      clock.Clock

	started  atomic.Bool
	closing  atomic.Bool
	done     chan struct{}
	stopped  chan struct{}
	severity atomic.Int32
}

// New builds a watcher around cfg. Call Start to begin sampling.
func New(cfg Config) *Watcher {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	w := &Watcher{
		elevated: cfg.ElevatedPercent,
		critical: cfg.CriticalPercent,
		every:    cfg.Every,
		sample:   cfg.Sample,
		onChange: cfg.OnChange,
		clk:      clk,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if w.elevated <= 0 {
		w.elevated = DefaultElevatedPercent
	}
	if w.critical <= 0 {
		w.critical = DefaultCriticalPercent
	}
	if w.every <= 0 {
		w.every = DefaultEvery
	}
	if w.sample == nil {
		w.sample = systemSample
	}
	return w
}

// Start launches the sampling loop. The first sample is taken immediately.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	if !w.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(w.done)
	if w.started.Load() {
		<-w.stopped
	}
	return nil
}

// Severity returns the current grade.
func (w *Watcher) Severity() Severity {
	return Severity(w.severity.Load())
}

func (w *Watcher) run() {
	defer close(w.stopped)
	ticker := w.clk.Ticker(w.every)
	defer ticker.Stop()
	w.observe()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.observe()
		}
	}
}

func (w *Watcher) observe() {
	pct, err := w.sample()
	if err != nil {
		// Keep the last grade; a failed probe says nothing about memory.
		log.Debugf("Could not sample memory usage: %v", err)
		return
	}
	sev := w.classify(pct)
	old := Severity(w.severity.Swap(int32(sev)))
	if old == sev {
		return
	}
	if sev == Critical {
		log.Warnf("Memory usage at %.0f%%, load shedding engaged", pct)
	} else {
		log.Infof("Memory pressure now %s at %.0f%%", sev, pct)
	}
	if w.onChange != nil {
		w.onChange(sev)
	}
}

func (w *Watcher) classify(pct float64) Severity {
	switch {
	case pct >= w.critical:
		return Critical
	case pct >= w.elevated:
		return Elevated
	default:
		return Normal
	}
}

func systemSample() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
