// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package devicelogs batches device log records and ships them to the cloud.
// Records queue in memory while the link is down, inside a bound that drops
// the oldest first, and the whole queue is shed under critical memory
// pressure.
package devicelogs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/memwatch"
	"github.com/pylonhq/pylon-agent/pkg/syncer"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

const (
	// DefaultBatchDelay is how long the publisher lingers after the first
	// record so siblings can join the batch.
	DefaultBatchDelay = time.Second
	// DefaultMaxBatch caps how many records travel in one shipment.
	DefaultMaxBatch = 50
	// DefaultMaxBatchBytes caps a shipment's approximate payload size.
	DefaultMaxBatchBytes = 256 << 10
	// DefaultMaxBuffer caps the queue; beyond it the oldest records fall out.
	DefaultMaxBuffer = 20000

	shipAttempts = 3
)

// PressureSource grades the host's memory pressure. At Critical the publisher
// drops its queue rather than keep growing it.
type PressureSource interface {
	Severity() memwatch.Severity
}

// Config wires a Publisher.
type Config struct {
	// Sync ships record batches. Required.
	Sync syncer.Syncer

	// Pressure, when set, lets the publisher shed under memory pressure.
	Pressure PressureSource

	// OnSuccessfulSync and OnFailedSync observe shipment outcomes.
	// OnFailedSync fires only when the link is the problem.
	OnSuccessfulSync func()
	OnFailedSync     func(err error)

	// BatchDelay, MaxBatch, MaxBatchBytes and MaxBuffer override the package
	// defaults when positive.
	BatchDelay    time.Duration
	MaxBatch      int
	MaxBatchBytes int
	MaxBuffer     int

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Publisher is the log shipping worker. Producers are many; the shipping
// goroutine is exactly one.
type Publisher struct {
	sync          syncer.Syncer
	pressure      PressureSource
	onSyncOK      func()
	onSyncErr     func(err error)
	batchDelay    time.Duration
	maxBatch      int
	maxBatchBytes int
	maxBuffer     int
	clk           clock.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	issuer sequentialIssuer

	mu      sync.Mutex
	records []Record
	wake    chan struct{}
}

// New builds a publisher around cfg. Call Start to begin shipping.
func New(cfg Config) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sync:          cfg.Sync,
		pressure:      cfg.Pressure,
		onSyncOK:      cfg.OnSuccessfulSync,
		onSyncErr:     cfg.OnFailedSync,
		batchDelay:    cfg.BatchDelay,
		maxBatch:      cfg.MaxBatch,
		maxBatchBytes: cfg.MaxBatchBytes,
		maxBuffer:     cfg.MaxBuffer,
		clk:           cfg.Clock,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
	if p.batchDelay <= 0 {
		p.batchDelay = DefaultBatchDelay
	}
	if p.maxBatch <= 0 {
		p.maxBatch = DefaultMaxBatch
	}
	if p.maxBatchBytes <= 0 {
		p.maxBatchBytes = DefaultMaxBatchBytes
	}
	if p.maxBuffer <= 0 {
		p.maxBuffer = DefaultMaxBuffer
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	return p
}

// Start launches the shipping goroutine.
func (p *Publisher) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Close stops the worker, then flushes whatever is still queued with one
// attempt per batch. Idempotent.
func (p *Publisher) Close() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	p.cancel()
	if p.started.Load() {
		<-p.stopped
	}
	return nil
}

// Enqueue adds one record to the outgoing queue, stamping Record.When if it
// is zero. It never logs and never touches the network, so the logging
// facade's forwarder can call it without feeding the queue from itself.
func (p *Publisher) Enqueue(rec Record) {
	if p.closing.Load() {
		telemetry.LogRecordsDropped.Add(1)
		return
	}
	if p.pressure != nil && p.pressure.Severity() >= memwatch.Critical {
		p.mu.Lock()
		n := len(p.records)
		p.records = nil
		p.mu.Unlock()
		telemetry.LogRecordsDropped.Add(int64(n + 1))
		return
	}
	if rec.When == 0 {
		rec.When = p.issuer.noLessThan(p.clk.Now().UnixMicro())
	}
	var dropped int
	p.mu.Lock()
	p.records = append(p.records, rec)
	if over := len(p.records) - p.maxBuffer; over > 0 {
		p.records = p.records[over:]
		dropped = over
	}
	p.mu.Unlock()
	if dropped > 0 {
		telemetry.LogRecordsDropped.Add(int64(dropped))
	}
	p.signal()
}

// Len returns the number of queued records.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		if !p.await() {
			break
		}
		p.sleep(p.batchDelay)
		if p.terminating() {
			break
		}
		p.shed()
		batch := p.take(p.maxBatch, p.maxBatchBytes)
		if len(batch) == 0 {
			continue
		}
		p.ship(batch)
	}
	p.flush()
}

// await blocks until a record is queued, reporting false when closing.
func (p *Publisher) await() bool {
	for {
		if p.Len() > 0 {
			return true
		}
		select {
		case <-p.done:
			return false
		case <-p.wake:
		}
	}
}

// shed empties the queue when memory pressure is critical.
func (p *Publisher) shed() {
	if p.pressure == nil || p.pressure.Severity() < memwatch.Critical {
		return
	}
	p.mu.Lock()
	n := len(p.records)
	p.records = nil
	p.mu.Unlock()
	if n > 0 {
		telemetry.LogRecordsDropped.Add(int64(n))
		// Kept below the forwarder threshold; a warning here would route
		// straight back into this queue.
		log.Infof("Dropped %d queued device log records under memory pressure", n)
	}
}

// take removes records from the head of the queue, stopping at n records or
// at the byte budget. The first record always fits.
func (p *Publisher) take(n, budget int) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) == 0 {
		return nil
	}
	if n > len(p.records) {
		n = len(p.records)
	}
	size := 0
	cut := 0
	for cut < n {
		size += p.records[cut].approxWireSize()
		if size > budget && cut > 0 {
			break
		}
		cut++
	}
	batch := make([]Record, cut)
	copy(batch, p.records)
	p.records = p.records[cut:]
	return batch
}

// requeue puts an unshipped batch back at the head of the queue.
func (p *Publisher) requeue(batch []Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(batch, p.records...)
}

// ship delivers one batch, retrying transient failures. A batch the server
// judges damaged is dropped without further attempts; one that still cannot
// be delivered after shipAttempts tries goes back to the head of the queue
// for the next cycle, bounded there by MaxBuffer and the memory watchdog.
func (p *Publisher) ship(batch []Record) {
	wire := make([]map[string]interface{}, 0, len(batch))
	for _, r := range batch {
		wire = append(wire, r.AsWire())
	}
	var fault bool
	attempt := func() error {
		err := p.sync.SyncLogs(p.ctx, wire)
		if err == nil {
			return nil
		}
		var se *syncer.SyncError
		if errors.As(err, &se) {
			if se.ClientsFault {
				fault = true
				return backoff.Permanent(err)
			}
			if se.NoLink {
				p.noteSyncError(err)
			}
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), shipAttempts-1), p.ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		if fault {
			telemetry.LogRecordsDropped.Add(int64(len(batch)))
			log.Warnf("Dropping %d device log records rejected by the cloud: %v", len(batch), err)
			return
		}
		// Still undelivered; the batch keeps its place for the next cycle
		// or the final flush.
		p.requeue(batch)
		return
	}
	telemetry.LogRecordsShipped.Add(int64(len(batch)))
	p.noteSyncOK()
}

// flush drains the queue on close, one attempt per batch, giving up at the
// first failure. It runs after Close cancelled the worker's context, so it
// carries its own.
func (p *Publisher) flush() {
	for {
		batch := p.take(p.maxBatch, p.maxBatchBytes)
		if len(batch) == 0 {
			return
		}
		wire := make([]map[string]interface{}, 0, len(batch))
		for _, r := range batch {
			wire = append(wire, r.AsWire())
		}
		if err := p.sync.SyncLogs(context.Background(), wire); err != nil {
			telemetry.LogRecordsDropped.Add(int64(len(batch) + p.Len()))
			p.mu.Lock()
			p.records = nil
			p.mu.Unlock()
			return
		}
		telemetry.LogRecordsShipped.Add(int64(len(batch)))
	}
}

func (p *Publisher) noteSyncOK() {
	if p.onSyncOK != nil {
		p.onSyncOK()
	}
}

func (p *Publisher) noteSyncError(err error) {
	telemetry.SyncFailures.Add(1)
	if p.onSyncErr != nil {
		p.onSyncErr(err)
	}
}

func (p *Publisher) terminating() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Publisher) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := p.clk.Timer(d)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
