// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package executor drains the section queue. Neighbouring joinable sections
// coalesce into one pass, every read and write dispatches to the device
// handler on its own goroutine, faulted orders are requeued within the pass
// until their budget runs out, and the section settles once its dwell has
// been slept out.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

const (
	messageAttempts   = 3
	messageRetryDelay = time.Second
)

// Resolver locates the pathpoint an order addresses. Orders against
// pathpoints the resolver does not know are dropped with a log line.
type Resolver func(path string) (*pathpoint.Pathpoint, bool)

// SysctlFunc carries out one maintenance operation and reports whether the
// operation was recognized.
type SysctlFunc func(op, args string) bool

// SectionHook replaces the built-in order loop. The hook owns every section
// handed to it and must call MarkDone once its handling completes.
type SectionHook func(*order.Section)

// SyncHook blocks until every section handed out so far has settled. Once
// terminating starts reporting true the hook must return promptly.
type SyncHook func(terminating func() bool)

// Config wires an Executor. Queue, Resolve and Handler are mandatory; Client
// may only be nil when no Message order can ever arrive.
type Config struct {
	Queue   *order.Queue
	Resolve Resolver
	Handler pathpoint.Handler
	Client  *api.Client
	Sysctl  SysctlFunc
	// Sync, when set, replaces the built-in barrier awaited before a
	// CANNOT_JOIN section.
	Sync SyncHook
	// Hook, when set, handles every section instead of the built-in loop.
	Hook SectionHook
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Executor is the single consumer of the section queue.
type Executor struct {
	queue    *order.Queue
	resolve  Resolver
	handler  pathpoint.Handler
	client   *api.Client
	sysctl   SysctlFunc
	syncHook SyncHook
	hook     SectionHook
	clk      clock.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	inflight []*order.Section
}

// New builds an executor around cfg. Call Start to begin draining.
func New(cfg Config) *Executor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		queue:    cfg.Queue,
		resolve:  cfg.Resolve,
		handler:  cfg.Handler,
		client:   cfg.Client,
		sysctl:   cfg.Sysctl,
		syncHook: cfg.Sync,
		hook:     cfg.Hook,
		clk:      clk,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the drain loop.
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Close stops the executor. In-flight handler invocations have their context
// cancelled. Idempotent.
func (e *Executor) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.cancel()
	if e.started.Load() {
		<-e.stopped
	}
	return nil
}

func (e *Executor) terminating() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Executor) run() {
	defer close(e.stopped)
	for {
		s, ok := e.queue.Get(e.done)
		if !ok {
			return
		}
		// Only the executor pops, so the peeked head cannot change under us.
		for s.Joinable() {
			next, ok := e.queue.Peek()
			if !ok || !next.Joinable() {
				break
			}
			if next, ok = e.queue.Pop(); ok {
				s.Join(next)
			}
		}
		e.execute(s)
	}
}

// execute runs one coalesced section to settlement.
func (e *Executor) execute(s *order.Section) {
	if s.Disposition() == order.CannotJoin {
		e.barrier()
	}
	if s.Cancelled() {
		log.Debugf("Executor settling a cancelled section")
		s.MarkDone()
		return
	}
	e.note(s)
	if e.hook != nil {
		log.Debugf("Executor handing a section to the custom hook")
		e.hook(s)
		return
	}

	started := e.clk.Now()
	orders := s.Orders()
	for len(orders) > 0 && !e.terminating() {
		orders = e.runOrders(orders)
	}
	if dwell := s.MaxWait(); dwell > 0 {
		e.sleep(dwell - e.clk.Since(started))
	}
	s.MarkDone()
	telemetry.SectionsExecuted.Add(1)
}

// barrier blocks until every section handed out so far has settled, honoring
// the user hook when one is installed.
func (e *Executor) barrier() {
	if e.syncHook != nil {
		e.syncHook(e.terminating)
		return
	}
	for _, s := range e.snapshotInflight() {
		if e.terminating() {
			return
		}
		e.awaitSettled(s)
	}
}

// note remembers s as in flight, pruning sections that settled already. The
// built-in loop settles synchronously so the list only grows under a custom
// hook.
func (e *Executor) note(s *order.Section) {
	e.mu.Lock()
	kept := e.inflight[:0]
	for _, old := range e.inflight {
		if !old.Settled() {
			kept = append(kept, old)
		}
	}
	e.inflight = append(kept, s)
	e.mu.Unlock()
}

func (e *Executor) snapshotInflight() []*order.Section {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*order.Section, len(e.inflight))
	copy(out, e.inflight)
	return out
}

func (e *Executor) awaitSettled(s *order.Section) {
	if s.Settled() {
		return
	}
	ch := make(chan struct{})
	s.OnDone(func(error) { close(ch) })
	select {
	case <-ch:
	case <-e.done:
	}
}

// runOrders dispatches one wave of orders, waits for every handler to come
// back and returns the orders whose fault left budget for another try.
func (e *Executor) runOrders(orders []order.Order) []order.Order {
	var wg sync.WaitGroup
	faults := make([]error, len(orders))

	for i, o := range orders {
		switch o := o.(type) {
		case *order.Read:
			pp, ok := e.resolve(o.Path)
			if !ok {
				log.Infof("Executor got a read of unavailable pathpoint %s", o.Path)
				continue
			}
			if !pp.CanRead() {
				log.Debugf("Executor skipping read of %s, throttled", o.Path)
				continue
			}
			wg.Add(1)
			go func(i int, o *order.Read, pp *pathpoint.Pathpoint) {
				defer wg.Done()
				faults[i] = e.performRead(pp, o)
			}(i, o, pp)
		case *order.Write:
			pp, ok := e.resolve(o.Path)
			if !ok {
				log.Infof("Executor got a write to unavailable pathpoint %s", o.Path)
				continue
			}
			if pp.Reparse != nil {
				log.Debugf("Executor ignoring a write to derived pathpoint %s", o.Path)
				continue
			}
			if o.Stale(epochSeconds(e.clk.Now())) {
				log.Debugf("Executor skipping a stale write to %s", o.Path)
				continue
			}
			wg.Add(1)
			go func(i int, o *order.Write, pp *pathpoint.Pathpoint) {
				defer wg.Done()
				faults[i] = e.performWrite(pp, o)
			}(i, o, pp)
		case *order.Message:
			wg.Add(1)
			go func(i int, o *order.Message) {
				defer wg.Done()
				faults[i] = e.confirmMessage(o)
			}(i, o)
		case *order.Sysctl:
			e.runSysctl(o)
		case *order.Wait:
			// Dwell only, accounted through Section.MaxWait.
		}
	}
	wg.Wait()

	var requeue []order.Order
	for i, err := range faults {
		var fault *pathpoint.OperationFailed
		if err == nil || !errors.As(err, &fault) {
			continue
		}
		r, ok := orders[i].(order.Retryable)
		if !ok || !r.Fail() {
			continue
		}
		telemetry.OrdersRetried.Add(1)
		requeue = append(requeue, orders[i])
	}
	return requeue
}

// performRead invokes the read handler and stores the outcome as the
// pathpoint's newest sample. Only *OperationFailed comes back, marking the
// order as a retry candidate.
func (e *Executor) performRead(pp *pathpoint.Pathpoint, o *order.Read) error {
	if pp.Reparse != nil {
		return e.performDerivedRead(pp, o.Advise)
	}
	v, err := e.handler.OnRead(e.ctx, pp, o.Advise)
	ts := pathpoint.Millis(e.clk.Now())
	if err == nil {
		if serr := pp.NoteValue(ts, v); serr != nil {
			log.Warnf("Executor could not store a reading of %s: %v", pp.Name, serr)
		}
		return nil
	}
	if pathpoint.IsNotRead(err) {
		log.Errorf("Read handler for %s returned a not-read fault, which is invalid, ignoring", pp.Name)
		return nil
	}
	var fault *pathpoint.OperationFailed
	if !errors.As(err, &fault) {
		log.Errorf("Read handler for %s failed: %v", pp.Name, err)
		fault = pathpoint.NewOperationFailed(pathpoint.Invalid, ts)
	}
	fault.Timestamp = ts
	if serr := pp.NoteFault(fault); serr != nil {
		log.Warnf("Executor could not store a fault of %s: %v", pp.Name, serr)
	}
	return fault
}

// performDerivedRead reads every constituent of a derived pathpoint and
// combines their freshest values through the compiled expression. Throttled
// constituents contribute their current sample without another handler call.
func (e *Executor) performDerivedRead(pp *pathpoint.Pathpoint, advise order.AdviseLevel) error {
	values := make([]float64, len(pp.Reparse.Paths))
	for i, path := range pp.Reparse.Paths {
		sub, ok := e.resolve(path)
		if !ok {
			log.Infof("Executor cannot materialize %s, a constituent of %s", path, pp.Name)
			return nil
		}
		if sub.CanRead() {
			if err := e.performRead(sub, order.NewRead(path, advise)); err != nil {
				return e.noteDerivedFault(pp, err)
			}
		}
		tv, err := sub.Current()
		if err != nil {
			return e.noteDerivedFault(pp, err)
		}
		if !tv.Value.IsNumeric() {
			return e.noteDerivedFault(pp, pathpoint.NewOperationFailed(pathpoint.TypeMismatch, tv.Timestamp))
		}
		values[i] = tv.Value.Float()
	}

	ts := pathpoint.Millis(e.clk.Now())
	result, err := pp.Reparse.Evaluate(values)
	if err != nil {
		log.Warnf("Executor cannot evaluate %s: %v", pp.Name, err)
		return e.noteDerivedFault(pp, pathpoint.NewOperationFailed(pathpoint.Invalid, ts))
	}
	v, err := pathpoint.Coerce(result, pp.Type)
	if err != nil {
		return e.noteDerivedFault(pp, pathpoint.NewOperationFailed(pathpoint.TypeMismatch, ts))
	}
	if serr := pp.NoteValue(ts, v); serr != nil {
		log.Warnf("Executor could not store a reading of %s: %v", pp.Name, serr)
	}
	return nil
}

// noteDerivedFault records a constituent's failure as the derived pathpoint's
// newest sample and hands the fault back for the retry policy. A not-read
// constituent surfaces as an invalid fault, since a read did take place.
func (e *Executor) noteDerivedFault(pp *pathpoint.Pathpoint, err error) error {
	kind := pathpoint.Invalid
	var from *pathpoint.OperationFailed
	if errors.As(err, &from) && from.Kind != pathpoint.NotRead {
		kind = from.Kind
	}
	fault := pathpoint.NewOperationFailed(kind, pathpoint.Millis(e.clk.Now()))
	if serr := pp.NoteFault(fault); serr != nil {
		log.Warnf("Executor could not store a fault of %s: %v", pp.Name, serr)
	}
	return fault
}

// performWrite coerces the raw value and invokes the write handler. Anything
// but an *OperationFailed is taken to mean the write got through.
func (e *Executor) performWrite(pp *pathpoint.Pathpoint, o *order.Write) error {
	v, err := pathpoint.Coerce(o.Value, pp.Type)
	if err != nil {
		log.Warnf("Executor dropping a write to %s: %v", pp.Name, err)
		return nil
	}
	log.Infof("Executing a write of %v to %s", o.Value, pp.Name)
	err = e.handler.OnWrite(e.ctx, pp, v, o.Advise)
	if err == nil {
		return nil
	}
	var fault *pathpoint.OperationFailed
	if errors.As(err, &fault) {
		return fault
	}
	log.Errorf("Write handler for %s failed: %v, assuming the write got through", pp.Name, err)
	return nil
}

func (e *Executor) confirmMessage(o *order.Message) error {
	err := retry.Do(func() error {
		return e.client.ConfirmMessage(e.ctx, o.UUID)
	}, retry.Attempts(messageAttempts), retry.Delay(messageRetryDelay), retry.Context(e.ctx))
	if err != nil {
		log.Warnf("Executor could not confirm message %s: %v", o.UUID, err)
	}
	return err
}

func (e *Executor) runSysctl(o *order.Sysctl) {
	if e.sysctl == nil {
		log.Warnf("Executor has no handler for %s", o)
		return
	}
	if !e.sysctl(o.Op, o.Args) {
		log.Warnf("Executor got an unrecognized %s", o)
	}
}

func (e *Executor) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-e.done:
	case <-e.clk.After(d):
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
