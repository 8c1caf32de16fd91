// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package communicator reconciles the device with the cloud about once a
// minute: pending samples and events go up, the pathpoint catalog is declared
// when dirty, sensors, predicates and blobs come down on their own cadences,
// and queued orders are pulled whenever the transport does not push them.
package communicator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/sensor"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/syncer"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// Default cadences. The pass interval bounds how stale the cloud's view of
// the device may get; the per-domain cadences bound how stale the device's
// view of the cloud may get.
const (
	DefaultInterval        = time.Minute
	DefaultSensorsEvery    = 5 * time.Minute
	DefaultPredicatesEvery = 5 * time.Minute
	DefaultBlobsEvery      = time.Hour

	stepAttempts   = 3
	stepRetryDelay = time.Second
)

// Config wires a Communicator. Client and Sync are mandatory. Every store is
// optional: a nil store skips the step that would drive it, which is how the
// agent disables whole domains.
type Config struct {
	Client *api.Client
	Sync   syncer.Syncer

	Samples    store.PathpointDatabase
	Events     store.EventDatabase
	Writes     store.SensorWriteDatabase
	Sensors    store.SensorDatabase
	Baobs      store.BAOBDatabase
	Predicates store.PredicateDatabase
	Catalog    *store.Catalog

	// Queue receives pulled sections. Nil disables order polling entirely;
	// with a queue present, polling still stops when Sync pushes orders.
	Queue *order.Queue

	// Registry and Host bring predicates to life. Both nil disables the
	// predicate steps.
	Registry *predicate.Registry
	Host     predicate.Host

	// Provider materializes constituent pathpoints for synced sensors.
	Provider sensor.PathpointProvider

	// Wake cuts the inter-pass sleep short. Stores signal it on new data.
	Wake *store.Wakeup

	// ApplyStorage pushes an authoritative storage level onto the live
	// pathpoint after a catalog round trip.
	ApplyStorage func(path string, storage pathpoint.StorageLevel)
	// OnBlobUpdated fires after a blob download on every reconciliation but
	// the first.
	OnBlobUpdated func(key string)
	// OnReady fires once, after the first successful predicate sync (or the
	// first fully successful pass when predicates are disabled).
	OnReady func()
	// OnSuccessfulSync and OnFailedSync observe whole passes.
	OnSuccessfulSync func()
	OnFailedSync     func(err error)

	// Interval, SensorsEvery, PredicatesEvery and BlobsEvery default to the
	// package constants when zero.
	Interval        time.Duration
	SensorsEvery    time.Duration
	PredicatesEvery time.Duration
	BlobsEvery      time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Communicator runs the reconciliation loop.
type Communicator struct {
	client   *api.Client
	sync     syncer.Syncer
	samples  store.PathpointDatabase
	events   store.EventDatabase
	writes   store.SensorWriteDatabase
	sensors  store.SensorDatabase
	baobs    store.BAOBDatabase
	preds    store.PredicateDatabase
	catalog  *store.Catalog
	queue    *order.Queue
	registry *predicate.Registry
	host     predicate.Host
	provider sensor.PathpointProvider
	wake     *store.Wakeup
	wakeC    <-chan struct{}
	clk      clock.Clock

	applyStorage  func(path string, storage pathpoint.StorageLevel)
	onBlobUpdated func(key string)
	onReady       func()
	onPassOK      func()
	onPassFailed  func(err error)

	interval        time.Duration
	sensorsEvery    time.Duration
	predicatesEvery time.Duration
	blobsEvery      time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	// mu guards the instance map (read by Instance) and the blob stamp
	// (zeroed by ForceBlobSync). The definition map and the other stamps
	// belong to the run goroutine alone.
	mu        sync.Mutex
	instances map[string]predicate.Statistic
	lastBlobs time.Time
	ready     bool

	defs           map[string]predicate.Definition
	lastSensors    time.Time
	lastPredicates time.Time
	blobsSynced    bool
}

// New builds a communicator around cfg. Call Start to begin passing.
// Predicate instances persisted by an earlier run are restored immediately,
// as placeholders when their statistic is not registered yet.
func New(cfg Config) *Communicator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Communicator{
		client:          cfg.Client,
		sync:            cfg.Sync,
		samples:         cfg.Samples,
		events:          cfg.Events,
		writes:          cfg.Writes,
		sensors:         cfg.Sensors,
		baobs:           cfg.Baobs,
		preds:           cfg.Predicates,
		catalog:         cfg.Catalog,
		queue:           cfg.Queue,
		registry:        cfg.Registry,
		host:            cfg.Host,
		provider:        cfg.Provider,
		wake:            cfg.Wake,
		clk:             clk,
		applyStorage:    cfg.ApplyStorage,
		onBlobUpdated:   cfg.OnBlobUpdated,
		onReady:         cfg.OnReady,
		onPassOK:        cfg.OnSuccessfulSync,
		onPassFailed:    cfg.OnFailedSync,
		interval:        cfg.Interval,
		sensorsEvery:    cfg.SensorsEvery,
		predicatesEvery: cfg.PredicatesEvery,
		blobsEvery:      cfg.BlobsEvery,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
		instances:       map[string]predicate.Statistic{},
		defs:            map[string]predicate.Definition{},
	}
	if c.wake != nil {
		c.wakeC = c.wake.Subscribe()
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.sensorsEvery <= 0 {
		c.sensorsEvery = DefaultSensorsEvery
	}
	if c.predicatesEvery <= 0 {
		c.predicatesEvery = DefaultPredicatesEvery
	}
	if c.blobsEvery <= 0 {
		c.blobsEvery = DefaultBlobsEvery
	}
	c.restorePredicates()
	return c
}

// Start launches the pass loop. The first pass begins immediately.
func (c *Communicator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Close stops the communicator. A pass in flight has its requests cancelled.
// Idempotent.
func (c *Communicator) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.cancel()
	if c.started.Load() {
		<-c.stopped
	}
	return nil
}

// ForceBlobSync makes the next pass reconcile blobs regardless of cadence
// and wakes the loop. Wired to the baob-updated and baob-created sysctls.
func (c *Communicator) ForceBlobSync() {
	c.mu.Lock()
	c.lastBlobs = time.Time{}
	c.mu.Unlock()
	if c.wake != nil {
		c.wake.Signal()
	}
}

// Instance returns the statistic hosted for a predicate id, if any.
func (c *Communicator) Instance(predicateID string) (predicate.Statistic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.instances[predicateID]
	return st, ok
}

func (c *Communicator) terminating() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Communicator) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		started := c.clk.Now()
		c.drainWake()
		if err := c.pass(); err != nil {
			if c.terminating() {
				return
			}
			if c.onPassFailed != nil {
				c.onPassFailed(err)
			}
		} else {
			telemetry.CommunicatorPasses.Add(1)
			c.markReady()
			if c.onPassOK != nil {
				c.onPassOK()
			}
		}

		if rest := c.interval - c.clk.Since(started); rest > 0 {
			c.sleep(rest)
		}
	}
}

// pass runs the reconciliation steps in order. The first step that still
// fails after its retries aborts the pass; the stores keep whatever was not
// shipped and the next pass picks it up.
func (c *Communicator) pass() error {
	if c.samples != nil {
		if err := c.step("samples", c.syncSamples); err != nil {
			return err
		}
	}
	if c.catalog != nil && c.catalog.Dirty() {
		if err := c.step("catalog", c.syncCatalog); err != nil {
			return err
		}
	}
	if c.sensors != nil && c.provider != nil && c.due(c.lastSensors, c.sensorsEvery) {
		if err := c.step("sensors", c.syncSensors); err != nil {
			return err
		}
		c.lastSensors = c.clk.Now()
	}
	if c.predicatesEnabled() && c.due(c.lastPredicates, c.predicatesEvery) {
		if err := c.step("predicates", c.syncPredicates); err != nil {
			return err
		}
		c.lastPredicates = c.clk.Now()
	}
	if c.baobs != nil && c.dueBlobs() {
		if err := c.step("baobs", c.syncBlobs); err != nil {
			return err
		}
		c.stampBlobs()
	}
	if c.writes != nil {
		if err := c.step("write log", c.syncWriteLog); err != nil {
			return err
		}
	}
	if c.queue != nil && !c.sync.HasAsyncOrders() {
		if err := c.step("orders", c.fetchOrders); err != nil {
			return err
		}
	}
	if c.predicatesEnabled() {
		c.tickPredicates()
	}
	if c.events != nil {
		if err := c.step("events", c.syncEvents); err != nil {
			return err
		}
	}
	c.checkpoint()
	return nil
}

// step retries one network-facing step before giving up on the pass.
func (c *Communicator) step(name string, fn func() error) error {
	err := retry.Do(fn,
		retry.Attempts(stepAttempts),
		retry.Delay(stepRetryDelay),
		retry.Context(c.ctx),
	)
	if err != nil {
		telemetry.SyncFailures.Add(1)
		log.Warnf("Could not sync %s: %v", name, err)
	}
	return err
}

func (c *Communicator) predicatesEnabled() bool {
	return c.registry != nil && c.host != nil && c.events != nil
}

func (c *Communicator) due(last time.Time, every time.Duration) bool {
	return last.IsZero() || c.clk.Since(last) >= every
}

func (c *Communicator) dueBlobs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBlobs.IsZero() || c.clk.Since(c.lastBlobs) >= c.blobsEvery
}

func (c *Communicator) stampBlobs() {
	c.mu.Lock()
	c.lastBlobs = c.clk.Now()
	c.mu.Unlock()
}

// syncSamples ships the pending sample snapshot. A batch the server judges
// damaged is acked anyway so it cannot poison the queue.
func (c *Communicator) syncSamples() error {
	snap := c.samples.SnapshotForSync()
	if snap == nil {
		return nil
	}
	batches := snap.Batches()
	err := c.sync.SyncPathpoints(c.ctx, batches)
	if err == nil {
		snap.Ack()
		telemetry.SamplesSynced.Add(countSamples(batches))
		return nil
	}
	var se *syncer.SyncError
	if errors.As(err, &se) && se.ClientsFault {
		log.Warnf("Dropping %d samples the server rejected: %v", countSamples(batches), err)
		snap.Ack()
		return nil
	}
	snap.Nack()
	return err
}

// syncCatalog declares the local pathpoint shape and applies the
// authoritative storage levels the server answers with.
func (c *Communicator) syncCatalog() error {
	entries := c.catalog.TakeDirty()
	if len(entries) == 0 {
		return nil
	}
	rows, err := c.client.PutPathpoints(c.ctx, entries)
	if err != nil {
		c.catalog.MarkDirty()
		return err
	}
	for _, row := range rows {
		if pathpoint.IsReparsePath(row.Path) {
			continue
		}
		storage := pathpoint.Trend
		if row.Storage != nil {
			storage = pathpoint.StorageLevel(*row.Storage)
		}
		c.catalog.Apply(row.Path, storage)
		if c.applyStorage != nil {
			c.applyStorage(row.Path, storage)
		}
	}
	return nil
}

// syncSensors rebuilds the sensor store from the authoritative listing.
func (c *Communicator) syncSensors() error {
	rows, err := c.client.GetSensors(c.ctx)
	if err != nil {
		return err
	}
	built := make([]*sensor.Sensor, 0, len(rows))
	for _, row := range rows {
		s, err := sensor.New(c.provider, row.FQTS, row.Path, row.TypeName)
		if err != nil {
			log.Warnf("Dropping malformed sensor %s: %v", row.FQTS, err)
			continue
		}
		built = append(built, s)
	}
	c.sensors.ReplaceAll(built)
	return nil
}

// syncPredicates reconciles the hosted statistic instances against the
// authoritative listing: absent ones are taken offline, new ones are
// instantiated through the registry (or as placeholders) and changed ones
// get their change callbacks.
func (c *Communicator) syncPredicates() error {
	online, _, err := c.client.GetPredicates(c.ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(online))
	for _, def := range online {
		seen[def.PredicateID] = struct{}{}
		st, ok := c.Instance(def.PredicateID)
		if !ok {
			st = c.registry.TryMatch(c.host, def)
			if st == nil {
				st = predicate.NewUndefined(c.host, def)
			}
			c.setInstance(def.PredicateID, st)
			c.defs[def.PredicateID] = def
			continue
		}
		c.diffPredicate(def.PredicateID, st, def)
	}

	for _, id := range c.instanceIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		st, ok := c.Instance(id)
		if !ok {
			continue
		}
		c.callInstance(id, st, st.OnOffline)
		c.dropInstance(id)
		delete(c.defs, id)
		c.events.OnPredicateDeleted(id)
	}

	if c.preds != nil {
		c.preds.SetNew(online)
	}
	c.markReady()
	return nil
}

// diffPredicate fires the change callbacks for fields the server moved.
func (c *Communicator) diffPredicate(id string, st predicate.Statistic, def predicate.Definition) {
	old := c.defs[id]
	if !reflect.DeepEqual(old.Configuration, def.Configuration) {
		c.callInstance(id, st, func() { st.OnConfigurationChanged(def.Configuration) })
	}
	if !predicate.SilencingEqual(old.Silencing, def.Silencing) {
		c.callInstance(id, st, func() { st.OnSilencingChanged(def.Silencing) })
	}
	if old.VerboseName != def.VerboseName {
		c.callInstance(id, st, func() { st.OnVerboseNameChanged(def.VerboseName) })
	}
	if old.Group != def.Group {
		c.callInstance(id, st, func() { st.OnGroupChanged(def.Group) })
	}
	c.defs[id] = def
}

// tickPredicates runs one analysis pass per instance. Placeholders get
// another chance to match a factory registered since the last pass.
func (c *Communicator) tickPredicates() {
	for _, id := range c.instanceIDs() {
		st, ok := c.Instance(id)
		if !ok {
			continue
		}
		if u, isPlaceholder := st.(*predicate.Undefined); isPlaceholder {
			if upgraded := c.registry.TryMatch(c.host, u.Definition()); upgraded != nil {
				c.setInstance(id, upgraded)
				st = upgraded
			}
		}
		c.callInstance(id, st, st.Tick)
	}
}

// callInstance surrounds a statistic callback with the persisted-state load
// and store, so implementations keep no state of their own across restarts.
func (c *Communicator) callInstance(id string, st predicate.Statistic, fn func()) {
	if blob, ok := c.events.GetCache(id); ok {
		st.SetState(blob)
	}
	fn()
	c.events.SetCache(id, st.State())
}

// restorePredicates brings persisted predicate rows back to life before the
// first sync, so ticks and events do not wait on the network.
func (c *Communicator) restorePredicates() {
	if c.preds == nil || !c.predicatesEnabled() {
		return
	}
	for _, def := range c.preds.GetAll() {
		st := c.registry.TryMatch(c.host, def)
		if st == nil {
			st = predicate.NewUndefined(c.host, def)
		}
		c.instances[def.PredicateID] = st
		c.defs[def.PredicateID] = def
	}
}

// syncBlobs reconciles the local blob set against the server's verdict.
func (c *Communicator) syncBlobs() error {
	verdict, err := c.client.ReconcileBAOBs(c.ctx, c.baobs.Digests())
	if err != nil {
		return err
	}
	var errs error
	for _, key := range verdict.Download {
		data, version, err := c.client.DownloadBAOB(c.ctx, key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("download %s: %w", key, err))
			continue
		}
		c.baobs.Set(key, data, version)
		if c.blobsSynced && c.onBlobUpdated != nil {
			c.onBlobUpdated(key)
		}
	}
	for _, key := range verdict.Upload {
		data, err := c.baobs.Get(key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("upload %s: %w", key, err))
			continue
		}
		if err := c.client.UploadBAOB(c.ctx, key, data, c.baobs.GetVersion(key)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("upload %s: %w", key, err))
		}
	}
	for _, key := range verdict.Delete {
		c.baobs.Delete(key)
	}
	if errs != nil {
		return errs
	}
	c.blobsSynced = true
	return nil
}

// syncWriteLog ships the sensor-write audit snapshot. Rejected batches are
// dropped, not retried.
func (c *Communicator) syncWriteLog() error {
	snap := c.writes.SnapshotForSync()
	if snap == nil {
		return nil
	}
	err := c.client.PutSensorWriteLog(c.ctx, snap.Events())
	if err == nil {
		snap.Ack()
		return nil
	}
	var re *api.ResponseError
	if errors.As(err, &re) && re.IsClientsFault() {
		log.Warnf("Dropping %d write log records the server rejected: %v", len(snap.Events()), err)
		snap.Ack()
		return nil
	}
	snap.Nack()
	return err
}

// fetchOrders pulls queued sections from the cloud.
func (c *Communicator) fetchOrders() error {
	sections, err := c.client.FetchOrders(c.ctx)
	if err != nil {
		return err
	}
	c.queue.PutAll(sections)
	return nil
}

// syncEvents ships the pending event snapshot and records the UUIDs the
// server assigned, positionally.
func (c *Communicator) syncEvents() error {
	snap := c.events.SnapshotForSync()
	if snap == nil {
		return nil
	}
	uuids, err := c.client.PostEvents(c.ctx, snap.Events())
	if err != nil {
		snap.Nack()
		return err
	}
	telemetry.EventsSynced.Add(int64(len(snap.Events())))
	snap.Ack(uuids...)
	return nil
}

func (c *Communicator) checkpoint() {
	if c.samples != nil {
		c.samples.Checkpoint()
	}
	if c.events != nil {
		c.events.Checkpoint()
	}
	if c.writes != nil {
		c.writes.Checkpoint()
	}
}

func (c *Communicator) markReady() {
	c.mu.Lock()
	first := !c.ready
	c.ready = true
	c.mu.Unlock()
	if first && c.onReady != nil {
		c.onReady()
	}
}

func (c *Communicator) setInstance(id string, st predicate.Statistic) {
	c.mu.Lock()
	c.instances[id] = st
	c.mu.Unlock()
}

func (c *Communicator) dropInstance(id string) {
	c.mu.Lock()
	delete(c.instances, id)
	c.mu.Unlock()
}

func (c *Communicator) instanceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	return ids
}

// drainWake consumes a wakeup raised before the pass, which the pass itself
// is about to satisfy.
func (c *Communicator) drainWake() {
	if c.wake == nil {
		return
	}
	select {
	case <-c.wakeC:
	default:
	}
}

func (c *Communicator) sleep(d time.Duration) {
	t := c.clk.Timer(d)
	defer t.Stop()
	if c.wake == nil {
		select {
		case <-c.done:
		case <-t.C:
		}
		return
	}
	select {
	case <-c.done:
	case <-c.wakeC:
	case <-t.C:
	}
}

func countSamples(batches []pathpoint.WireBatch) int64 {
	var n int64
	for _, b := range batches {
		n += int64(len(b.Values))
	}
	return n
}
