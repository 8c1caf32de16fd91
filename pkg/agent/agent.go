// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package agent assembles the full edge agent behind one Device value:
// credentials, local stores, the cloud client, the sync strategy and the
// worker goroutines, wired together and torn down in order. Embedding
// programs construct a Device, feed it a pathpoint I/O handler and use the
// public surface; everything else runs in the background.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cihub/seelog"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/archiver"
	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/communicator"
	"github.com/pylonhq/pylon-agent/pkg/device"
	"github.com/pylonhq/pylon-agent/pkg/devicelogs"
	"github.com/pylonhq/pylon-agent/pkg/executor"
	"github.com/pylonhq/pylon-agent/pkg/memwatch"
	"github.com/pylonhq/pylon-agent/pkg/metadata"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/store/boltstore"
	"github.com/pylonhq/pylon-agent/pkg/syncer"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

var (
	// ErrAlreadyClosed is returned by every public operation invoked after
	// Close.
	ErrAlreadyClosed = errors.New("device already closed")
	// ErrUnavailable is returned by operations against a domain the device
	// was constructed without.
	ErrUnavailable = errors.New("subsystem disabled by configuration")
)

// Device is one edge agent: the owner of the component graph and the whole
// user-facing surface. All methods are safe for concurrent use, including
// from the device's own worker goroutines (handlers, statistics, hooks).
type Device struct {
	opts  Options
	clk   clock.Clock
	creds *certs.Credentials

	client *api.Client

	queue   *order.Queue
	wake    *store.Wakeup
	catalog *store.Catalog

	bolt     *boltstore.DB
	samples  store.PathpointDatabase
	events   store.EventDatabase
	writes   store.SensorWriteDatabase
	sensors  store.SensorDatabase
	baobs    store.BAOBDatabase
	preds    store.PredicateDatabase
	macros   store.MacroDatabase
	archives store.ArchivesDatabase
	metaDB   store.MetadataDatabase

	meta     *metadata.PlainMetadata
	registry *predicate.Registry
	pressure *memwatch.Watcher
	exec     *executor.Executor

	// mu guards the pathpoint map, the cached timezone and the fields
	// assembled at boot time (sync, publisher, comm, arch).
	mu        sync.Mutex
	points    map[string]*pathpoint.Pathpoint
	tz        *time.Location
	sync      syncer.Syncer
	publisher *devicelogs.Publisher
	comm      *communicator.Communicator
	arch      *archiver.Archiver

	booted  atomic.Bool
	closed  atomic.Bool
	ready   atomic.Bool
	readyC  chan struct{}
	closedC chan struct{}
	readied sync.Once
}

// New parses the credentials, builds the stores and the clients and, unless
// DelayBoot is set, brings the worker goroutines up. The device talks to the
// environment named by its certificate.
func New(opts Options) (*Device, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	creds, err := certs.Load(opts.Cert, opts.Key, opts.CAs...)
	if err != nil {
		return nil, err
	}

	d := &Device{
		opts:     opts,
		clk:      clk,
		creds:    creds,
		queue:    order.NewQueue(),
		wake:     store.NewWakeup(),
		catalog:  store.NewCatalog(),
		registry: predicate.NewRegistry(),
		points:   map[string]*pathpoint.Pathpoint{},
		readyC:   make(chan struct{}),
		closedC:  make(chan struct{}),
	}

	if err := d.buildStores(); err != nil {
		_ = creds.Close()
		return nil, err
	}

	if opts.APIBaseURL != "" {
		d.client = api.NewClientWithBaseURL(opts.APIBaseURL)
	} else {
		d.client = api.NewClient(creds)
	}

	d.meta = metadata.New(metadata.Config{
		Client:   d.client,
		DB:       d.metaDB,
		CacheTTL: opts.MetadataCacheTTL,
		Clock:    clk,
	})

	d.pressure = memwatch.New(memwatch.Config{
		ElevatedPercent: opts.MemoryElevatedPercent,
		CriticalPercent: opts.MemoryCriticalPercent,
		Every:           opts.MemoryCheckEvery,
		Clock:           clk,
	})

	if opts.needsExecutor() {
		if opts.Handler == nil && opts.ExecuteSection == nil {
			teardown(d)
			return nil, errors.New("a pathpoint handler (or a section hook) is required unless orders, pathpoints, blobs and predicates are all disabled")
		}
		d.exec = executor.New(executor.Config{
			Queue:   d.queue,
			Resolve: d.resolvePathpoint,
			Handler: opts.Handler,
			Client:  d.client,
			Sysctl:  d.ExecuteSysctl,
			Sync:    opts.SyncSections,
			Hook:    opts.ExecuteSection,
			Clock:   clk,
		})
	} else {
		// With nothing to reconcile the device is as synced as it will
		// ever be.
		d.markReady()
	}

	if !opts.DelayBoot {
		d.boot()
	}
	return d, nil
}

// teardown releases what New allocated before failing. Only callable before
// boot.
func teardown(d *Device) {
	_ = d.meta.Close()
	if d.bolt != nil {
		_ = d.bolt.Close()
	}
	_ = d.creds.Close()
}

// buildStores picks the backends: durable ones under DataDir when given,
// in-memory ones otherwise. The sensor catalog and the predicate row cache
// are always in-memory; the cloud rebuilds both on the first sync.
func (d *Device) buildStores() error {
	d.sensors = store.NewMemorySensorDatabase()
	d.preds = store.NewMemoryPredicateDatabase()

	if d.opts.DataDir == "" {
		ev := store.NewMemoryEventDatabase(d.wake, d.clk)
		if d.opts.EventRetention > 0 {
			ev.SetRetention(d.opts.EventRetention)
		}
		d.samples = store.NewMemoryPathpointDatabase(d.wake)
		d.events = ev
		d.writes = store.NewMemorySensorWriteDatabase()
		d.baobs = store.NewMemoryBAOBDatabase()
		d.macros = store.NewMemoryMacroDatabase()
		d.archives = store.NewMemoryArchivesDatabase()
		d.metaDB = store.NewMemoryMetadataDatabase()
		return nil
	}

	db, err := boltstore.Open(d.opts.DataDir)
	if err != nil {
		return err
	}
	d.bolt = db
	if d.samples, err = db.Pathpoints(d.storageLevelOf, d.wake, d.clk); err != nil {
		return err
	}
	if d.events, err = db.Events(d.wake, d.clk); err != nil {
		return err
	}
	if d.macros, err = db.Macros(); err != nil {
		return err
	}
	if d.writes, err = db.SensorWrites(); err != nil {
		return err
	}
	if d.archives, err = db.Archives(); err != nil {
		return err
	}
	metaDB, err := db.Metadata()
	if err != nil {
		return err
	}
	d.metaDB = metaDB

	baobs, err := boltstore.OpenBAOBs(d.opts.DataDir)
	if err != nil {
		return err
	}
	baobs.CheckConsistency()
	d.baobs = baobs
	return nil
}

// boot assembles the sync strategy and the workers and starts them: uplink
// first (the strategy dials on construction), then memory watcher, log
// publisher, executor, communicator, archiver.
func (d *Device) boot() {
	if !d.booted.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	if d.opts.UseUplink {
		d.sync = syncer.NewUplink(d.creds, d.queue, !d.opts.DisableOrders)
	} else {
		d.sync = syncer.NewHTTP(d.client)
	}

	d.publisher = devicelogs.New(devicelogs.Config{
		Sync:             d.sync,
		Pressure:         d.pressure,
		OnSuccessfulSync: d.syncSucceeded,
		OnFailedSync:     d.syncFailed,
		BatchDelay:       d.opts.LogBatchDelay,
		MaxBatch:         d.opts.LogMaxBatch,
		MaxBatchBytes:    d.opts.LogMaxBatchBytes,
		MaxBuffer:        d.opts.LogMaxBuffer,
		Clock:            d.clk,
	})

	if d.opts.needsExecutor() {
		d.comm = communicator.New(d.communicatorConfig())
	}
	if d.opts.needsArchiver() {
		d.arch = archiver.New(d.archiverConfig())
	}
	d.mu.Unlock()

	d.pressure.Start()
	d.publisher.Start()
	d.installForwarder()

	if d.opts.StartupDelay > 0 {
		go d.startWorkersAfter(d.opts.StartupDelay)
		return
	}
	d.startWorkers()
}

func (d *Device) communicatorConfig() communicator.Config {
	cfg := communicator.Config{
		Client:           d.client,
		Sync:             d.sync,
		Catalog:          d.catalog,
		Wake:             d.wake,
		Provider:         sensorProvider{d},
		ApplyStorage:     d.applyStorage,
		OnBlobUpdated:    d.opts.OnBAOBUpdated,
		OnReady:          d.markReady,
		OnSuccessfulSync: d.syncSucceeded,
		OnFailedSync:     d.syncFailed,
		Interval:         d.opts.SyncInterval,
		SensorsEvery:     d.opts.SensorsEvery,
		PredicatesEvery:  d.opts.PredicatesEvery,
		BlobsEvery:       d.opts.BlobsEvery,
		Clock:            d.clk,
	}
	if !d.opts.DisablePathpoints {
		cfg.Samples = d.samples
		cfg.Sensors = d.sensors
	}
	if !d.opts.DisablePredicates {
		cfg.Events = d.events
		cfg.Predicates = d.preds
		cfg.Registry = d.registry
		cfg.Host = predicateHost{d}
	}
	if !d.opts.DisableSensorWrites {
		cfg.Writes = d.writes
	}
	if !d.opts.DisableBAOBs {
		cfg.Baobs = d.baobs
	}
	if !d.opts.DisableOrders {
		cfg.Queue = d.queue
	}
	return cfg
}

func (d *Device) archiverConfig() archiver.Config {
	cfg := archiver.Config{
		Client:           d.client,
		Queue:            d.queue,
		Metadata:         d.meta,
		Wake:             d.wake,
		OnSuccessfulSync: d.syncSucceeded,
		OnFailedSync:     d.syncFailed,
		Interval:         d.opts.ArchiverInterval,
		MacrosEvery:      d.opts.MacrosEvery,
		ArchivesEvery:    d.opts.ArchivesEvery,
		Clock:            d.clk,
	}
	if !d.opts.DisableMacros {
		cfg.Macros = d.macros
	}
	if !d.opts.DisableArchives {
		cfg.Archives = d.archives
		cfg.Provider = archiveProvider{d}
	}
	return cfg
}

// startWorkers starts the order-driven workers. The closed check shares the
// device mutex with Close, so a worker is either started before Close runs
// or not at all.
func (d *Device) startWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return
	}
	if d.exec != nil {
		d.exec.Start()
	}
	if d.comm != nil {
		d.comm.Start()
	}
	if d.arch != nil {
		d.arch.Start()
	}
}

func (d *Device) startWorkersAfter(delay time.Duration) {
	t := d.clk.Timer(delay)
	defer t.Stop()
	select {
	case <-d.closedC:
		return
	case <-t.C:
	}
	d.startWorkers()
}

// ContinueBoot starts the deferred cloud traffic of a device constructed
// with DelayBoot. Calling it without DelayBoot is an error.
func (d *Device) ContinueBoot() error {
	if err := d.guard(); err != nil {
		return err
	}
	if !d.opts.DelayBoot {
		return errors.New("delayed boot was not requested")
	}
	d.boot()
	return nil
}

// DeviceID returns the identity the certificate declares.
func (d *Device) DeviceID() string { return d.creds.Identity.DeviceID }

// Environment returns the platform instance the device talks to.
func (d *Device) Environment() device.Environment { return d.creds.Identity.Environment }

// Ready reports whether the first reconciliation pass has completed.
func (d *Device) Ready() bool {
	return d.ready.Load() && !d.closed.Load()
}

// WaitUntilReady blocks until the device has a consistent view of the cloud,
// the context ends, or the device is closed.
func (d *Device) WaitUntilReady(ctx context.Context) error {
	if d.closed.Load() {
		return ErrAlreadyClosed
	}
	select {
	case <-d.readyC:
		return nil
	case <-d.closedC:
		return ErrAlreadyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) markReady() {
	d.readied.Do(func() {
		d.ready.Store(true)
		close(d.readyC)
		if f := d.opts.OnReady; f != nil {
			f()
		}
	})
}

func (d *Device) guard() error {
	if d.closed.Load() {
		return ErrAlreadyClosed
	}
	return nil
}

func (d *Device) syncSucceeded() {
	if f := d.opts.OnSuccessfulSync; f != nil {
		f()
	}
}

func (d *Device) syncFailed(err error) {
	if f := d.opts.OnFailedSync; f != nil {
		f(err)
	}
}

// Close terminates the workers and joins them, closes the transport, gives
// the stores a final checkpoint and removes any spooled credential files.
// Idempotent; the first call owns the teardown, later calls return nil.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.closedC)

	// Waits out any in-flight startWorkers, then snapshots the boot-time
	// fields.
	d.mu.Lock()
	sy, pub, comm, arch := d.sync, d.publisher, d.comm, d.arch
	d.mu.Unlock()

	log.RegisterForwarder(nil, seelog.Off)

	var errs *multierror.Error
	if arch != nil {
		errs = multierror.Append(errs, arch.Close())
	}
	if comm != nil {
		errs = multierror.Append(errs, comm.Close())
	}
	if d.exec != nil {
		errs = multierror.Append(errs, d.exec.Close())
	}
	if pub != nil {
		errs = multierror.Append(errs, pub.Close())
	}
	errs = multierror.Append(errs, d.pressure.Close())
	if sy != nil {
		errs = multierror.Append(errs, sy.Close())
	}
	errs = multierror.Append(errs, d.meta.Close())

	d.samples.Checkpoint()
	d.events.Checkpoint()
	d.writes.Checkpoint()
	d.macros.Checkpoint()
	if d.bolt != nil {
		errs = multierror.Append(errs, d.bolt.Close())
	}

	errs = multierror.Append(errs, d.creds.Close())
	return errs.ErrorOrNil()
}

// storageLevelOf reports the live storage level of a pathpoint, for the
// durable sample store's trend compaction.
func (d *Device) storageLevelOf(path string) pathpoint.StorageLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.points[path]; ok {
		return p.Storage
	}
	return pathpoint.Trend
}

// sensorProvider materializes sensor constituents at the default storage
// level.
type sensorProvider struct{ d *Device }

func (s sensorProvider) GetPathpoint(name string) (*pathpoint.Pathpoint, error) {
	return s.d.GetPathpoint(name)
}

// archiveProvider materializes archived pathpoints at the level the archive
// schedule asks for.
type archiveProvider struct{ d *Device }

func (a archiveProvider) GetPathpoint(name string, storage pathpoint.StorageLevel) (*pathpoint.Pathpoint, error) {
	return a.d.GetPathpoint(name, storage)
}

// predicateHost is the slice of the device statistics get to see.
type predicateHost struct{ d *Device }

func (h predicateHost) AddEvent(e *predicate.Event)   { h.d.events.Add(e) }
func (h predicateHost) CloseEvent(e *predicate.Event) { h.d.events.Close(e, 0) }
func (h predicateHost) LocalTime() time.Time          { return h.d.LocalTime() }
