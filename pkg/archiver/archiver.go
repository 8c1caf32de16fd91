// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package archiver carries out the device's standing schedules: macros, the
// deferred bulk writes fired at their occurrence times, and archive polling,
// the recurring reads the cloud asks for. Both emit sections onto the same
// queue the executor drains, so a device keeps honoring its schedules even
// with no link to the cloud. Queued metadata writes are pumped here too.
package archiver

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/macro"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// Default cadences. The macro window is refreshed rarely because occurrences
// are fetched well into the future; archive instructions change rarely too.
const (
	DefaultInterval      = time.Minute
	DefaultMacrosEvery   = 30 * time.Minute
	DefaultArchivesEvery = 10 * time.Minute

	refreshAttempts   = 3
	refreshRetryDelay = time.Second

	// macroWindowBack and macroWindowAhead size the occurrence window in
	// units of the macro refresh cadence. The window starts at the previous
	// refresh, so consecutive fetches overlap and occurrences cannot slip
	// between them.
	macroWindowBack  = 2
	macroWindowAhead = 5
)

// PathpointProvider materializes the pathpoints named by the archive
// schedule. Archived pathpoints are requested at the permanent storage level
// so their history outlives trend truncation.
type PathpointProvider interface {
	GetPathpoint(name string, storage pathpoint.StorageLevel) (*pathpoint.Pathpoint, error)
}

// MetadataPump drains queued plain-metadata writes.
type MetadataPump interface {
	TryUpdate()
}

// Config wires an Archiver. Client is mandatory. The chores are independent:
// a nil Macros store skips macros, a nil Archives store (or Provider) skips
// archive polling, a nil Metadata skips the pump. Sections go to Queue.
type Config struct {
	Client *api.Client

	// Queue receives the emitted sections: one forced write section per
	// macro firing, one joinable read section per pass with due archives.
	Queue *order.Queue

	// Macros holds the pending schedule and the firings owed to the cloud.
	Macros store.MacroDatabase
	// Archives persists the archive instructions between runs.
	Archives store.ArchivesDatabase
	// Provider materializes the pathpoints the instructions name.
	Provider PathpointProvider
	// Metadata, when set, is pumped once per pass.
	Metadata MetadataPump

	// Wake cuts the inter-pass sleep short.
	Wake *store.Wakeup

	// OnSuccessfulSync and OnFailedSync observe schedule refreshes and
	// firing confirmations; OnFailedSync fires only when the link is down.
	OnSuccessfulSync func()
	OnFailedSync     func(err error)

	// Interval, MacrosEvery and ArchivesEvery default to the package
	// constants when zero.
	Interval      time.Duration
	MacrosEvery   time.Duration
	ArchivesEvery time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// archiveEntry is one pathpoint under archive instructions: read it whenever
// its latest sample is older than every.
type archiveEntry struct {
	pp    *pathpoint.Pathpoint
	every time.Duration
}

func (e archiveEntry) due(now time.Time) bool {
	tv, err := e.pp.Current()
	if err != nil {
		// Never read, or the last attempt faulted. Either way a fresh
		// reading is wanted.
		return true
	}
	return now.Sub(time.UnixMilli(tv.Timestamp)) >= e.every
}

// Archiver runs the schedule loop.
type Archiver struct {
	client   *api.Client
	queue    *order.Queue
	macros   store.MacroDatabase
	archives store.ArchivesDatabase
	provider PathpointProvider
	metadata MetadataPump
	wake     *store.Wakeup
	wakeC    <-chan struct{}
	clk      clock.Clock

	onSyncOK     func()
	onSyncFailed func(err error)

	interval      time.Duration
	macrosEvery   time.Duration
	archivesEvery time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	// Run-goroutine state.
	lastMacros   time.Time
	lastArchives time.Time
	entries      map[string]archiveEntry
}

// New builds an archiver around cfg. Call Start to begin passing. Archive
// instructions persisted by an earlier run take effect immediately, so a
// device that boots offline keeps polling its archived pathpoints.
func New(cfg Config) *Archiver {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		client:        cfg.Client,
		queue:         cfg.Queue,
		macros:        cfg.Macros,
		archives:      cfg.Archives,
		provider:      cfg.Provider,
		metadata:      cfg.Metadata,
		wake:          cfg.Wake,
		clk:           clk,
		onSyncOK:      cfg.OnSuccessfulSync,
		onSyncFailed:  cfg.OnFailedSync,
		interval:      cfg.Interval,
		macrosEvery:   cfg.MacrosEvery,
		archivesEvery: cfg.ArchivesEvery,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		entries:       map[string]archiveEntry{},
	}
	if a.wake != nil {
		a.wakeC = a.wake.Subscribe()
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.macrosEvery <= 0 {
		a.macrosEvery = DefaultMacrosEvery
	}
	if a.archivesEvery <= 0 {
		a.archivesEvery = DefaultArchivesEvery
	}
	if a.archivingEnabled() {
		a.rebuildEntries(a.archives.GetInstructions())
	}
	return a
}

// Start launches the schedule loop. The first pass begins immediately.
func (a *Archiver) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.run()
}

// Close stops the archiver. A request in flight is cancelled. Idempotent.
func (a *Archiver) Close() error {
	if !a.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(a.done)
	a.cancel()
	if a.started.Load() {
		<-a.stopped
	}
	return nil
}

func (a *Archiver) terminating() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Archiver) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.done:
			return
		default:
		}

		started := a.clk.Now()
		a.drainWake()
		a.pass()
		if a.terminating() {
			return
		}

		if rest := a.interval - a.clk.Since(started); rest > 0 {
			a.sleep(rest)
		}
	}
}

// pass runs the three chores in order. They are independent: a refresh that
// stays failed after its retries is skipped, not fatal, and the schedules
// already on hand keep being honored.
func (a *Archiver) pass() {
	if a.macros != nil && a.queue != nil {
		if a.due(a.lastMacros, a.macrosEvery) {
			_ = a.refresh("macro schedule", a.refreshMacros)
		}
		a.fireDueMacros()
		a.reportFirings()
	}

	if a.metadata != nil {
		a.metadata.TryUpdate()
	}

	if a.archivingEnabled() && a.queue != nil {
		if a.due(a.lastArchives, a.archivesEvery) {
			_ = a.refresh("archive schedule", a.refreshArchives)
		}
		a.emitDueReads()
	}

	if a.macros != nil {
		a.macros.Checkpoint()
	}
}

// refresh retries one schedule fetch before giving up until the next pass.
func (a *Archiver) refresh(name string, fn func() error) error {
	err := retry.Do(fn,
		retry.Attempts(refreshAttempts),
		retry.Delay(refreshRetryDelay),
		retry.Context(a.ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		telemetry.SyncFailures.Add(1)
		log.Warnf("Could not refresh %s: %v", name, err)
	}
	return err
}

func (a *Archiver) archivingEnabled() bool {
	return a.archives != nil && a.provider != nil
}

func (a *Archiver) due(last time.Time, every time.Duration) bool {
	return last.IsZero() || a.clk.Since(last) >= every
}

// refreshMacros fetches the occurrence window [start, start+5·cadence) where
// start is the previous successful refresh, or now−2·cadence on the first.
// Macros whose occurrences all lie behind us arrive flagged completed and
// are dropped here.
func (a *Archiver) refreshMacros() error {
	start := a.lastMacros.Unix()
	if a.lastMacros.IsZero() {
		start = a.clk.Now().Add(-macroWindowBack * a.macrosEvery).Unix()
	}
	stop := start + int64((macroWindowAhead*a.macrosEvery)/time.Second)
	macros, err := a.client.GetMacroOccurrences(a.ctx, start, stop)
	if err != nil {
		a.noteSyncError(err)
		return err
	}
	pending := make([]*macro.Macro, 0, len(macros))
	for _, m := range macros {
		if m.HasPending() {
			pending = append(pending, m)
		}
	}
	a.macros.SetMacros(pending)
	a.lastMacros = a.clk.Now()
	a.noteSyncOK()
	return nil
}

// fireDueMacros pops every occurrence lying in the past and enqueues one
// forced write section per firing. Firings are recorded locally first; the
// cloud learns of them in reportFirings.
func (a *Archiver) fireDueMacros() {
	now := float64(a.clk.Now().UnixNano()) / float64(time.Second)
	for _, m := range a.macros.GetMacros() {
		for {
			ts, ok := m.PopDue(now)
			if !ok {
				break
			}
			a.queue.Put(m.FireSection())
			a.macros.NotifyExecuted(m.ID, ts)
			telemetry.MacrosFired.Add(1)
			log.Infof("Macro %s fired for occurrence %.0f", m.ID, ts)
		}
	}
}

// reportFirings confirms carried-out occurrences with the cloud. With no
// link a firing stays queued for the next pass; a firing the server rejects
// outright is dropped, the occurrence was carried out either way.
func (a *Archiver) reportFirings() {
	for _, f := range a.macros.GetDoneMacros() {
		err := retry.Do(
			func() error { return a.client.ConfirmMacroFiring(a.ctx, f.MacroID, f.Timestamp) },
			retry.Attempts(refreshAttempts),
			retry.Delay(refreshRetryDelay),
			retry.Context(a.ctx),
			retry.RetryIf(isNoLink),
			retry.LastErrorOnly(true),
		)
		if a.terminating() {
			return
		}
		if err != nil {
			if isNoLink(err) {
				a.noteSyncError(err)
				continue
			}
			log.Warnf("Dropping macro firing %s@%v rejected by the cloud: %v",
				f.MacroID, f.Timestamp, err)
		}
		a.macros.NotifySynced(f.MacroID, f.Timestamp)
	}
}

// refreshArchives fetches the archive instructions, persists them and
// rebuilds the entry set. Entries are rebuilt wholesale so an interval
// change on an already-archived pathpoint takes effect at once.
func (a *Archiver) refreshArchives() error {
	instructions, err := a.client.GetArchivingInstructions(a.ctx)
	if err != nil {
		a.noteSyncError(err)
		return err
	}
	a.archives.SetInstructions(instructions)
	a.rebuildEntries(instructions)
	a.lastArchives = a.clk.Now()
	a.noteSyncOK()
	return nil
}

func (a *Archiver) rebuildEntries(in store.ArchivingInstructions) {
	entries := make(map[string]archiveEntry, len(a.entries))
	for interval, paths := range in {
		every := time.Duration(interval) * time.Second
		for _, path := range paths {
			pp, err := a.provider.GetPathpoint(path, pathpoint.Permanent)
			if err != nil {
				log.Warnf("Cannot archive %s: %v", path, err)
				continue
			}
			entries[path] = archiveEntry{pp: pp, every: every}
		}
	}
	a.entries = entries
}

// emitDueReads coalesces every due archive read into a single joinable
// section.
func (a *Archiver) emitDueReads() {
	now := a.clk.Now()
	var reads []order.Order
	for _, e := range a.entries {
		if e.due(now) {
			reads = append(reads, order.NewRead(e.pp.Name, order.Advise))
		}
	}
	if len(reads) == 0 {
		return
	}
	a.queue.Put(order.NewSection(order.Joinable, reads...))
	telemetry.ArchiveReadsIssued.Add(int64(len(reads)))
}

func (a *Archiver) noteSyncOK() {
	if a.onSyncOK != nil {
		a.onSyncOK()
	}
}

func (a *Archiver) noteSyncError(err error) {
	if !isNoLink(err) {
		return
	}
	if a.onSyncFailed != nil {
		a.onSyncFailed(err)
	}
}

func isNoLink(err error) bool {
	var re *api.ResponseError
	return errors.As(err, &re) && re.IsNoLink()
}

func (a *Archiver) drainWake() {
	if a.wake == nil {
		return
	}
	select {
	case <-a.wakeC:
	default:
	}
}

func (a *Archiver) sleep(d time.Duration) {
	t := a.clk.Timer(d)
	defer t.Stop()
	if a.wake == nil {
		select {
		case <-a.done:
		case <-t.C:
		}
		return
	}
	select {
	case <-a.done:
	case <-a.wakeC:
	case <-t.C:
	}
}
