// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/device"
	"github.com/pylonhq/pylon-agent/pkg/metadata"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/sensor"
	"github.com/pylonhq/pylon-agent/pkg/store"
)

// ErrNoSuchEvent is returned when an event ID matches nothing open.
var ErrNoSuchEvent = errors.New("no such open event")

const (
	instrumentationAttempts   = 3
	instrumentationRetryDelay = time.Second
)

// GetPathpoint returns the named pathpoint, materializing and registering it
// on first use. The optional level applies only at materialization; an
// existing instance is returned as-is. Names with the 'r' prefix compile to
// derived pathpoints and stay out of the declared catalog.
func (d *Device) GetPathpoint(name string, storage ...pathpoint.StorageLevel) (*pathpoint.Pathpoint, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	level := pathpoint.Trend
	if len(storage) > 0 {
		level = storage[0]
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.points[name]; ok {
		return p, nil
	}

	var p *pathpoint.Pathpoint
	var err error
	if f := d.opts.ProvidePathpoint; f != nil {
		p, err = f(name, level)
	} else {
		p, err = pathpoint.New(name, level, d.clk)
	}
	if err != nil {
		return nil, err
	}
	p.Attach(d.samples)
	d.points[name] = p
	if !pathpoint.IsReparsePath(name) {
		d.catalog.Note(name, p.Storage)
	}
	return p, nil
}

// resolvePathpoint adapts GetPathpoint to the executor's resolver. Orders
// naming something that cannot materialize are dropped by the executor.
func (d *Device) resolvePathpoint(path string) (*pathpoint.Pathpoint, bool) {
	p, err := d.GetPathpoint(path)
	if err != nil {
		return nil, false
	}
	return p, true
}

// applyStorage pushes the authoritative storage level onto the live
// instance after a catalog round trip.
func (d *Device) applyStorage(path string, storage pathpoint.StorageLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.points[path]; ok {
		p.Storage = storage
	}
}

// Execute schedules sections into the device's order loop, in the given
// order unless they are joinable.
func (d *Device) Execute(sections ...*order.Section) error {
	if err := d.guard(); err != nil {
		return err
	}
	d.queue.PutAll(sections)
	return nil
}

// ReadPathpoint schedules a read of the named pathpoint and returns its
// section, which settles once the read has been carried out.
func (d *Device) ReadPathpoint(name string, advise order.AdviseLevel) (*order.Section, error) {
	p, err := d.GetPathpoint(name)
	if err != nil {
		return nil, err
	}
	s := p.Read(advise)
	if err := d.Execute(s); err != nil {
		return nil, err
	}
	return s, nil
}

// WritePathpoint schedules a write to the named pathpoint and returns its
// section. staleAfter, when nonzero, is the epoch-seconds moment after which
// the write must not be attempted anymore.
func (d *Device) WritePathpoint(name string, value interface{}, advise order.AdviseLevel, staleAfter float64) (*order.Section, error) {
	p, err := d.GetPathpoint(name)
	if err != nil {
		return nil, err
	}
	s := p.Write(value, advise, staleAfter)
	if err := d.Execute(s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSensor returns the sensor with the given tag set (any order). Blocks
// until the catalog has been synced at least once.
func (d *Device) GetSensor(ctx context.Context, tagSet string) (*sensor.Sensor, error) {
	if err := d.WaitUntilReady(ctx); err != nil {
		return nil, err
	}
	return d.sensors.Get(sensor.Fqtsify(tagSet))
}

// GetAllSensors returns the synced sensor catalog, ordered by tag set.
// Blocks until the catalog has been synced at least once.
func (d *Device) GetAllSensors(ctx context.Context) ([]*sensor.Sensor, error) {
	if err := d.WaitUntilReady(ctx); err != nil {
		return nil, err
	}
	return d.sensors.GetAll(), nil
}

// LogSensorWrite records a sensor write in the audit log. With sensor-write
// sync disabled the record stays local.
func (d *Device) LogSensorWrite(ev sensor.WriteEvent) error {
	if err := d.guard(); err != nil {
		return err
	}
	d.writes.Add(ev)
	return nil
}

// OpenEvent records a freshly raised alert event and queues it for sync.
// isPoint events carry their closing timestamp from the start.
func (d *Device) OpenEvent(startedOn int64, color predicate.Color, isPoint bool, token, group, message string, md map[string]string) (*predicate.Event, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	if d.opts.DisablePredicates {
		return nil, ErrUnavailable
	}
	e := predicate.NewEvent(startedOn, color, isPoint, token, group, message, md)
	d.events.Add(e)
	return e, nil
}

// CloseEvent stamps the event closed at endedOn seconds (omitted means now)
// and queues the closure for sync.
func (d *Device) CloseEvent(e *predicate.Event, endedOn ...int64) error {
	if err := d.guard(); err != nil {
		return err
	}
	var ts int64
	if len(endedOn) > 0 {
		ts = endedOn[0]
	}
	d.events.Close(e, ts)
	return nil
}

// GetOpenEvent returns the open event with the given ID.
func (d *Device) GetOpenEvent(id string) (*predicate.Event, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	if d.opts.DisablePredicates {
		return nil, ErrUnavailable
	}
	for _, e := range d.events.GetOpen() {
		if e.Matches(id) {
			return e, nil
		}
	}
	return nil, ErrNoSuchEvent
}

// GetAllEvents returns every event the device still retains.
func (d *Device) GetAllEvents() ([]*predicate.Event, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	if d.opts.DisablePredicates {
		return nil, ErrUnavailable
	}
	return d.events.GetAll(), nil
}

// RegisterStatistic registers an alert-rule implementation. Whenever a
// synced predicate row matches and no live instance exists yet, the factory
// is invoked for it; pending rows are picked up on the next predicate sync.
func (d *Device) RegisterStatistic(matcher predicate.Matcher, factory predicate.Factory) (*predicate.Registration, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	if d.opts.DisablePredicates {
		return nil, ErrUnavailable
	}
	return d.registry.Register(matcher, factory), nil
}

// GetBAOB returns the local copy of the named blob.
func (d *Device) GetBAOB(key string) ([]byte, error) {
	if err := d.baobGuard(); err != nil {
		return nil, err
	}
	return d.baobs.Get(key)
}

// BAOBVersion returns the blob's local version, store.VersionMissing when
// the blob does not exist.
func (d *Device) BAOBVersion(key string) (int, error) {
	if err := d.baobGuard(); err != nil {
		return store.VersionMissing, err
	}
	return d.baobs.GetVersion(key), nil
}

// BAOBKeys lists the locally known blobs.
func (d *Device) BAOBKeys() ([]string, error) {
	if err := d.baobGuard(); err != nil {
		return nil, err
	}
	return d.baobs.Keys(), nil
}

// SetBAOB stores the blob locally under a bumped version and arms an
// immediate reconciliation so the new bytes reach the cloud.
func (d *Device) SetBAOB(key string, data []byte) error {
	if err := d.baobGuard(); err != nil {
		return err
	}
	d.baobs.Set(key, data, d.baobs.GetVersion(key)+1)
	d.forceBlobSync()
	return nil
}

// DeleteBAOB removes the local copy of the blob. The cloud copy is not
// touched; blob deletion is cloud-driven, so reconciliation may restore the
// blob later.
func (d *Device) DeleteBAOB(key string) error {
	if err := d.baobGuard(); err != nil {
		return err
	}
	d.baobs.Delete(key)
	return nil
}

func (d *Device) baobGuard() error {
	if err := d.guard(); err != nil {
		return err
	}
	if d.opts.DisableBAOBs {
		return ErrUnavailable
	}
	return nil
}

func (d *Device) forceBlobSync() {
	d.mu.Lock()
	comm := d.comm
	d.mu.Unlock()
	if comm != nil {
		comm.ForceBlobSync()
	}
}

// ExecuteSysctl carries out one maintenance operation and reports whether it
// was recognized. The configured Sysctl hook is consulted first, then the
// built-in blob operations: baob-created and baob-updated arm an immediate
// blob reconciliation, baob-deleted drops the local copy.
func (d *Device) ExecuteSysctl(op, args string) bool {
	if f := d.opts.Sysctl; f != nil && f(op, args) {
		return true
	}
	if d.opts.DisableBAOBs {
		return false
	}
	switch op {
	case "baob-created", "baob-updated":
		d.forceBlobSync()
		return true
	case "baob-deleted":
		d.baobs.Delete(args)
		return true
	}
	return false
}

// Metadata returns the device's plain-metadata view.
func (d *Device) Metadata() *metadata.PlainMetadata { return d.meta }

// GetDeviceInfo fetches the device metadata document from the cloud. Always
// a fresh fetch; the sync hooks observe the outcome and the reported culture
// context becomes the device's local timezone.
func (d *Device) GetDeviceInfo(ctx context.Context) (*device.Info, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	info, err := d.client.GetDevice(ctx)
	if err != nil {
		var re *api.ResponseError
		if errors.As(err, &re) && re.IsNoLink() {
			d.syncFailed(err)
		}
		return nil, err
	}
	d.syncSucceeded()
	d.rememberCulture(info.CultureContext)
	return info, nil
}

// GetSlaves fetches the current list of slave devices.
func (d *Device) GetSlaves(ctx context.Context) ([]device.SlaveDeviceInfo, error) {
	info, err := d.GetDeviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Slaves, nil
}

// Instrumentation fetches a slave's link state and free-form condition
// fields.
func (d *Device) Instrumentation(ctx context.Context, slaveID string) (map[string]interface{}, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.client.GetInstrumentation(ctx, slaveID)
}

// SetInstrumentation patches a slave's instrumentation fields, retrying
// briefly on failure.
func (d *Device) SetInstrumentation(ctx context.Context, slaveID string, fields map[string]interface{}) error {
	if err := d.guard(); err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return d.client.PatchInstrumentation(ctx, slaveID, fields)
		},
		retry.Attempts(instrumentationAttempts),
		retry.Delay(instrumentationRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// LocalTime returns the current time in the device's own timezone: the
// culture context reported by the cloud when known, the host zone before
// the first successful GetDeviceInfo.
func (d *Device) LocalTime() time.Time {
	d.mu.Lock()
	loc := d.tz
	d.mu.Unlock()
	if loc == nil {
		return d.clk.Now()
	}
	return d.clk.Now().In(loc)
}

func (d *Device) rememberCulture(cc device.CultureContext) {
	if cc.Timezone == "" {
		return
	}
	loc, err := time.LoadLocation(cc.Timezone)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.tz = loc
	d.mu.Unlock()
}
