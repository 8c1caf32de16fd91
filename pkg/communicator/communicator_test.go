// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package communicator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/predicate"
	"github.com/pylonhq/pylon-agent/pkg/sensor"
	"github.com/pylonhq/pylon-agent/pkg/store"
	"github.com/pylonhq/pylon-agent/pkg/syncer"
)

func startComm(t *testing.T, cfg Config) *Communicator {
	t.Helper()
	c := New(cfg)
	c.Start()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type fakeSyncer struct {
	err   error
	async bool
	calls atomic.Int64
}

func (f *fakeSyncer) SyncPathpoints(context.Context, []pathpoint.WireBatch) error {
	f.calls.Inc()
	return f.err
}

func (f *fakeSyncer) SyncLogs(context.Context, []map[string]interface{}) error { return nil }
func (f *fakeSyncer) HasAsyncOrders() bool                                     { return f.async }
func (f *fakeSyncer) Close() error                                             { return nil }

type fakeHost struct {
	db store.EventDatabase
}

func (h *fakeHost) AddEvent(e *predicate.Event)   { h.db.Add(e) }
func (h *fakeHost) CloseEvent(e *predicate.Event) { h.db.Close(e, 0) }
func (h *fakeHost) LocalTime() time.Time          { return time.Now() }

// probeStatistic records every callback. Tick grows the persisted state by
// one byte, so the state length doubles as a proof the load/store surround
// works.
type probeStatistic struct {
	predicate.Base
	ticks   atomic.Int64
	offline atomic.Int64
	renames chan string
	configs chan map[string]interface{}
}

func newProbe(host predicate.Host, def predicate.Definition) *probeStatistic {
	return &probeStatistic{
		Base:    predicate.NewBase(host, def),
		renames: make(chan string, 4),
		configs: make(chan map[string]interface{}, 4),
	}
}

func (p *probeStatistic) Tick() {
	p.ticks.Inc()
	p.SetState(append(p.State(), 'x'))
}

func (p *probeStatistic) OnOffline() { p.offline.Inc() }

func (p *probeStatistic) OnVerboseNameChanged(v string) {
	p.Base.OnVerboseNameChanged(v)
	select {
	case p.renames <- v:
	default:
	}
}

func (p *probeStatistic) OnConfigurationChanged(cfg map[string]interface{}) {
	p.Base.OnConfigurationChanged(cfg)
	select {
	case p.configs <- cfg:
	default:
	}
}

func thermoRegistry(probes chan *probeStatistic) *predicate.Registry {
	reg := predicate.NewRegistry()
	reg.Register(
		func(name string, _ map[string]interface{}) bool { return name == "thermo" },
		func(host predicate.Host, def predicate.Definition) predicate.Statistic {
			p := newProbe(host, def)
			select {
			case probes <- p:
			default:
			}
			return p
		},
	)
	return reg
}

func TestSamplesShippedAndAcked(t *testing.T) {
	var hits atomic.Int64
	var body atomic.String
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/pathpoints", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		hits.Inc()
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	db := store.NewMemoryPathpointDatabase(wake)
	db.OnNewData("W1", pathpoint.TimestampedValue{Timestamp: 1500, Value: pathpoint.UnsignedValue(42)})

	var okPasses atomic.Int64
	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:           client,
		Sync:             syncer.NewHTTP(client),
		Samples:          db,
		Wake:             wake,
		OnSuccessfulSync: func() { okPasses.Inc() },
	})

	require.Eventually(t, func() bool { return hits.Load() >= 1 && okPasses.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Contains(t, body.Load(), `"W1"`)
	assert.Nil(t, db.SnapshotForSync(), "acked samples must not be pending anymore")
}

func TestRejectedSamplesDropped(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status": "unparseable batch"}`))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	db := store.NewMemoryPathpointDatabase(wake)
	db.OnNewData("W1", pathpoint.TimestampedValue{Timestamp: 1500, Value: pathpoint.UnsignedValue(42)})

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Samples: db, Wake: wake})

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Nil(t, db.SnapshotForSync(), "a rejected batch is dropped, not retried")
}

func TestLinklessSamplesRetained(t *testing.T) {
	shipper := &fakeSyncer{err: &syncer.SyncError{NoLink: true, Err: fmt.Errorf("down")}}

	wake := store.NewWakeup()
	db := store.NewMemoryPathpointDatabase(wake)
	db.OnNewData("W1", pathpoint.TimestampedValue{Timestamp: 1500, Value: pathpoint.UnsignedValue(42)})

	var failures atomic.Int64
	c := startComm(t, Config{
		Sync:         shipper,
		Samples:      db,
		Wake:         wake,
		OnFailedSync: func(error) { failures.Inc() },
	})

	// One pass burns the whole retry budget on the samples step.
	require.Eventually(t, func() bool { return shipper.calls.Load() >= 3 && failures.Load() >= 1 },
		15*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	snap := db.SnapshotForSync()
	require.NotNil(t, snap, "unshipped samples must survive the failed pass")
	assert.Len(t, snap.Batches(), 1)
}

func TestCatalogRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/pathpoints", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)
		_, _ = w.Write([]byte(`[
			{"path": "W1", "storage_level": 1},
			{"path": "rW2xW3x", "storage_level": 0}
		]`))
	}))
	t.Cleanup(srv.Close)

	catalog := store.NewCatalog()
	catalog.Note("W1", pathpoint.Permanent)

	applied := make(chan string, 4)
	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:  client,
		Sync:    syncer.NewHTTP(client),
		Catalog: catalog,
		ApplyStorage: func(path string, storage pathpoint.StorageLevel) {
			applied <- fmt.Sprintf("%s=%s", path, storage)
		},
	})

	select {
	case got := <-applied:
		assert.Equal(t, "W1=trend", got)
	case <-time.After(5 * time.Second):
		t.Fatal("authoritative storage level never applied")
	}
	require.NoError(t, c.Close())

	assert.False(t, catalog.Dirty())
	assert.Empty(t, applied, "reparse rows must not be applied to live pathpoints")
}

func TestCatalogRearmedWhenPutFails(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	catalog := store.NewCatalog()
	catalog.Note("W1", pathpoint.Permanent)

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Catalog: catalog})

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 15*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.True(t, catalog.Dirty(), "a failed shape upload must stay owed")
}

func TestSensorsRebuilt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/sensors", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"fqts": "temp outside", "path": "W1", "type": "std.Number10"},
			{"fqts": "hum outside", "path": "W2", "type": "std.Number100"}
		]`))
	}))
	t.Cleanup(srv.Close)

	sensors := store.NewMemorySensorDatabase()
	provider := providerFunc(func(name string) (*pathpoint.Pathpoint, error) {
		return pathpoint.New(name, pathpoint.Trend, nil)
	})

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:   client,
		Sync:     syncer.NewHTTP(client),
		Sensors:  sensors,
		Provider: provider,
	})

	require.Eventually(t, func() bool { return len(sensors.GetAll()) == 2 },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	s, err := sensors.Get(sensor.Fqtsify("outside temp"))
	require.NoError(t, err)
	assert.Equal(t, "W1", s.Path)
}

type providerFunc func(name string) (*pathpoint.Pathpoint, error)

func (f providerFunc) GetPathpoint(name string) (*pathpoint.Pathpoint, error) { return f(name) }

func TestPredicateLifecycle(t *testing.T) {
	payload := atomic.NewString(`[{
		"predicate_id": "p1", "online": true, "statistic": "thermo",
		"verbose_name": "Boiler", "configuration": {"limit": 40}, "group": "B"
	}]`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/predicates", r.URL.Path)
		_, _ = w.Write([]byte(payload.Load()))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	events := store.NewMemoryEventDatabase(wake, nil)
	preds := store.NewMemoryPredicateDatabase()
	probes := make(chan *probeStatistic, 4)

	var ready atomic.Int64
	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:          client,
		Sync:            syncer.NewHTTP(client),
		Events:          events,
		Predicates:      preds,
		Registry:        thermoRegistry(probes),
		Host:            &fakeHost{db: events},
		Wake:            wake,
		PredicatesEvery: time.Millisecond,
		OnReady:         func() { ready.Inc() },
	})

	var probe *probeStatistic
	select {
	case probe = <-probes:
	case <-time.After(5 * time.Second):
		t.Fatal("statistic never instantiated")
	}
	require.Eventually(t, func() bool { return probe.ticks.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), ready.Load())
	assert.Len(t, preds.GetAll(), 1, "authoritative rows must be persisted")

	// The server renames the predicate.
	payload.Store(`[{
		"predicate_id": "p1", "online": true, "statistic": "thermo",
		"verbose_name": "Boiler room", "configuration": {"limit": 40}, "group": "B"
	}]`)
	wake.Signal()
	select {
	case got := <-probe.renames:
		assert.Equal(t, "Boiler room", got)
	case <-time.After(5 * time.Second):
		t.Fatal("rename never delivered")
	}

	// The server takes the predicate offline.
	payload.Store(`[]`)
	wake.Signal()
	require.Eventually(t, func() bool { return probe.offline.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := c.Instance("p1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	_, cached := events.GetCache("p1")
	assert.False(t, cached, "a deleted predicate's state must be dropped")
	assert.Equal(t, int64(1), ready.Load())
}

func TestPredicateStatePersistedAroundTicks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"predicate_id": "p1", "online": true, "statistic": "thermo"}]`))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	events := store.NewMemoryEventDatabase(wake, nil)
	probes := make(chan *probeStatistic, 4)

	client := api.NewClientWithBaseURL(srv.URL)
	startComm(t, Config{
		Client:   client,
		Sync:     syncer.NewHTTP(client),
		Events:   events,
		Registry: thermoRegistry(probes),
		Host:     &fakeHost{db: events},
		Wake:     wake,
	})

	var probe *probeStatistic
	select {
	case probe = <-probes:
	case <-time.After(5 * time.Second):
		t.Fatal("statistic never instantiated")
	}

	// Every tick loads the blob and appends one byte; growth past one byte
	// proves the previous state came back from the cache.
	require.Eventually(t, func() bool {
		wake.Signal()
		blob, ok := events.GetCache("p1")
		return ok && len(blob) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, probe.ticks.Load(), int64(2))
}

func TestPlaceholderUpgradesOnceRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"predicate_id": "p1", "online": true, "statistic": "thermo"}]`))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	events := store.NewMemoryEventDatabase(wake, nil)
	registry := predicate.NewRegistry()

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:   client,
		Sync:     syncer.NewHTTP(client),
		Events:   events,
		Registry: registry,
		Host:     &fakeHost{db: events},
		Wake:     wake,
	})

	require.Eventually(t, func() bool {
		st, ok := c.Instance("p1")
		if !ok {
			return false
		}
		_, placeholder := st.(*predicate.Undefined)
		return placeholder
	}, 5*time.Second, 10*time.Millisecond)

	probes := make(chan *probeStatistic, 4)
	registry.Register(
		func(name string, _ map[string]interface{}) bool { return name == "thermo" },
		func(host predicate.Host, def predicate.Definition) predicate.Statistic {
			p := newProbe(host, def)
			select {
			case probes <- p:
			default:
			}
			return p
		},
	)
	wake.Signal()

	select {
	case probe := <-probes:
		require.Eventually(t, func() bool { return probe.ticks.Load() >= 1 },
			5*time.Second, 10*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("placeholder never upgraded")
	}
	st, ok := c.Instance("p1")
	require.True(t, ok)
	_, placeholder := st.(*predicate.Undefined)
	assert.False(t, placeholder)
}

func TestBlobsReconciled(t *testing.T) {
	var downloads, uploads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/device/baobs" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{
				"should_download": ["cfg"],
				"should_upload": ["fw"],
				"should_delete": ["old"]
			}`))
		case r.URL.Path == "/v1/device/baobs/cfg" && r.Method == http.MethodGet:
			w.Header().Set("X-BLOB-Version", strconv.FormatInt(3+downloads.Inc()-1, 10))
			_, _ = w.Write([]byte("blob payload"))
		case r.URL.Path == "/v1/device/baobs/fw" && r.Method == http.MethodPut:
			uploads.Inc()
			assert.Equal(t, "2", r.Header.Get("X-BLOB-Version"))
			raw, _ := io.ReadAll(r.Body)
			assert.Equal(t, "firmware", string(raw))
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	baobs := store.NewMemoryBAOBDatabase()
	baobs.Set("fw", []byte("firmware"), 2)
	baobs.Set("old", []byte("stale"), 1)

	updated := make(chan string, 4)
	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{
		Client:        client,
		Sync:          syncer.NewHTTP(client),
		Baobs:         baobs,
		Wake:          wake,
		OnBlobUpdated: func(key string) { updated <- key },
	})

	require.Eventually(t, func() bool { return baobs.GetVersion("cfg") == 3 && uploads.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
	_, err := baobs.Get("old")
	assert.Error(t, err, "blobs on the delete list must go away")
	assert.Empty(t, updated, "the hook must stay quiet on the first reconciliation")

	c.ForceBlobSync()
	select {
	case key := <-updated:
		assert.Equal(t, "cfg", key)
	case <-time.After(5 * time.Second):
		t.Fatal("update hook never fired on the second reconciliation")
	}
	assert.Equal(t, 4, baobs.GetVersion("cfg"))
}

func TestWriteLogDrainedAndRejectionsDropped(t *testing.T) {
	status := atomic.NewInt64(http.StatusOK)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/sensor/write_log", r.URL.Path)
		hits.Inc()
		code := int(status.Load())
		w.WriteHeader(code)
		if code != http.StatusOK {
			_, _ = w.Write([]byte(`{"status": "bad record"}`))
		} else {
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	writes := store.NewMemorySensorWriteDatabase()
	writes.Add(sensor.WriteEvent{Timestamp: 1000, Who: "operator", FQTS: "outside temp", Value: "21"})

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Writes: writes, Wake: wake})

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	status.Store(http.StatusUnprocessableEntity)
	writes.Add(sensor.WriteEvent{Timestamp: 2000, Who: "operator", FQTS: "outside temp", Value: "nope"})
	wake.Signal()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Nil(t, writes.SnapshotForSync(), "shipped and rejected records must both leave the queue")
}

func TestOrdersPulledIntoQueue(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/orders", r.URL.Path)
		if hits.Inc() == 1 {
			_, _ = w.Write([]byte(`[{
				"disposition": 1,
				"orders": [{"type": "read", "path": "W1", "advise": 1}]
			}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	queue := order.NewQueue()
	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Queue: queue})

	require.Eventually(t, func() bool { return queue.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	s, ok := queue.Pop()
	require.True(t, ok)
	assert.Equal(t, order.CannotJoin, s.Disposition())
	orders := s.Orders()
	require.Len(t, orders, 1)
	read, ok := orders[0].(*order.Read)
	require.True(t, ok)
	assert.Equal(t, "W1", read.Path)
	assert.Equal(t, order.Force, read.Advise)
}

func TestOrdersNotPulledWhenPushed(t *testing.T) {
	var orderHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/device/orders" {
			orderHits.Inc()
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	shipper := &fakeSyncer{async: true}
	wake := store.NewWakeup()
	db := store.NewMemoryPathpointDatabase(wake)
	db.OnNewData("W1", pathpoint.TimestampedValue{Timestamp: 1500, Value: pathpoint.UnsignedValue(7)})

	c := startComm(t, Config{
		Client:  api.NewClientWithBaseURL(srv.URL),
		Sync:    shipper,
		Samples: db,
		Queue:   order.NewQueue(),
		Wake:    wake,
	})

	// The samples step proves a pass ran end to end.
	require.Eventually(t, func() bool { return shipper.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Zero(t, orderHits.Load(), "pushed transports must not be polled for orders")
}

func TestEventsAckedWithServerUUIDs(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/device/alarms", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"boiler too hot"`)
		hits.Inc()
		_, _ = w.Write([]byte(`[{"uuid": "u-1"}]`))
	}))
	t.Cleanup(srv.Close)

	wake := store.NewWakeup()
	events := store.NewMemoryEventDatabase(wake, nil)
	evt := predicate.NewEvent(1000, predicate.Red, true, "token", "B", "boiler too hot", nil)
	events.Add(evt)

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Events: events, Wake: wake})

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Equal(t, "u-1", evt.UUID)
	assert.Nil(t, events.SnapshotForSync(), "acked point events must leave the pending queue")
}

func TestFailingStepAbortsPass(t *testing.T) {
	var alarmHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/device/alarms" {
			alarmHits.Inc()
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	shipper := &fakeSyncer{err: &syncer.SyncError{NoLink: true, Err: fmt.Errorf("down")}}
	wake := store.NewWakeup()
	samples := store.NewMemoryPathpointDatabase(wake)
	samples.OnNewData("W1", pathpoint.TimestampedValue{Timestamp: 1500, Value: pathpoint.UnsignedValue(7)})
	events := store.NewMemoryEventDatabase(wake, nil)
	events.Add(predicate.NewEvent(1000, predicate.White, true, "token", "B", "msg", nil))

	c := startComm(t, Config{
		Client:  api.NewClientWithBaseURL(srv.URL),
		Sync:    shipper,
		Samples: samples,
		Events:  events,
		Wake:    wake,
	})

	require.Eventually(t, func() bool { return shipper.calls.Load() >= 3 }, 15*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Zero(t, alarmHits.Load(), "steps after the failed one must not run")
}

func TestSensorCadenceHonored(t *testing.T) {
	var sensorHits, orderHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/device/sensors":
			sensorHits.Inc()
		case "/v1/device/orders":
			orderHits.Inc()
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	mock := clock.NewMock()
	wake := store.NewWakeup()
	provider := providerFunc(func(name string) (*pathpoint.Pathpoint, error) {
		return pathpoint.New(name, pathpoint.Trend, nil)
	})

	client := api.NewClientWithBaseURL(srv.URL)
	startComm(t, Config{
		Client:   client,
		Sync:     syncer.NewHTTP(client),
		Sensors:  store.NewMemorySensorDatabase(),
		Provider: provider,
		Queue:    order.NewQueue(),
		Wake:     wake,
		Clock:    mock,
	})

	// Two full passes with a frozen clock: the sensor listing is fetched
	// once, the orders poll runs both times.
	require.Eventually(t, func() bool {
		wake.Signal()
		return orderHits.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sensorHits.Load())

	mock.Add(DefaultSensorsEvery)
	require.Eventually(t, func() bool {
		wake.Signal()
		return sensorHits.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

type checkpointingDB struct {
	store.PathpointDatabase
	checkpoints atomic.Int64
}

func (d *checkpointingDB) Checkpoint() {
	d.checkpoints.Inc()
	d.PathpointDatabase.Checkpoint()
}

func TestPassCheckpointsStores(t *testing.T) {
	wake := store.NewWakeup()
	db := &checkpointingDB{PathpointDatabase: store.NewMemoryPathpointDatabase(wake)}

	startComm(t, Config{Sync: &fakeSyncer{}, Samples: db, Wake: wake})

	require.Eventually(t, func() bool { return db.checkpoints.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestCloseInterruptsSleep(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	client := api.NewClientWithBaseURL(srv.URL)
	c := startComm(t, Config{Client: client, Sync: syncer.NewHTTP(client), Queue: order.NewQueue()})

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 3*time.Second, "close must cut the inter-pass sleep short")
	require.NoError(t, c.Close())
}
