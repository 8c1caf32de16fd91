// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package metadata is the device's plain key-value metadata. Reads go
// through a short-lived cache backed by the cloud, falling back to the local
// store when the link is down; writes land locally at once and trail to the
// cloud through an update queue pumped by the archiver's passes.
package metadata

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	cache "github.com/patrickmn/go-cache"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/store"
)

// DefaultCacheTTL bounds how long a fetched value serves reads before the
// cloud is asked again.
const DefaultCacheTTL = 60 * time.Second

// ErrNotFound reports a key absent both upstream and locally.
var ErrNotFound = errors.New("no such metadata key")

// Config wires a PlainMetadata.
type Config struct {
	// Client talks to the cloud. Required.
	Client *api.Client
	// DB is the durable local copy. Required.
	DB store.MetadataDatabase
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// PlainMetadata is the read/write view over the device's plain metadata.
// Safe for concurrent use.
type PlainMetadata struct {
	client  *api.Client
	db      store.MetadataDatabase
	values  *cache.Cache
	updater *updater
	clk     clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds the view around cfg.
func New(cfg Config) *PlainMetadata {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PlainMetadata{
		client:  cfg.Client,
		db:      cfg.DB,
		values:  cache.New(ttl, 10*time.Minute),
		updater: newUpdater(cfg.Client),
		clk:     clk,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Get returns the value under key: a recently fetched copy when one is
// cached, otherwise the cloud's, otherwise whatever the local store still
// holds. A key absent everywhere reports ErrNotFound.
func (p *PlainMetadata) Get(key string) (string, error) {
	if v, ok := p.values.Get(key); ok {
		return v.(string), nil
	}
	doc, err := p.client.GetPlainMetadata(p.ctx, key)
	if err != nil {
		var re *api.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return "", ErrNotFound
		}
		v, dbErr := p.db.Get(key)
		if dbErr != nil {
			return "", ErrNotFound
		}
		return v, nil
	}
	p.db.Update(key, doc.Value, doc.Timestamp)
	p.values.Set(key, doc.Value, cache.DefaultExpiration)
	return doc.Value, nil
}

// Set writes key locally and queues the upstream write. The stamp travels
// with it so an older write never overwrites a newer one server-side.
func (p *PlainMetadata) Set(key, value string) {
	ts := p.now()
	p.db.Put(key, value, ts)
	p.values.Set(key, value, cache.DefaultExpiration)
	p.updater.put(pendingWrite{key: key, value: value, ts: ts})
}

// Delete removes key locally and queues the upstream delete.
func (p *PlainMetadata) Delete(key string) {
	p.db.Delete(key)
	p.values.Delete(key)
	p.updater.put(pendingWrite{key: key, remove: true})
}

// TryUpdate pushes queued writes upstream in arrival order. A dropped link
// leaves the rest of the queue intact for the next pump.
func (p *PlainMetadata) TryUpdate() {
	p.updater.drain(p.ctx)
}

// Pending returns the number of writes still waiting to go upstream.
func (p *PlainMetadata) Pending() int {
	return p.updater.pending()
}

// Close cancels in-flight fetches and pumps. Queued writes stay in memory
// only.
func (p *PlainMetadata) Close() error {
	p.cancel()
	return nil
}

func (p *PlainMetadata) now() float64 {
	return float64(p.clk.Now().UnixNano()) / float64(time.Second)
}
