// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package metadata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

const (
	updateAttempts   = 3
	updateRetryDelay = time.Second
)

// pendingWrite is one local metadata change awaiting upstream delivery.
type pendingWrite struct {
	key    string
	value  string
	ts     float64
	remove bool
}

// updater trails local metadata writes to the cloud in arrival order.
type updater struct {
	client *api.Client

	mu    sync.Mutex
	queue []pendingWrite
}

func newUpdater(client *api.Client) *updater {
	return &updater{client: client}
}

func (u *updater) put(w pendingWrite) {
	u.mu.Lock()
	u.queue = append(u.queue, w)
	u.mu.Unlock()
}

func (u *updater) pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

func (u *updater) pop() (pendingWrite, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return pendingWrite{}, false
	}
	w := u.queue[0]
	u.queue = u.queue[1:]
	return w, true
}

func (u *updater) unpop(w pendingWrite) {
	u.mu.Lock()
	u.queue = append([]pendingWrite{w}, u.queue...)
	u.mu.Unlock()
}

// drain ships queued writes until the queue empties or the link drops. A
// write the server rejects is dropped; the local store already holds it.
func (u *updater) drain(ctx context.Context) {
	for {
		w, ok := u.pop()
		if !ok {
			return
		}
		err := retry.Do(
			func() error { return u.send(ctx, w) },
			retry.Attempts(updateAttempts),
			retry.Delay(updateRetryDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err == nil {
			continue
		}
		var re *api.ResponseError
		if errors.As(err, &re) && !re.IsNoLink() {
			log.Warnf("Dropping metadata write %q rejected by the cloud: %v", w.key, err)
			continue
		}
		telemetry.SyncFailures.Add(1)
		u.unpop(w)
		return
	}
}

func (u *updater) send(ctx context.Context, w pendingWrite) error {
	if w.remove {
		return u.client.DeletePlainMetadata(ctx, w.key)
	}
	return u.client.PutPlainMetadata(ctx, w.key, w.value, w.ts)
}
