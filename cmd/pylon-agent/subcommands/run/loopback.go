// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package run

import (
	"context"
	"sync"
	"time"

	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// loopbackHandler backs pathpoint I/O with process memory: writes are
// remembered, reads return the last written value. It makes the bare daemon
// a complete platform citizen (orders execute, samples flow, alarms work)
// without any field bus attached.
type loopbackHandler struct {
	mu     sync.Mutex
	values map[string]pathpoint.Value
}

func newLoopbackHandler() *loopbackHandler {
	return &loopbackHandler{values: map[string]pathpoint.Value{}}
}

func (h *loopbackHandler) OnRead(_ context.Context, p *pathpoint.Pathpoint, _ order.AdviseLevel) (pathpoint.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.values[p.Name]; ok {
		return v, nil
	}
	// Nothing was ever written here; the device genuinely has no reading.
	return pathpoint.Value{}, pathpoint.NewOperationFailed(pathpoint.Invalid, time.Now().UnixMilli())
}

func (h *loopbackHandler) OnWrite(_ context.Context, p *pathpoint.Pathpoint, value pathpoint.Value, _ order.AdviseLevel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[p.Name] = value
	return nil
}
