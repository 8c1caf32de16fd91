// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package syncer picks how sample batches and log batches travel to the
// cloud: over the request/response API or over the persistent uplink.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// SyncError reports a failed shipment. NoLink means the transport never
// delivered the batch, so a retry may succeed; ClientsFault means the server
// judged the batch damaged, so it must be acked locally and dropped rather
// than retried forever.
type SyncError struct {
	NoLink       bool
	ClientsFault bool
	Err          error
}

// Error implements error.
func (e *SyncError) Error() string {
	switch {
	case e.ClientsFault:
		return fmt.Sprintf("sync rejected: %v", e.Err)
	case e.NoLink:
		return fmt.Sprintf("sync failed, no link: %v", e.Err)
	default:
		return fmt.Sprintf("sync failed: %v", e.Err)
	}
}

// Unwrap implements errors.Unwrap.
func (e *SyncError) Unwrap() error { return e.Err }

// Syncer ships sample and log batches, and states how orders arrive.
type Syncer interface {
	// SyncPathpoints delivers one pathpoint-sample batch.
	SyncPathpoints(ctx context.Context, batches []pathpoint.WireBatch) error
	// SyncLogs delivers one log-record batch.
	SyncLogs(ctx context.Context, records []map[string]interface{}) error
	// HasAsyncOrders reports whether orders arrive pushed over the uplink,
	// in which case the communicator must not poll the orders endpoint.
	HasAsyncOrders() bool
	Close() error
}

// HTTP ships everything over the request/response API.
type HTTP struct {
	client *api.Client
}

var _ Syncer = (*HTTP)(nil)

// NewHTTP builds the default, request/response strategy.
func NewHTTP(client *api.Client) *HTTP {
	return &HTTP{client: client}
}

// SyncPathpoints implements Syncer.
func (s *HTTP) SyncPathpoints(ctx context.Context, batches []pathpoint.WireBatch) error {
	return wrapResponse(s.client.PostPathpoints(ctx, batches))
}

// SyncLogs implements Syncer.
func (s *HTTP) SyncLogs(ctx context.Context, records []map[string]interface{}) error {
	return wrapResponse(s.client.PutDeviceLogs(ctx, records))
}

// HasAsyncOrders implements Syncer. HTTP orders are polled.
func (s *HTTP) HasAsyncOrders() bool { return false }

// Close implements Syncer.
func (s *HTTP) Close() error { return nil }

// wrapResponse maps an API failure onto a SyncError.
func wrapResponse(err error) error {
	if err == nil {
		return nil
	}
	var re *api.ResponseError
	if errors.As(err, &re) {
		return &SyncError{NoLink: re.IsNoLink(), ClientsFault: re.IsClientsFault(), Err: re}
	}
	return &SyncError{NoLink: true, Err: err}
}
