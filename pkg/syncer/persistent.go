// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package syncer

import (
	"context"
	"errors"

	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/uplink"
	"github.com/pylonhq/pylon-agent/pkg/util/future"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// streamConn is the slice of the uplink the strategy needs.
type streamConn interface {
	StreamSamples(batch []interface{}) (*future.Future, error)
	StreamLogs(batch []interface{}) error
	Close() error
}

// Uplink ships samples and logs over the persistent connection and feeds
// pushed orders into the executor queue.
type Uplink struct {
	conn  streamConn
	queue *order.Queue
}

var _ Syncer = (*Uplink)(nil)

// NewUplink builds the persistent strategy: it dials the uplink for the
// environment the credentials name and keeps it up. When deliverOrders is
// false, pushed orders are refused at the socket.
func NewUplink(creds *certs.Credentials, queue *order.Queue, deliverOrders bool) *Uplink {
	s := &Uplink{queue: queue}
	var handler uplink.OrderHandler
	if deliverOrders {
		handler = s.deliver
	}
	conn := uplink.New(creds, handler)
	conn.Start()
	s.conn = conn
	return s
}

func newUplinkWithConn(conn streamConn, queue *order.Queue) *Uplink {
	return &Uplink{conn: conn, queue: queue}
}

// SyncPathpoints implements Syncer: the batch goes out as a DATA_STREAM
// frame and the call blocks until the server settles it.
func (s *Uplink) SyncPathpoints(ctx context.Context, batches []pathpoint.WireBatch) error {
	fut, err := s.conn.StreamSamples(pathpoint.BatchesAsWire(batches))
	if err != nil {
		return &SyncError{NoLink: true, Err: err}
	}
	select {
	case <-fut.Done():
	case <-ctx.Done():
		return &SyncError{NoLink: true, Err: ctx.Err()}
	}
	if err := fut.Err(); err != nil {
		if errors.Is(err, uplink.ErrDataStreamRejected) {
			return &SyncError{ClientsFault: true, Err: err}
		}
		return &SyncError{NoLink: true, Err: err}
	}
	return nil
}

// SyncLogs implements Syncer: best-effort LOGS frame, no settlement.
func (s *Uplink) SyncLogs(_ context.Context, records []map[string]interface{}) error {
	wire := make([]interface{}, 0, len(records))
	for _, r := range records {
		wire = append(wire, r)
	}
	if err := s.conn.StreamLogs(wire); err != nil {
		return &SyncError{NoLink: true, Err: err}
	}
	return nil
}

// HasAsyncOrders implements Syncer. Orders arrive pushed.
func (s *Uplink) HasAsyncOrders() bool { return true }

// Close implements Syncer.
func (s *Uplink) Close() error { return s.conn.Close() }

func (s *Uplink) deliver(d *uplink.Delivery) {
	s.handleOrders(d.Payload, d.Acknowledge, d.Reject)
}

// handleOrders turns one pushed payload into sections. The delivery is
// confirmed only once the last section settles, so the server retries
// anything the device lost mid-execution.
func (s *Uplink) handleOrders(payload []interface{}, ack, reject func()) {
	sections, err := order.SectionsFromList(payload)
	if err != nil {
		log.Warnf("Rejecting undecodable order delivery: %v", err)
		reject()
		return
	}
	if len(sections) == 0 {
		reject()
		return
	}
	sections[len(sections)-1].OnDone(func(error) { ack() })
	s.queue.PutAll(sections)
}
