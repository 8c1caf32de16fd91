// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pylonhq/pylon-agent/pkg/api"
	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
	"github.com/pylonhq/pylon-agent/pkg/uplink"
	"github.com/pylonhq/pylon-agent/pkg/util/future"
)

func TestHTTPSyncPathpoints(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTP(api.NewClientWithBaseURL(srv.URL))
	err := s.SyncPathpoints(context.Background(), []pathpoint.WireBatch{{Path: "W1"}})
	require.NoError(t, err)
	assert.Equal(t, "/v1/device/pathpoints", path)
	assert.Equal(t, http.MethodPost, method)
	assert.False(t, s.HasAsyncOrders())
}

func TestHTTPSyncLogsClientsFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status": "malformed records"}`))
	}))
	defer srv.Close()

	s := NewHTTP(api.NewClientWithBaseURL(srv.URL))
	err := s.SyncLogs(context.Background(), []map[string]interface{}{{"message": "hi"}})

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.ClientsFault)
	assert.False(t, se.NoLink)
}

func TestHTTPSyncNoLink(t *testing.T) {
	s := NewHTTP(api.NewClientWithBaseURL("http://127.0.0.1:1"))
	err := s.SyncPathpoints(context.Background(), nil)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.NoLink)
	assert.False(t, se.ClientsFault)
}

type fakeConn struct {
	batch     []interface{}
	fut       *future.Future
	streamErr error
	logs      []interface{}
	logErr    error
	closed    bool
}

func (f *fakeConn) StreamSamples(batch []interface{}) (*future.Future, error) {
	f.batch = batch
	return f.fut, f.streamErr
}

func (f *fakeConn) StreamLogs(batch []interface{}) error {
	f.logs = batch
	return f.logErr
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestUplinkSyncPathpointsConfirmed(t *testing.T) {
	fut := future.New()
	fut.Resolve()
	conn := &fakeConn{fut: fut}
	s := newUplinkWithConn(conn, order.NewQueue())

	err := s.SyncPathpoints(context.Background(), []pathpoint.WireBatch{
		{Path: "W1", Values: [][]interface{}{{float64(1000), 42.5}}},
	})
	require.NoError(t, err)
	require.Len(t, conn.batch, 1)
	assert.True(t, s.HasAsyncOrders())
}

func TestUplinkSyncPathpointsRejected(t *testing.T) {
	fut := future.New()
	fut.Fail(uplink.ErrDataStreamRejected)
	s := newUplinkWithConn(&fakeConn{fut: fut}, order.NewQueue())

	err := s.SyncPathpoints(context.Background(), nil)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.ClientsFault)
	assert.False(t, se.NoLink)
}

func TestUplinkSyncPathpointsConnectionLost(t *testing.T) {
	fut := future.New()
	fut.Fail(&uplink.ConnectionFailed{Reason: "connection closed"})
	s := newUplinkWithConn(&fakeConn{fut: fut}, order.NewQueue())

	err := s.SyncPathpoints(context.Background(), nil)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.NoLink)
	assert.False(t, se.ClientsFault)
}

func TestUplinkSyncPathpointsNotConnected(t *testing.T) {
	s := newUplinkWithConn(&fakeConn{
		streamErr: &uplink.ConnectionFailed{Reason: "not connected", NoInternet: true},
	}, order.NewQueue())

	err := s.SyncPathpoints(context.Background(), nil)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.NoLink)
}

func TestUplinkSyncLogs(t *testing.T) {
	conn := &fakeConn{}
	s := newUplinkWithConn(conn, order.NewQueue())

	err := s.SyncLogs(context.Background(), []map[string]interface{}{
		{"message": "boot complete"},
	})
	require.NoError(t, err)
	require.Len(t, conn.logs, 1)
}

func TestUplinkOrderDeliveryAcksAfterLastSection(t *testing.T) {
	queue := order.NewQueue()
	s := newUplinkWithConn(&fakeConn{}, queue)

	acked, rejected := false, false
	s.handleOrders([]interface{}{
		map[string]interface{}{"orders": []interface{}{
			map[string]interface{}{"type": "read", "path": "W1"},
		}},
		map[string]interface{}{"orders": []interface{}{
			map[string]interface{}{"type": "read", "path": "W2"},
		}},
	}, func() { acked = true }, func() { rejected = true })

	require.Equal(t, 2, queue.Len())
	first, _ := queue.Pop()
	last, _ := queue.Pop()

	first.MarkDone()
	assert.False(t, acked)

	last.MarkDone()
	assert.True(t, acked)
	assert.False(t, rejected)
}

func TestUplinkOrderDeliveryRejectsGarbage(t *testing.T) {
	queue := order.NewQueue()
	s := newUplinkWithConn(&fakeConn{}, queue)

	rejected := false
	s.handleOrders([]interface{}{"not a section"}, func() {}, func() { rejected = true })
	assert.True(t, rejected)
	assert.Zero(t, queue.Len())

	rejected = false
	s.handleOrders(nil, func() {}, func() { rejected = true })
	assert.True(t, rejected)
}

func TestUplinkClose(t *testing.T) {
	conn := &fakeConn{}
	s := newUplinkWithConn(conn, order.NewQueue())
	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
}
