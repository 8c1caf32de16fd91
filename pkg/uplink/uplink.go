// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package uplink maintains the framed TLS connection to the cloud: a
// length-prefixed frame protocol with 16-bit transaction IDs, ping
// keep-alive, streamed sample batches settled by the server and orders
// pushed by it. The driver reconnects forever with exponential back-off;
// resubmitting work that a dead connection took down is the caller's job.
package uplink

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"

	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/telemetry"
	"github.com/pylonhq/pylon-agent/pkg/util/future"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

const (
	// Port is the TCP port of the framed uplink.
	Port = 2408

	dialTimeout = 10 * time.Second
	sendTimeout = 10 * time.Second

	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 120 * time.Second
	defaultWriteTimeout = 90 * time.Second
	defaultTick         = time.Second
)

// State is the connection's lifecycle position.
type State int32

const (
	// Disconnected means no connection is up; the driver is backing off.
	Disconnected State = iota
	// Connecting means a dial is in flight.
	Connecting
	// Ready means frames flow.
	Ready
	// Closed means the driver has shut down for good.
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// OrderHandler receives decoded ORDER payloads. The handler, or work it
// schedules, must settle every delivery with Acknowledge or Reject.
type OrderHandler func(*Delivery)

// Delivery is one ORDER frame awaiting settlement.
type Delivery struct {
	// Payload is the decoded frame body: a list of section objects.
	Payload []interface{}

	uplink  *Uplink
	tid     uint16
	settled atomic.Bool
}

// TID returns the delivery's transaction ID.
func (d *Delivery) TID() uint16 { return d.tid }

// Acknowledge settles the delivery positively. Only the first settlement
// counts.
func (d *Delivery) Acknowledge() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	if err := d.uplink.send(Frame{TID: d.tid, Type: OrderConfirm}); err != nil {
		log.Debugf("Uplink could not confirm order %d: %v", d.tid, err)
	}
}

// Reject settles the delivery negatively.
func (d *Delivery) Reject() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	if err := d.uplink.send(Frame{TID: d.tid, Type: OrderReject}); err != nil {
		log.Debugf("Uplink could not reject order %d: %v", d.tid, err)
	}
}

// Uplink drives one logical connection to the cloud, transparently redialing
// the physical one. All mutating calls serialize on an internal mutex; the
// read loop runs on its own goroutine.
type Uplink struct {
	dial    func() (net.Conn, error)
	onOrder OrderHandler
	clk     clock.Clock

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	tick         time.Duration

	state   atomic.Int32
	closing atomic.Bool
	started atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	conn      net.Conn
	tids      *tidAllocator
	pending   map[uint16]*future.Future
	pingTID   uint16
	hasPing   bool
	lastRead  time.Time
	lastWrite time.Time
}

// New builds an uplink for the environment the credentials name, delivering
// pushed orders to onOrder (nil refuses them). Call Start to begin
// connecting.
func New(creds *certs.Credentials, onOrder OrderHandler) *Uplink {
	host := creds.Identity.Environment.UplinkHost()
	addr := net.JoinHostPort(host, strconv.Itoa(Port))
	cfg := &tls.Config{
		Certificates: []tls.Certificate{creds.TLSCertificate()},
		RootCAs:      creds.TrustPool(),
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}
	return newUplink(func() (net.Conn, error) {
		return tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, cfg)
	}, onOrder)
}

func newUplink(dial func() (net.Conn, error), onOrder OrderHandler) *Uplink {
	return &Uplink{
		dial:         dial,
		onOrder:      onOrder,
		clk:          clock.New(),
		pingInterval: defaultPingInterval,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		tick:         defaultTick,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		tids:         newTIDAllocator(),
		pending:      map[uint16]*future.Future{},
	}
}

// Start launches the connection loop.
func (u *Uplink) Start() {
	if !u.started.CompareAndSwap(false, true) {
		return
	}
	go u.run()
}

// State returns the connection's lifecycle position.
func (u *Uplink) State() State { return State(u.state.Load()) }

// Connected reports whether frames currently flow.
func (u *Uplink) Connected() bool { return u.State() == Ready }

// Close tears down the connection and stops the driver. Outstanding
// settlement futures fail with *ConnectionFailed. Idempotent.
func (u *Uplink) Close() error {
	if !u.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(u.done)
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if u.started.Load() {
		<-u.stopped
	}
	u.state.Store(int32(Closed))
	return nil
}

// StreamSamples sends one pathpoint-sample batch as a DATA_STREAM frame and
// returns its settlement future. The future fails with ErrDataStreamRejected
// when the server refuses the batch and with *ConnectionFailed when the
// connection goes down first; it is never leaked.
func (u *Uplink) StreamSamples(batch []interface{}) (*future.Future, error) {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("unencodable sample batch: %w", err)
	}

	u.mu.Lock()
	if u.conn == nil {
		u.mu.Unlock()
		return nil, &ConnectionFailed{Reason: "not connected", NoInternet: true}
	}
	tid, err := u.tids.Allocate()
	if err != nil {
		conn := u.conn
		u.mu.Unlock()
		log.Criticalf("Uplink %v, reconnecting", err)
		_ = conn.Close()
		return nil, failed(err.Error())
	}
	fut := future.New()
	u.pending[tid] = fut
	if werr := u.writeLocked(Frame{TID: tid, Type: DataStream, Payload: payload}); werr != nil {
		delete(u.pending, tid)
		u.tids.Release(tid)
		conn := u.conn
		u.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, werr
	}
	u.mu.Unlock()
	return fut, nil
}

// StreamLogs sends one log batch as an unsettled LOGS frame, best effort.
func (u *Uplink) StreamLogs(batch []interface{}) error {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("unencodable log batch: %w", err)
	}

	u.mu.Lock()
	werr := u.writeLocked(Frame{TID: 0, Type: Logs, Payload: payload})
	conn := u.conn
	u.mu.Unlock()
	if werr != nil && conn != nil {
		_ = conn.Close()
	}
	return werr
}

func (u *Uplink) run() {
	defer close(u.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for !u.closing.Load() {
		u.state.Store(int32(Connecting))
		conn, err := u.dial()
		if err != nil {
			u.state.Store(int32(Disconnected))
			telemetry.UplinkErrors.Add(1)
			log.Warnf("Uplink dial failed: %v", err)
			if !u.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()
		u.attach(conn)
		telemetry.UplinkReconnects.Add(1)
		log.Infof("Uplink connected to %s", conn.RemoteAddr())

		err = u.serve(conn)
		u.teardown(err)
		if !u.closing.Load() {
			log.Warnf("Uplink connection lost: %v", err)
		}
	}
	u.state.Store(int32(Closed))
}

// attach installs a fresh connection, resetting buffers, tids and ping state.
func (u *Uplink) attach(conn net.Conn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conn = conn
	u.tids.Reset()
	u.pending = map[uint16]*future.Future{}
	u.hasPing = false
	now := u.clk.Now()
	u.lastRead, u.lastWrite = now, now
	u.state.Store(int32(Ready))
}

// serve reads frames until the connection fails or the driver closes.
func (u *Uplink) serve(conn net.Conn) error {
	if u.onOrder != nil {
		if err := u.send(Frame{Type: FetchOrders}); err != nil {
			return err
		}
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		if u.closing.Load() {
			return failed("closing")
		}
		// Socket deadlines stay on the wall clock; the kernel enforces them.
		_ = conn.SetReadDeadline(time.Now().Add(u.tick))
		n, err := conn.Read(chunk)
		if n > 0 {
			u.noteRead()
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, derr := Decode(buf)
				if derr != nil {
					return derr
				}
				if consumed == 0 {
					break
				}
				buf = buf[consumed:]
				telemetry.UplinkFramesReceived.Add(1)
				if herr := u.handleFrame(frame); herr != nil {
					return herr
				}
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if derr := u.checkDeadlines(); derr != nil {
					return derr
				}
				continue
			}
			return offline(err)
		}
		if derr := u.checkDeadlines(); derr != nil {
			return derr
		}
	}
}

func (u *Uplink) noteRead() {
	u.mu.Lock()
	u.lastRead = u.clk.Now()
	u.mu.Unlock()
}

// checkDeadlines enforces the keep-alive discipline: ping after pingInterval
// without a write, fail after readTimeout without a read or writeTimeout
// without a write while a ping is outstanding.
func (u *Uplink) checkDeadlines() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return failed("closing")
	}
	now := u.clk.Now()
	if !u.hasPing {
		if now.Sub(u.lastWrite) < u.pingInterval {
			return nil
		}
		tid, err := u.tids.Allocate()
		if err != nil {
			return failed(err.Error())
		}
		u.pingTID, u.hasPing = tid, true
		return u.writeLocked(Frame{TID: tid, Type: Ping})
	}
	if now.Sub(u.lastRead) >= u.readTimeout {
		return failed("timed out")
	}
	if now.Sub(u.lastWrite) >= u.writeTimeout {
		return failed("timed out")
	}
	return nil
}

func (u *Uplink) handleFrame(f Frame) error {
	log.Tracef("Uplink received %s", f)
	switch f.Type {
	case Ping:
		u.mu.Lock()
		if u.hasPing {
			u.tids.Release(u.pingTID)
			u.hasPing = false
		}
		u.mu.Unlock()
		return nil
	case DataStreamConfirm, DataStreamReject:
		u.mu.Lock()
		fut, ok := u.pending[f.TID]
		if ok {
			delete(u.pending, f.TID)
			u.tids.Release(f.TID)
		}
		u.mu.Unlock()
		if !ok {
			log.Debugf("Uplink settlement for unknown tid %d", f.TID)
			return nil
		}
		if f.Type == DataStreamConfirm {
			fut.Resolve()
		} else {
			fut.Fail(ErrDataStreamRejected)
		}
		return nil
	case Order:
		return u.deliverOrder(f)
	default:
		log.Debugf("Uplink ignoring unexpected %s", f)
		return nil
	}
}

func (u *Uplink) deliverOrder(f Frame) error {
	if u.onOrder == nil {
		return u.send(Frame{TID: f.TID, Type: OrderReject})
	}
	var payload []interface{}
	if err := msgpack.Unmarshal(f.Payload, &payload); err != nil {
		return fmt.Errorf("%w: order payload: %v", ErrInvalidFrame, err)
	}
	u.onOrder(&Delivery{Payload: payload, uplink: u, tid: f.TID})
	return nil
}

func (u *Uplink) send(f Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writeLocked(f)
}

func (u *Uplink) writeLocked(f Frame) error {
	if u.conn == nil {
		return &ConnectionFailed{Reason: "not connected", NoInternet: true}
	}
	_ = u.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := u.conn.Write(f.Encode()); err != nil {
		return offline(err)
	}
	u.lastWrite = u.clk.Now()
	telemetry.UplinkFramesSent.Add(1)
	log.Tracef("Uplink sent %s", f)
	return nil
}

// teardown closes the connection and settles every outstanding future so
// none is leaked across reconnects.
func (u *Uplink) teardown(err error) {
	u.mu.Lock()
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	swept := u.pending
	u.pending = map[uint16]*future.Future{}
	u.tids.Reset()
	u.hasPing = false
	u.mu.Unlock()

	if u.closing.Load() {
		u.state.Store(int32(Closed))
	} else {
		u.state.Store(int32(Disconnected))
		telemetry.UplinkErrors.Add(1)
	}

	if len(swept) == 0 {
		return
	}
	var cf *ConnectionFailed
	if !errors.As(err, &cf) {
		cf = failed("connection closed")
	}
	for _, fut := range swept {
		fut.Fail(cf)
	}
}

func (u *Uplink) sleep(d time.Duration) bool {
	select {
	case <-u.done:
		return false
	case <-u.clk.After(d):
		return true
	}
}
