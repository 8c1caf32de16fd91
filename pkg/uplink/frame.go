// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package uplink

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies an uplink frame's purpose.
type FrameType uint16

const (
	// Ping is sent by the client and echoed by the server.
	Ping FrameType = 0
	// Order carries a list of sections from the server; must be settled.
	Order FrameType = 1
	// OrderConfirm is the positive settlement of an Order's tid.
	OrderConfirm FrameType = 2
	// Logs carries a fire-and-forget log batch.
	Logs FrameType = 3
	// DataStream carries a pathpoint-sample batch, expects settlement.
	DataStream FrameType = 4
	// DataStreamConfirm is the positive settlement of a DataStream.
	DataStreamConfirm FrameType = 5
	// DataStreamReject is the negative settlement of a DataStream.
	DataStreamReject FrameType = 6
	// OrderReject is the negative settlement of an Order's tid.
	OrderReject FrameType = 9
	// FetchOrders requests delivery of the orders pending server-side.
	FetchOrders FrameType = 10
)

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	switch t {
	case Ping, Order, OrderConfirm, Logs, DataStream, DataStreamConfirm,
		DataStreamReject, OrderReject, FetchOrders:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (t FrameType) String() string {
	switch t {
	case Ping:
		return "PING"
	case Order:
		return "ORDER"
	case OrderConfirm:
		return "ORDER_CONFIRM"
	case Logs:
		return "LOGS"
	case DataStream:
		return "DATA_STREAM"
	case DataStreamConfirm:
		return "DATA_STREAM_CONFIRM"
	case DataStreamReject:
		return "DATA_STREAM_REJECT"
	case OrderReject:
		return "ORDER_REJECT"
	case FetchOrders:
		return "FETCH_ORDERS"
	default:
		return fmt.Sprintf("FRAME_TYPE(%d)", uint16(t))
	}
}

const (
	// headerLen is the fixed frame header size:
	// u32 payload_len | u16 tid | u16 frame_type, big-endian.
	headerLen = 8

	// MaxPayload bounds a single frame's payload. Anything larger is treated
	// as a corrupted stream rather than buffered.
	MaxPayload = 16 << 20
)

// Frame is one uplink protocol frame.
type Frame struct {
	TID     uint16
	Type    FrameType
	Payload []byte
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("%s(tid=%d, %dB)", f.Type, f.TID, len(f.Payload))
}

// Encode renders the frame in wire form.
func (f Frame) Encode() []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], f.TID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Type))
	copy(buf[headerLen:], f.Payload)
	return buf
}

// Decode pulls one frame off the front of buf. A consumed count of zero with
// a nil error means more bytes are needed; a truncated buffer never yields a
// partial frame. The payload is copied, so the caller may reuse buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	tid := binary.BigEndian.Uint16(buf[4:6])
	typ := FrameType(binary.BigEndian.Uint16(buf[6:8]))
	if !typ.Valid() {
		return Frame{}, 0, fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, uint16(typ))
	}
	if length > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: payload of %d bytes", ErrInvalidFrame, length)
	}
	if len(buf) < headerLen+int(length) {
		return Frame{}, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:headerLen+int(length)])
	return Frame{TID: tid, Type: typ, Payload: payload}, headerLen + int(length), nil
}
