// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package uplink

import "errors"

var (
	// ErrInvalidFrame reports an undecodable byte stream. The connection is
	// torn down, the pending data retried on the next one.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrDataStreamRejected is the settlement of a DataStream the server
	// refused. The batch is damaged; retrying it cannot succeed.
	ErrDataStreamRejected = errors.New("data stream rejected")

	// ErrClosed reports use of an uplink after Close.
	ErrClosed = errors.New("uplink closed")
)

// ConnectionFailed reports the connection going down, taking any outstanding
// settlements with it.
type ConnectionFailed struct {
	Reason string
	// NoInternet is true when the failure was the link itself rather than
	// the protocol spoken over it.
	NoInternet bool
}

// Error implements error.
func (e *ConnectionFailed) Error() string {
	return "uplink connection failed: " + e.Reason
}

// failed builds a protocol-level ConnectionFailed.
func failed(reason string) *ConnectionFailed {
	return &ConnectionFailed{Reason: reason}
}

// offline builds a link-level ConnectionFailed.
func offline(err error) *ConnectionFailed {
	return &ConnectionFailed{Reason: err.Error(), NoInternet: true}
}
