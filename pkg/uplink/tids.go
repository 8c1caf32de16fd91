// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package uplink

import "errors"

// maxTID bounds the transaction ID pool. tid 0 is reserved for unsettled
// frames (LOGS).
const maxTID = 1 << 15

var errTIDsExhausted = errors.New("ran out of transaction ids")

// tidAllocator hands out transaction IDs from [1, maxTID), reusing released
// ones first. Not safe for concurrent use; the uplink serializes access.
type tidAllocator struct {
	next uint16
	free []uint16
}

func newTIDAllocator() *tidAllocator {
	return &tidAllocator{next: 1}
}

func (a *tidAllocator) Allocate() (uint16, error) {
	if n := len(a.free); n > 0 {
		tid := a.free[n-1]
		a.free = a.free[:n-1]
		return tid, nil
	}
	if a.next >= maxTID {
		return 0, errTIDsExhausted
	}
	tid := a.next
	a.next++
	return tid, nil
}

func (a *tidAllocator) Release(tid uint16) {
	a.free = append(a.free, tid)
}

func (a *tidAllocator) Reset() {
	a.next = 1
	a.free = a.free[:0]
}
