// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package future provides the one-shot settlement cell shared by order
// sections and uplink transactions.
package future

import "sync"

// Future settles exactly once, either successfully or with an error.
// Settling an already-settled future is a no-op, which lets a connection
// teardown sweep outstanding futures without racing their normal settlement.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	settled   bool
	callbacks []func(error)
}

// New returns an unsettled future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future successfully.
func (f *Future) Resolve() {
	f.settle(nil)
}

// Fail settles the future with err.
func (f *Future) Fail(err error) {
	f.settle(err)
}

func (f *Future) settle(err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Done returns a channel closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Err returns the settlement error. Only meaningful after Done is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until settlement and returns the settlement error.
func (f *Future) Wait() error {
	<-f.done
	return f.Err()
}

// OnSettle registers cb to run on settlement. If the future already settled,
// cb runs immediately on the calling goroutine.
func (f *Future) OnSettle(cb func(error)) {
	f.mu.Lock()
	if f.settled {
		err := f.err
		f.mu.Unlock()
		cb(err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Join returns a future settling once both a and b have settled. It fails
// with the first error observed, resolving otherwise.
func Join(a, b *Future) *Future {
	out := New()
	var once sync.Once
	var firstErr error
	var pending = 2
	var mu sync.Mutex

	hook := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		pending--
		last := pending == 0
		errOut := firstErr
		mu.Unlock()
		if last {
			once.Do(func() {
				if errOut != nil {
					out.Fail(errOut)
				} else {
					out.Resolve()
				}
			})
		}
	}
	a.OnSettle(hook)
	b.OnSettle(hook)
	return out
}
