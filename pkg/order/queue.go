// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package order

import "sync"

// Queue is the section queue drained by the executor. Producers are many
// (syncer, communicator, archiver, user code); the consumer is exactly one.
type Queue struct {
	mu    sync.Mutex
	items []*Section
	wake  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Put appends a section and wakes the consumer.
func (q *Queue) Put(s *Section) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()
	q.signal()
}

// PutAll appends sections in order and wakes the consumer once.
func (q *Queue) PutAll(sections []*Section) {
	if len(sections) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, sections...)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the head section, reporting false when empty.
func (q *Queue) Pop() (*Section, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s, true
}

// Peek returns the head section without removing it.
func (q *Queue) Peek() (*Section, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Get blocks until a section is available or abort is closed.
func (q *Queue) Get(abort <-chan struct{}) (*Section, bool) {
	for {
		if s, ok := q.Pop(); ok {
			return s, true
		}
		select {
		case <-abort:
			return nil, false
		case <-q.wake:
		}
	}
}

// Len returns the number of queued sections.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
