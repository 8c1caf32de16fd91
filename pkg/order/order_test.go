// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countAttempts(r Retryable) int {
	attempts := 1
	for r.Fail() {
		attempts++
	}
	return attempts
}

func TestRetryBudgets(t *testing.T) {
	assert.Equal(t, 10, countAttempts(NewWrite("W1", 1, Force, 0)))
	assert.Equal(t, 1, countAttempts(NewWrite("W1", 1, Advise, 0)))
	assert.Equal(t, 20, countAttempts(NewRead("W1", Force)))
	assert.Equal(t, 3, countAttempts(NewRead("W1", Advise)))
	assert.Equal(t, 3, countAttempts(NewMessage("u-u-i-d")))
}

func TestWriteStale(t *testing.T) {
	now := float64(time.Now().Unix())
	assert.False(t, NewWrite("W1", 1, Advise, 0).Stale(now), "zero stale_after never goes stale")
	assert.True(t, NewWrite("W1", 1, Advise, now-10).Stale(now))
	assert.False(t, NewWrite("W1", 1, Advise, now+10).Stale(now))
}

func TestSectionJoinMergesSettlement(t *testing.T) {
	s1 := NewSection(Joinable, NewWrite("A", 1, Advise, 0))
	s2 := NewSection(Joinable, NewWrite("B", 2, Advise, 0))

	s1.Join(s2)
	require.Len(t, s1.Orders(), 2)

	var settled bool
	s2.OnDone(func(err error) {
		settled = true
		assert.NoError(t, err)
	})
	assert.False(t, settled)

	s1.MarkDone()
	assert.True(t, settled, "absorbed section settles with the absorbing one")
	assert.True(t, s2.Settled())
	assert.NoError(t, s2.Wait())
}

func TestSectionMaxWait(t *testing.T) {
	s := NewSection(Joinable,
		&Wait{Duration: 2 * time.Second},
		NewRead("T1", Advise),
		&Wait{Duration: 5 * time.Second},
	)
	assert.Equal(t, 5*time.Second, s.MaxWait())
	assert.Zero(t, NewSection(Joinable).MaxWait())
}

func TestSectionCancel(t *testing.T) {
	s := NewSection(CannotJoin, NewRead("T1", Advise))
	assert.False(t, s.Cancelled())
	s.Cancel()
	assert.True(t, s.Cancelled())
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	s1 := NewSection(Joinable)
	s2 := NewSection(CannotJoin)
	s3 := NewSection(Joinable)
	q.Put(s1)
	q.PutAll([]*Section{s2, s3})
	require.Equal(t, 3, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Same(t, s1, head)

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Same(t, s1, got)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Same(t, s2, got)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Same(t, s3, got)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueGetAbort(t *testing.T) {
	q := NewQueue()
	abort := make(chan struct{})
	done := make(chan bool)
	go func() {
		_, ok := q.Get(abort)
		done <- ok
	}()
	close(abort)
	assert.False(t, <-done)
}

func TestQueueGetDelivers(t *testing.T) {
	q := NewQueue()
	abort := make(chan struct{})
	defer close(abort)
	delivered := make(chan *Section)
	go func() {
		s, ok := q.Get(abort)
		require.True(t, ok)
		delivered <- s
	}()
	want := NewSection(Joinable)
	q.Put(want)
	select {
	case got := <-delivered:
		assert.Same(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestSectionsFromJSON(t *testing.T) {
	payload := []byte(`[
		{"orders": [
			{"type": "write", "path": "W1", "value": 42, "advise": 1, "stale_after": 1500000000},
			{"type": "read", "path": "T1"},
			{"type": "wait", "time": 2.5},
			{"type": "message", "uuid": "0123"},
			{"type": "sysctl", "op_type": "baob-updated", "op_args": "key1"},
			{"type": "dance"},
			{"no_type": true}
		]},
		{"disposition": 1, "orders": []}
	]`)
	sections, err := SectionsFromJSON(payload)
	require.NoError(t, err)
	require.Len(t, sections, 2)

	first := sections[0].Orders()
	require.Len(t, first, 5, "unknown orders are dropped, the rest survives")
	w := first[0].(*Write)
	assert.Equal(t, "W1", w.Path)
	assert.Equal(t, Force, w.Advise)
	assert.Equal(t, float64(1500000000), w.StaleAfter)
	r := first[1].(*Read)
	assert.Equal(t, "T1", r.Path)
	assert.Equal(t, Advise, r.Advise)
	assert.Equal(t, 2500*time.Millisecond, first[2].(*Wait).Duration)
	assert.Equal(t, "0123", first[3].(*Message).UUID)
	sc := first[4].(*Sysctl)
	assert.Equal(t, "baob-updated", sc.Op)
	assert.Equal(t, "key1", sc.Args)

	assert.True(t, sections[0].Joinable())
	assert.False(t, sections[1].Joinable())
}

func TestSectionsFromListBinaryShapes(t *testing.T) {
	// The binary codec hands over integers, not float64.
	raw := []interface{}{
		map[string]interface{}{
			"disposition": int64(1),
			"orders": []interface{}{
				map[string]interface{}{"type": "write", "path": "W2", "value": int8(7), "advise": uint16(1)},
			},
		},
	}
	sections, err := SectionsFromList(raw)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, CannotJoin, sections[0].Disposition())
	w := sections[0].Orders()[0].(*Write)
	assert.Equal(t, Force, w.Advise)
}

func TestSectionsFromJSONMalformed(t *testing.T) {
	_, err := SectionsFromJSON([]byte(`{"not": "a list"}`))
	assert.Error(t, err)
	_, err = SectionsFromJSON([]byte(`[{"orders": "nope"}]`))
	assert.Error(t, err)
	_, err = SectionsFromJSON([]byte(`[12]`))
	assert.Error(t, err)
}
