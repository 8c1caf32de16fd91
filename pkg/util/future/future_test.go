// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package future

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSettlesOnce(t *testing.T) {
	f := New()
	assert.False(t, f.Settled())

	f.Resolve()
	f.Fail(errors.New("late"))

	require.True(t, f.Settled())
	assert.NoError(t, f.Wait())
}

func TestFailCarriesError(t *testing.T) {
	f := New()
	boom := errors.New("boom")
	f.Fail(boom)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, boom, f.Err())
}

func TestOnSettleAfterSettlementRunsInline(t *testing.T) {
	f := New()
	f.Resolve()

	ran := false
	f.OnSettle(func(err error) {
		ran = true
		assert.NoError(t, err)
	})
	assert.True(t, ran)
}

func TestJoinWaitsForBoth(t *testing.T) {
	a, b := New(), New()
	j := Join(a, b)

	a.Resolve()
	select {
	case <-j.Done():
		t.Fatal("joined future settled with one half pending")
	case <-time.After(10 * time.Millisecond):
	}

	b.Resolve()
	require.NoError(t, j.Wait())
}

func TestJoinPropagatesFirstError(t *testing.T) {
	a, b := New(), New()
	j := Join(a, b)

	boom := errors.New("boom")
	a.Fail(boom)
	b.Resolve()

	assert.Equal(t, boom, j.Wait())
}
