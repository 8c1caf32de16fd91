// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package memwatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// transitionLog records OnChange calls from the run goroutine.
type transitionLog struct {
	mu   sync.Mutex
	sevs []Severity
}

func (l *transitionLog) note(sev Severity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sevs = append(l.sevs, sev)
}

func (l *transitionLog) snapshot() []Severity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Severity, len(l.sevs))
	copy(out, l.sevs)
	return out
}

func TestGradesFollowUsage(t *testing.T) {
	mck := clock.NewMock()
	usage := atomic.NewFloat64(95)
	var trans transitionLog

	w := New(Config{
		Every:    10 * time.Second,
		Sample:   func() (float64, error) { return usage.Load(), nil },
		OnChange: trans.note,
		Clock:    mck,
	})
	w.Start()
	defer w.Close()

	// The first sample is taken at Start, before any tick.
	require.Eventually(t, func() bool {
		return w.Severity() == Critical
	}, 5*time.Second, 10*time.Millisecond)

	usage.Store(85)
	require.Eventually(t, func() bool {
		mck.Add(10 * time.Second)
		return w.Severity() == Elevated
	}, 5*time.Second, 10*time.Millisecond)

	usage.Store(40)
	require.Eventually(t, func() bool {
		mck.Add(10 * time.Second)
		return w.Severity() == Normal
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	assert.Equal(t, []Severity{Critical, Elevated, Normal}, trans.snapshot())
}

func TestThresholdBoundaries(t *testing.T) {
	w := New(Config{Sample: func() (float64, error) { return 0, nil }})

	cases := []struct {
		pct  float64
		want Severity
	}{
		{0, Normal},
		{79.99, Normal},
		{80, Elevated},
		{89.99, Elevated},
		{90, Critical},
		{100, Critical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, w.classify(tc.pct), "at %.2f%%", tc.pct)
	}
}

func TestProbeErrorKeepsLastGrade(t *testing.T) {
	mck := clock.NewMock()
	failing := atomic.NewBool(false)
	calls := atomic.NewInt64(0)
	var trans transitionLog

	w := New(Config{
		Every: 10 * time.Second,
		Sample: func() (float64, error) {
			calls.Inc()
			if failing.Load() {
				return 0, errors.New("probe unavailable")
			}
			return 95, nil
		},
		OnChange: trans.note,
		Clock:    mck,
	})
	w.Start()
	defer w.Close()

	require.Eventually(t, func() bool {
		return w.Severity() == Critical
	}, 5*time.Second, 10*time.Millisecond)

	failing.Store(true)
	require.Eventually(t, func() bool {
		mck.Add(10 * time.Second)
		return calls.Load() >= 4
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, Critical, w.Severity())
	assert.Equal(t, []Severity{Critical}, trans.snapshot())
}

func TestCloseIdempotent(t *testing.T) {
	w := New(Config{Sample: func() (float64, error) { return 10, nil }})
	w.Start()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	// Close before Start must not hang.
	idle := New(Config{Sample: func() (float64, error) { return 10, nil }})
	require.NoError(t, idle.Close())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "elevated", Elevated.String())
	assert.Equal(t, "critical", Critical.String())
}
