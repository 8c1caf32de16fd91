// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/cihub/seelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) seelog.LoggerInterface {
	l, _ := seelog.LoggerFromWriterWithMinLevelAndFormat(buf, seelog.TraceLvl, "[%LEVEL] %Msg\n")
	return l
}

func TestBufferedLinesReplayedOnSetup(t *testing.T) {
	logger = nil
	bufferLogsBeforeInit = true
	logsBuffer = []func(){}

	Info("before init")
	Warnf("also %s", "buffered")

	var buf bytes.Buffer
	SetupLogger(newBufferLogger(&buf), "debug")
	Flush()

	out := buf.String()
	assert.Contains(t, out, "before init")
	assert.Contains(t, out, "also buffered")
}

func TestWarnReturnsError(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(newBufferLogger(&buf), "info")

	err := Warnf("pump %d stalled", 3)
	require.Error(t, err)
	assert.Equal(t, "pump 3 stalled", err.Error())
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(newBufferLogger(&buf), "warn")

	Info("dropped")
	_ = Warn("kept")
	Flush()

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")

	require.NoError(t, ChangeLogLevel("debug"))
	Debug("now visible")
	Flush()
	assert.Contains(t, buf.String(), "now visible")
}

func TestForwarderReceivesRecords(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(newBufferLogger(&buf), "debug")

	var mu sync.Mutex
	var got []string
	RegisterForwarder(func(lvl seelog.LogLevel, msg string) {
		mu.Lock()
		got = append(got, lvl.String()+":"+msg)
		mu.Unlock()
	}, seelog.WarnLvl)
	defer RegisterForwarder(nil, seelog.TraceLvl)

	Debug("too low")
	_ = Warn("shipped")
	_ = Error("shipped too")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.True(t, strings.HasSuffix(got[0], ":shipped"))
	assert.True(t, strings.HasSuffix(got[1], ":shipped too"))
}
