// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package log

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *PylonLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. Even if initializing the logger is one of the first
	// things the agent does, we still load the configuration and parse the
	// device credentials first.
	//
	// This buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// Forwarder receives a copy of every record logged at or above the level it
// was registered with. The agent uses one to feed process logs into the
// device-log publisher queue. Forwarders must not call back into this
// package synchronously.
type Forwarder func(level seelog.LogLevel, message string)

// PylonLogger is the wrapper around the seelog backend.
type PylonLogger struct {
	inner        seelog.LoggerInterface
	level        seelog.LogLevel
	forwarder    Forwarder
	forwarderLvl seelog.LogLevel
	l            sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface and
// replays any records buffered before initialization.
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &PylonLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// The exported functions add two frames between the caller and the
	// seelog invocation.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// RegisterForwarder installs f to receive records at or above minLevel.
// Passing nil removes the current forwarder.
func RegisterForwarder(f Forwarder, minLevel seelog.LogLevel) {
	if logger == nil {
		return
	}
	logger.l.Lock()
	logger.forwarder = f
	logger.forwarderLvl = minLevel
	logger.l.Unlock()
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

// ReplaceLogger swaps the seelog backend, returning the previous one.
func ReplaceLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	if logger == nil || logger.inner == nil {
		return nil
	}
	logger.l.Lock()
	defer logger.l.Unlock()

	old := logger.inner
	logger.inner = l
	return old
}

// ChangeLogLevel sets the minimum level records must have to be emitted.
func ChangeLogLevel(level string) error {
	if logger == nil || logger.inner == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	logger.l.Lock()
	defer logger.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.level = lvl
	return nil
}

// GetLogLevel returns the current level, InfoLvl when uninitialized.
func GetLogLevel() seelog.LogLevel {
	if logger == nil || logger.inner == nil {
		return seelog.InfoLvl
	}
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level
}

// ShouldLog reports whether a record at level would currently be emitted.
func ShouldLog(level seelog.LogLevel) bool {
	if logger == nil {
		return false
	}
	return logger.shouldLog(level)
}

// Flush flushes the underlying seelog backend.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

func (pl *PylonLogger) shouldLog(level seelog.LogLevel) bool {
	pl.l.RLock()
	shouldLog := level >= pl.level
	pl.l.RUnlock()
	return shouldLog
}

func (pl *PylonLogger) forward(level seelog.LogLevel, s string) {
	if pl.forwarder != nil && level >= pl.forwarderLvl {
		pl.forwarder(level, s)
	}
}

func (pl *PylonLogger) trace(s string) {
	pl.l.Lock()
	defer pl.l.Unlock()
	pl.inner.Trace(s)
	pl.forward(seelog.TraceLvl, s)
}

func (pl *PylonLogger) debug(s string) {
	pl.l.Lock()
	defer pl.l.Unlock()
	pl.inner.Debug(s)
	pl.forward(seelog.DebugLvl, s)
}

func (pl *PylonLogger) info(s string) {
	pl.l.Lock()
	defer pl.l.Unlock()
	pl.inner.Info(s)
	pl.forward(seelog.InfoLvl, s)
}

func (pl *PylonLogger) warn(s string) error {
	pl.l.Lock()
	defer pl.l.Unlock()
	err := pl.inner.Warn(s)
	pl.forward(seelog.WarnLvl, s)
	return err
}

func (pl *PylonLogger) error(s string) error {
	pl.l.Lock()
	defer pl.l.Unlock()
	err := pl.inner.Error(s)
	pl.forward(seelog.ErrorLvl, s)
	return err
}

func (pl *PylonLogger) critical(s string) error {
	pl.l.Lock()
	defer pl.l.Unlock()
	err := pl.inner.Critical(s)
	pl.forward(seelog.CriticalLvl, s)
	return err
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer bytes.Buffer

	for i := 0; i < len(v)-1; i++ {
		fmtBuffer.WriteString("%v ")
	}
	fmtBuffer.WriteString("%v")

	return fmt.Sprintf(fmtBuffer.String(), v...)
}

func formatErrorf(format string, params ...interface{}) error {
	return fmt.Errorf(format, params...)
}

func formatError(v ...interface{}) error {
	return errors.New(fmt.Sprint(v...))
}

func logTo(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string) error, fallbackStderr bool, v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := formatError(v...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

func logFormat(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logFormatWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string) error, fallbackStderr bool, format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := formatErrorf(format, params...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logTo(seelog.TraceLvl, func() { Trace(v...) }, logger.trace, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, logger.trace, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logTo(seelog.DebugLvl, func() { Debug(v...) }, logger.debug, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, logger.debug, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	logTo(seelog.InfoLvl, func() { Info(v...) }, logger.info, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, logger.info, format, params...)
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	return logWithError(seelog.WarnLvl, func() { Warn(v...) }, logger.warn, false, v...)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, logger.warn, false, format, params...)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	return logWithError(seelog.ErrorLvl, func() { Error(v...) }, logger.error, true, v...)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, logger.error, true, format, params...)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	return logWithError(seelog.CriticalLvl, func() { Critical(v...) }, logger.critical, true, v...)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, logger.critical, true, format, params...)
}
