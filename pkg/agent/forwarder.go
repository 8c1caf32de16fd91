// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package agent

import (
	"github.com/cihub/seelog"

	"github.com/pylonhq/pylon-agent/pkg/devicelogs"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

// logService names the agent process in the cloud's device-log view.
const logService = "pylon-agent"

// installForwarder copies warnings and worse from the process logger into
// the device-log queue. The publisher is captured here rather than read per
// record: the forwarder runs under the logger's lock, so it must not take
// any device lock. Enqueue itself never logs and never blocks.
func (d *Device) installForwarder() {
	d.mu.Lock()
	pub := d.publisher
	d.mu.Unlock()
	if pub == nil {
		return
	}
	log.RegisterForwarder(func(level seelog.LogLevel, message string) {
		pub.Enqueue(devicelogs.Record{
			Service: logService,
			Message: message,
			Level:   recordLevel(level),
		})
	}, seelog.WarnLvl)
}

func recordLevel(level seelog.LogLevel) int {
	switch level {
	case seelog.TraceLvl, seelog.DebugLvl:
		return devicelogs.LevelDebug
	case seelog.InfoLvl:
		return devicelogs.LevelInfo
	case seelog.WarnLvl:
		return devicelogs.LevelWarning
	case seelog.ErrorLvl:
		return devicelogs.LevelError
	default:
		return devicelogs.LevelCritical
	}
}
