// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package telemetry exposes the agent's internal counters on the expvar
// surface served by the run subcommand.
package telemetry

import (
	"expvar"
)

var (
	// AgentExpvars is the root map holding every internal counter.
	AgentExpvars *expvar.Map

	// UplinkFramesSent counts frames written to the uplink socket.
	UplinkFramesSent = expvar.Int{}
	// UplinkFramesReceived counts frames read from the uplink socket.
	UplinkFramesReceived = expvar.Int{}
	// UplinkReconnects counts re-establishments of the uplink connection.
	UplinkReconnects = expvar.Int{}
	// UplinkErrors counts connection-level faults.
	UplinkErrors = expvar.Int{}

	// SamplesSynced counts pathpoint samples acked by the cloud.
	SamplesSynced = expvar.Int{}
	// EventsSynced counts alert events acked by the cloud.
	EventsSynced = expvar.Int{}
	// SyncFailures counts failed sync attempts of any domain.
	SyncFailures = expvar.Int{}
	// CommunicatorPasses counts completed reconciliation passes.
	CommunicatorPasses = expvar.Int{}

	// SectionsExecuted counts sections fully processed by the executor.
	SectionsExecuted = expvar.Int{}
	// OrdersRetried counts order dispatch retries.
	OrdersRetried = expvar.Int{}
	// MacrosFired counts macro occurrences executed.
	MacrosFired = expvar.Int{}
	// ArchiveReadsIssued counts reads emitted by the archive schedule.
	ArchiveReadsIssued = expvar.Int{}

	// LogRecordsShipped counts device log records delivered upstream.
	LogRecordsShipped = expvar.Int{}
	// LogRecordsDropped counts device log records dropped under pressure.
	LogRecordsDropped = expvar.Int{}
)

func init() {
	AgentExpvars = expvar.NewMap("pylon_agent")
	AgentExpvars.Set("UplinkFramesSent", &UplinkFramesSent)
	AgentExpvars.Set("UplinkFramesReceived", &UplinkFramesReceived)
	AgentExpvars.Set("UplinkReconnects", &UplinkReconnects)
	AgentExpvars.Set("UplinkErrors", &UplinkErrors)
	AgentExpvars.Set("SamplesSynced", &SamplesSynced)
	AgentExpvars.Set("EventsSynced", &EventsSynced)
	AgentExpvars.Set("SyncFailures", &SyncFailures)
	AgentExpvars.Set("CommunicatorPasses", &CommunicatorPasses)
	AgentExpvars.Set("SectionsExecuted", &SectionsExecuted)
	AgentExpvars.Set("OrdersRetried", &OrdersRetried)
	AgentExpvars.Set("MacrosFired", &MacrosFired)
	AgentExpvars.Set("ArchiveReadsIssued", &ArchiveReadsIssued)
	AgentExpvars.Set("LogRecordsShipped", &LogRecordsShipped)
	AgentExpvars.Set("LogRecordsDropped", &LogRecordsDropped)
}
