// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Pylon Agent is the edge-side daemon of the Pylon device telemetry and
// control platform. The heavy lifting lives in pkg/agent; this binary wires
// configuration, signals and a localhost telemetry endpoint around it.
package main

import (
	"os"

	"github.com/pylonhq/pylon-agent/cmd/pylon-agent/command"
	"github.com/pylonhq/pylon-agent/cmd/pylon-agent/subcommands/run"
	"github.com/pylonhq/pylon-agent/cmd/pylon-agent/subcommands/version"
)

func main() {
	factories := []command.SubcommandFactory{
		run.Commands,
		version.Commands,
	}
	if err := command.MakeCommand(factories).Execute(); err != nil {
		os.Exit(1)
	}
}
