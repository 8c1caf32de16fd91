// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package command holds the root cobra command and the flag set shared by
// every subcommand.
package command

import (
	"github.com/spf13/cobra"
)

// GlobalParams contains the values of agent-global cobra flags.
//
// A pointer to this type is passed to SubcommandFactory's, but its contents
// are not valid until cobra calls the subcommand's Run or RunE function.
type GlobalParams struct {
	// ConfFilePath holds the path to pylon-agent.yaml, to allow overrides
	// from the command line.
	ConfFilePath string
}

// SubcommandFactory builds the subcommands of one area given the global
// flags.
type SubcommandFactory func(globalParams *GlobalParams) []*cobra.Command

// MakeCommand makes the top-level cobra command for the agent.
func MakeCommand(subcommandFactories []SubcommandFactory) *cobra.Command {
	var globalParams GlobalParams

	agentCmd := &cobra.Command{
		Use:   "pylon-agent [command]",
		Short: "Pylon edge agent at your service.",
		Long: `
The Pylon Agent authenticates a device with its X.509 certificate, keeps a
persistent link to the Pylon cloud, executes remotely issued orders against
local pathpoints, evaluates locally hosted alerting rules and synchronizes
the device's samples, events, blobs and metadata.`,
		SilenceUsage: true,
	}

	agentCmd.PersistentFlags().StringVarP(&globalParams.ConfFilePath, "cfgpath", "c", "", "path to pylon-agent.yaml")

	for _, factory := range subcommandFactories {
		for _, subcmd := range factory(&globalParams) {
			agentCmd.AddCommand(subcmd)
		}
	}

	return agentCmd
}
