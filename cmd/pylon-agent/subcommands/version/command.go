// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package version prints the build's version metadata.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon-agent/cmd/pylon-agent/command"
	"github.com/pylonhq/pylon-agent/pkg/version"
)

// Commands returns the version subcommand.
func Commands(_ *command.GlobalParams) []*cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			commit := version.Commit
			if commit == "" {
				commit = "unknown"
			}
			fmt.Printf("Pylon Agent %s - Commit: %s - Go version: %s\n",
				version.AgentVersion, commit, runtime.Version())
		},
	}
	return []*cobra.Command{versionCmd}
}
