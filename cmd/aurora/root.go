// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aurora/pkg/ux"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aurora",
		Short: "Self-healing process health monitor",
		Long: `aurora watches a process for missed heartbeats, scheduler stalls,
metric anomalies and failing dependencies, raises alerts and runs healing
actions. "aurora run" hosts the monitor and its status API; the other
commands talk to a running instance or to configuration files.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("output", "auto", "output mode: auto, rich or plain")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the aurora version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aurora %s (%s) %s %s/%s\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func printerFor(cmd *cobra.Command) (*ux.Printer, error) {
	flag, _ := cmd.Flags().GetString("output")
	mode, err := ux.ParseMode(flag)
	if err != nil {
		return nil, err
	}
	return ux.NewPrinter(cmd.OutOrStdout(), mode), nil
}
