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
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aurora/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate aurora configuration",
	}
	cmd.AddCommand(newConfigValidateCmd(), newConfigInitCmd(), newConfigEnvCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file with environment overrides and validate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := printerFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				p.Error(err.Error())
				return err
			}
			rules := len(cfg.Healer.Policy)
			if cfg.PolicyFile != "" {
				loaded, err := config.LoadPolicy(cfg.PolicyFile)
				if err != nil {
					p.Error(err.Error())
					return err
				}
				rules = len(loaded)
			}
			if _, err := os.Stat(path); err != nil {
				p.Warning(fmt.Sprintf("%s not found, validated defaults", path))
			}
			p.Success(fmt.Sprintf("configuration valid: interval %s, %d policy rules, %d webhook sinks",
				cfg.Monitor.Interval, rules, len(cfg.Alerts.Webhooks)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "aurora.yaml", "configuration file")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o640)
			if err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				return fmt.Errorf("writing %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			p, err := printerFor(cmd)
			if err != nil {
				return err
			}
			p.Success("wrote " + out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List supported AURORA_* environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			for _, ev := range config.EnvVars() {
				value, set := os.LookupEnv(ev.Key)
				switch {
				case !set:
					value = "(unset)"
				case ev.Sensitive:
					value = strings.Repeat("*", 8)
				}
				fmt.Fprintf(w, "%-34s %-14s %s\n", ev.Key, value, ev.Description)
			}
			return nil
		},
	}
}
