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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aurora/pkg/config"
	"github.com/AleutianAI/aurora/pkg/logging"
	"github.com/AleutianAI/aurora/pkg/server"
	"github.com/AleutianAI/aurora/pkg/telemetry"
)

type runOptions struct {
	configPath    string
	selfHeartbeat bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor and its status API until interrupted",
		Long: `Loads the configuration (defaults, then the YAML file, then AURORA_*
environment variables), builds every component, starts the monitoring loop
and the status API, and watches the policy file for changes. SIGINT or
SIGTERM shuts everything down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMonitor(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "aurora.yaml", "configuration file")
	cmd.Flags().BoolVar(&opts.selfHeartbeat, "self-heartbeat", true,
		"heartbeat the watchdog from this process; disable when the host posts /heartbeat")
	return cmd
}

// runMonitor hosts the monitor until ctx is done.
func runMonitor(ctx context.Context, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	sys, err := config.Build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Warn("closing audit store", "error", err)
		}
	}()

	if err := sys.Monitor.Start(ctx); err != nil {
		return err
	}
	log.Info("aurora started",
		"version", version,
		"interval", cfg.Monitor.Interval,
		"server", cfg.Server.Enabled,
		"storage", cfg.Storage.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := server.New(server.Config{
			Addr:            cfg.Server.Addr,
			RateLimit:       cfg.Server.RateLimit,
			Limits:          cfg.Server.Limits,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ServiceName:     cfg.Telemetry.ServiceName,
			Archive:         archiveOf(sys),
			Requests:        sys.Requests,
			MetricsHandler:  tel.MetricsHandler(),
			Logger:          log,
		}, sys.Monitor)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if cfg.PolicyFile != "" {
		w, err := config.NewPolicyWatcher(cfg.PolicyFile, sys.Monitor.Healer(), log)
		if err != nil {
			log.Warn("policy hot reload disabled", "error", err)
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}
	if opts.selfHeartbeat {
		g.Go(func() error {
			selfHeartbeat(gctx, sys.Monitor.Heartbeat, cfg.Watchdog.CheckInterval/2)
			return nil
		})
	}

	<-gctx.Done()
	log.Info("aurora shutting down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// archiveOf returns the audit store as a server.Archive, or nil when
// storage is disabled. A nil *badger.Store must not become a non-nil
// interface.
func archiveOf(sys *config.System) server.Archive {
	if sys.Store == nil {
		return nil
	}
	return sys.Store
}

func selfHeartbeat(ctx context.Context, beat func(), every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	beat()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat()
		}
	}
}

// newLogger builds the process logger. Format "auto" writes text to a
// terminal and JSON otherwise.
func newLogger(c config.LogConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	var asJSON bool
	switch c.Format {
	case "json":
		asJSON = true
	case "text":
	default:
		asJSON = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: "aurora",
		JSON:    asJSON,
	}), nil
}
