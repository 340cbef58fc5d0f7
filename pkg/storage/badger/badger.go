// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger persists the healing audit log and delivered alerts in
// an embedded BadgerDB.
//
// Records are JSON values under time-ordered keys
// ("<kind>/<unix-nanos big endian>/<id>"), so listing newest-first is a
// reverse prefix scan. Entries expire after Config.Retention.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the audit database.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests and `--no-persist`.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit. Default: true.
	SyncWrites bool `yaml:"sync_writes"`

	// Retention is how long records are kept. Zero keeps them forever.
	// Default: 30 days.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`

	// GCInterval is how often value log GC runs. Zero disables it.
	// Default: 5 minutes.
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	// Default: 0.5.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's own log output. nil silences it.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns durable defaults for a persistent database.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		Retention:      30 * 24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style log calls to slog. Badger
// is chatty at Info, so its Info output is demoted to Debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return opts, errors.New("path is required for persistent database")
	default:
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger.With("component", "badger")})
	}
	return opts, nil
}

// collectGarbage rewrites value log files until badger reports nothing
// left to reclaim, and returns how many files were rewritten.
func collectGarbage(db *badger.DB, ratio float64) (int, error) {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	rewrites := 0
	for {
		err := db.RunValueLogGC(ratio)
		switch {
		case err == nil:
			rewrites++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return rewrites, nil
		default:
			return rewrites, err
		}
	}
}

// runGC calls collectGarbage every interval until ctx is done.
func runGC(ctx context.Context, db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := collectGarbage(db, ratio)
			if err != nil {
				logger.Warn("audit store value log GC failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("audit store value log GC", "rewrites", n)
			}
		}
	}
}

// update runs fn in a read-write transaction unless ctx is already done.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// view runs fn in a read-only transaction unless ctx is already done.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
