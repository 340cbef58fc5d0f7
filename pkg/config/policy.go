// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/aurora/pkg/healer"
)

// policyFile is the on-disk shape of a policy file.
type policyFile struct {
	Rules []healer.PolicyRule `yaml:"rules"`
}

// LoadPolicy reads and validates a policy file.
//
// # Example
//
//	rules:
//	  - anomaly: SPIKE
//	    metric: latency_ms
//	    action: reduce_load
//	  - anomaly: THRESHOLD
//	    metric: error_rate
//	    action: reconnect
//	    target: postgres
func LoadPolicy(path string) ([]healer.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	if err := healer.ValidatePolicy(f.Rules); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return f.Rules, nil
}

// PolicySetter receives reloaded policies. *healer.Healer satisfies it.
type PolicySetter interface {
	SetPolicy(rules []healer.PolicyRule) error
}

// PolicyWatcher reloads a policy file into a PolicySetter when it changes.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// that save by rename are picked up. A file that fails to parse or
// validate is logged and the active policy is kept.
//
// # Thread Safety
//
// Run should be called once, on its own goroutine.
type PolicyWatcher struct {
	path    string
	target  PolicySetter
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	reloads atomic.Int64
}

// NewPolicyWatcher creates a watcher for path.
func NewPolicyWatcher(path string, target PolicySetter, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &PolicyWatcher{
		path:    abs,
		target:  target,
		logger:  logger.With("policy_file", abs),
		watcher: w,
	}, nil
}

// Run applies changes until ctx is done, then closes the watcher.
func (p *PolicyWatcher) Run(ctx context.Context) {
	defer p.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				p.Reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", "error", err)
		}
	}
}

// Reload reads the file and applies it. It reports whether the policy
// was replaced.
func (p *PolicyWatcher) Reload() bool {
	rules, err := LoadPolicy(p.path)
	if err != nil {
		p.logger.Warn("policy reload rejected, keeping active policy", "error", err)
		return false
	}
	if err := p.target.SetPolicy(rules); err != nil {
		p.logger.Warn("policy reload rejected, keeping active policy", "error", err)
		return false
	}
	p.reloads.Add(1)
	p.logger.Info("healing policy reloaded", "rules", len(rules))
	return true
}

// Reloads returns how many reloads were applied.
func (p *PolicyWatcher) Reloads() int64 {
	return p.reloads.Load()
}
