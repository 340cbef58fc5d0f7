// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/util"
)

const (
	prefixAction = "action/"
	prefixAlert  = "alert/"
)

// Store is the audit store. It satisfies healer.AuditStore and
// alerts.Archive.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	store, err := badger.Open(badger.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	h := healer.New(healer.Config{Store: store})
type Store struct {
	db        *badger.DB
	retention time.Duration
	inMemory  bool

	stopGC context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the audit store and starts value log GC when configured.
func Open(cfg Config) (*Store, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{db: db, retention: cfg.Retention, inMemory: cfg.InMemory, stopGC: func() {}}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.stopGC = cancel
		util.SafeGo(&s.wg, func() {
			runGC(ctx, db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		}, func(p *util.PanicError) {
			logger.Error("audit store GC panicked", "panic", p.Value)
		})
	}
	return s, nil
}

// OpenInMemory opens a store that is lost on Close.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.stopGC()
	s.wg.Wait()
	return s.db.Close()
}

// InMemory reports whether the store keeps nothing on disk.
func (s *Store) InMemory() bool { return s.inMemory }

// SaveAction implements healer.AuditStore.
func (s *Store) SaveAction(ctx context.Context, a healer.Action) error {
	return s.put(ctx, prefixAction, a.Time, a.ID, a)
}

// SaveAlert implements alerts.Archive.
func (s *Store) SaveAlert(ctx context.Context, a alerts.Alert) error {
	return s.put(ctx, prefixAlert, a.Time, a.ID, a)
}

// Actions returns up to limit healing actions, newest first. limit <= 0
// returns everything.
func (s *Store) Actions(ctx context.Context, limit int) ([]healer.Action, error) {
	return list[healer.Action](ctx, s, prefixAction, limit)
}

// Alerts returns up to limit delivered alerts, newest first. limit <= 0
// returns everything.
func (s *Store) Alerts(ctx context.Context, limit int) ([]alerts.Alert, error) {
	return list[alerts.Alert](ctx, s, prefixAlert, limit)
}

func key(prefix string, at time.Time, id string) []byte {
	k := make([]byte, 0, len(prefix)+8+1+len(id))
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))
	k = append(k, '/')
	return append(k, id...)
}

func (s *Store) put(ctx context.Context, prefix string, at time.Time, id string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", prefix, id, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(key(prefix, at, id), value)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

func list[T any](ctx context.Context, s *Store, prefix string, limit int) ([]T, error) {
	var out []T
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the last key not greater than the seek key.
		seek := append(bytes.Clone([]byte(prefix)), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
