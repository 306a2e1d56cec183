// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. Sequenced log keys zero-pad the sequence number so
// lexicographic key order is insertion order.
const (
	prefixAgent      = "agent:"
	prefixAgentKey   = "agent_key:"
	prefixAgentClaim = "agent_claim:"
	keyCanvasState   = "canvas:state"
	prefixPixel      = "pixel:"
	prefixCell       = "cell:"
	prefixChat       = "chat:"
	prefixChatLast   = "chat_last:"
	prefixSeq        = "seq:"
	prefixQuota      = "quota:"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides the gallery's typed persistence operations on top of
// a DB.
//
// Thread Safety: safe for concurrent use; callers that need
// check-then-act semantics across calls (the ledgers) serialize per
// agent above this layer.
type Store struct {
	db *DB
}

// NewStore creates a Store over an open DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for lifecycle management.
func (s *Store) DB() *DB {
	return s.db
}

// Reset drops all persisted state. Admin-only, used for canvas wipes
// between events.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropAll()
}

// =============================================================================
// Quota counters
// =============================================================================

// IncrQuota increments the named counter and returns the new count.
// The counter expires ttl after its most recent increment, which
// makes each quota a rolling window anchored on the latest attempt.
func (s *Store) IncrQuota(ctx context.Context, name string, ttl time.Duration) (int, error) {
	var count int
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := []byte(prefixQuota + name)
		count = 1
		item, err := txn.Get(key)
		switch {
		case err == nil:
			err = item.Value(func(val []byte) error {
				prev, perr := strconv.Atoi(string(val))
				if perr != nil {
					return fmt.Errorf("corrupt quota counter %s: %w", name, perr)
				}
				count = prev + 1
				return nil
			})
			if err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first attempt in the window
		default:
			return err
		}
		entry := badger.NewEntry(key, []byte(strconv.Itoa(count))).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// =============================================================================
// Shared helpers
// =============================================================================

// getJSON reads and decodes one key. Maps badger's not-found to
// ErrNotFound.
func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// setJSON encodes and writes one key.
func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// nextSeq allocates the next number of the named sequence within txn.
// Sequence allocation is transactional with the record it numbers, so
// the logs have no gaps from aborted writes.
func nextSeq(txn *badger.Txn, name string) (uint64, error) {
	key := []byte(prefixSeq + name)

	var next uint64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt sequence %s", name)
			}
			next = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
		next = 0
	default:
		return 0, fmt.Errorf("get sequence %s: %w", name, err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := txn.Set(key, buf[:]); err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", name, err)
	}
	return next, nil
}

// seqKey builds a log key whose lexicographic order is numeric order.
func seqKey(prefix string, n uint64) string {
	return fmt.Sprintf("%s%016d", prefix, n)
}
