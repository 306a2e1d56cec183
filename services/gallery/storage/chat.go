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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// ErrDuplicateMessage rejects a message identical to the agent's
// immediately preceding one. Cheap spam guard, independent of the
// credit economy.
var ErrDuplicateMessage = errors.New("duplicate of previous message")

// CommitMessage persists one granted chat send: the updated agent
// (messages_sent, any charge bonus) and the appended message, in a
// single transaction. It enforces the duplicate-content guard inside
// the transaction, so a rejection also aborts the credit spend.
func (s *Store) CommitMessage(ctx context.Context, a *datatypes.Agent, m *datatypes.ChatMessage) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		lastKey := []byte(prefixChatLast + a.ID)
		digest := contentHash(m.Content)

		item, err := txn.Get(lastKey)
		if err == nil {
			var prev string
			if err := item.Value(func(val []byte) error {
				prev = string(val)
				return nil
			}); err != nil {
				return err
			}
			if prev == digest {
				return ErrDuplicateMessage
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := putAgentTxn(txn, a); err != nil {
			return err
		}
		if err := appendMessageTxn(txn, m); err != nil {
			return err
		}
		return txn.Set(lastKey, []byte(digest))
	})
}

// AppendSystemMessage records a service notice in the chat log. No
// agent counters move and the duplicate guard does not apply.
func (s *Store) AppendSystemMessage(ctx context.Context, m *datatypes.ChatMessage) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return appendMessageTxn(txn, m)
	})
}

func appendMessageTxn(txn *badger.Txn, m *datatypes.ChatMessage) error {
	seq, err := nextSeq(txn, "chat")
	if err != nil {
		return err
	}
	return setJSON(txn, seqKey(prefixChat, seq), m)
}

// ListMessages returns up to limit of the newest messages, oldest
// first.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]*datatypes.ChatMessage, error) {
	if limit <= 0 {
		limit = datatypes.ChatDefaultLimit
	}
	if limit > datatypes.ChatMaxLimit {
		limit = datatypes.ChatMaxLimit
	}

	var messages []*datatypes.ChatMessage
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(prefixChat), 0xFF)
		prefix := []byte(prefixChat)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var m datatypes.ChatMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode chat message %s: %w", it.Item().Key(), err)
			}
			messages = append(messages, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
