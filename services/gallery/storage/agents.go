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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// PutAgent writes the agent record and its lookup indexes (api-key
// hash, claim token) in one transaction.
func (s *Store) PutAgent(ctx context.Context, a *datatypes.Agent) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putAgentTxn(txn, a)
	})
}

// putAgentTxn is the shared write path, also used by the pixel and
// chat commit transactions.
func putAgentTxn(txn *badger.Txn, a *datatypes.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent has no id")
	}
	if err := setJSON(txn, prefixAgent+a.ID, a); err != nil {
		return err
	}
	if a.APIKeyHash != "" {
		if err := txn.Set([]byte(prefixAgentKey+a.APIKeyHash), []byte(a.ID)); err != nil {
			return fmt.Errorf("write api key index: %w", err)
		}
	}
	if a.ClaimToken != "" {
		if err := txn.Set([]byte(prefixAgentClaim+a.ClaimToken), []byte(a.ID)); err != nil {
			return fmt.Errorf("write claim token index: %w", err)
		}
	}
	return nil
}

// GetAgent returns the agent with the given id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*datatypes.Agent, error) {
	var a datatypes.Agent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixAgent+id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgentByKeyHash resolves an api-key hash to its agent. This is
// the hot path of bearer authentication.
func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*datatypes.Agent, error) {
	return s.getAgentByIndex(ctx, prefixAgentKey+hash)
}

// GetAgentByClaimToken resolves a claim token to its agent.
func (s *Store) GetAgentByClaimToken(ctx context.Context, token string) (*datatypes.Agent, error) {
	return s.getAgentByIndex(ctx, prefixAgentClaim+token)
}

func (s *Store) getAgentByIndex(ctx context.Context, indexKey string) (*datatypes.Agent, error) {
	var a datatypes.Agent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(indexKey))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, indexKey)
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, prefixAgent+id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AgentIDExists reports whether an agent id is taken. Used for slug
// collision resolution at registration.
func (s *Store) AgentIDExists(ctx context.Context, id string) (bool, error) {
	exists := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixAgent + id))
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return exists, err
}

// ListAgents returns every registered agent, unordered.
func (s *Store) ListAgents(ctx context.Context) ([]*datatypes.Agent, error) {
	var agents []*datatypes.Agent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAgent)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var a datatypes.Agent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return fmt.Errorf("decode agent %s: %w", it.Item().Key(), err)
			}
			agents = append(agents, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}
