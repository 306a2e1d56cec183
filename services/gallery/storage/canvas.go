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

// LoadGrid reads the persisted canvas. A missing canvas yields an
// empty grid. Grids persisted by older deployments with a smaller
// side length are migrated by zero-padding into the top-left of a
// full-size grid; oversized rows are truncated.
func (s *Store) LoadGrid(ctx context.Context) (datatypes.Grid, error) {
	var stored datatypes.Grid
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keyCanvasState, &stored)
	})
	if errors.Is(err, ErrNotFound) {
		return datatypes.NewEmptyGrid(), nil
	}
	if err != nil {
		return nil, err
	}
	return normalizeGrid(stored), nil
}

// normalizeGrid forces the grid to CanvasSize x CanvasSize.
func normalizeGrid(stored datatypes.Grid) datatypes.Grid {
	grid := datatypes.NewEmptyGrid()
	for y := 0; y < len(stored) && y < datatypes.CanvasSize; y++ {
		for x := 0; x < len(stored[y]) && x < datatypes.CanvasSize; x++ {
			if stored[y][x] >= 0 && stored[y][x] < len(datatypes.Palette) {
				grid[y][x] = stored[y][x]
			}
		}
	}
	return grid
}

// CommitPixel persists one granted pixel write in a single
// transaction: the debited agent, the updated grid, the appended
// pixel event, and the per-cell last-writer record. If any part
// fails, none of it happened and the charge was never spent.
func (s *Store) CommitPixel(ctx context.Context, a *datatypes.Agent, grid datatypes.Grid, ev *datatypes.PixelEvent) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := putAgentTxn(txn, a); err != nil {
			return err
		}
		if err := setJSON(txn, keyCanvasState, grid); err != nil {
			return err
		}
		seq, err := nextSeq(txn, "pixel")
		if err != nil {
			return err
		}
		if err := setJSON(txn, seqKey(prefixPixel, seq), ev); err != nil {
			return err
		}
		return setJSON(txn, cellKey(ev.X, ev.Y), ev)
	})
}

// PixelInfo returns the last accepted write to one cell, or
// ErrNotFound for a cell nobody has painted.
func (s *Store) PixelInfo(ctx context.Context, x, y int) (*datatypes.PixelEvent, error) {
	var ev datatypes.PixelEvent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, cellKey(x, y), &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CanvasStats scans the pixel log and aggregates totals per agent.
func (s *Store) CanvasStats(ctx context.Context) (*datatypes.CanvasStats, error) {
	stats := &datatypes.CanvasStats{
		PixelsByAgent: make(map[string]int),
		CanvasSize:    datatypes.CanvasSize,
	}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPixel)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ev datatypes.PixelEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode pixel event %s: %w", it.Item().Key(), err)
			}
			stats.TotalPixels++
			stats.PixelsByAgent[ev.AgentID]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RecentPixelEvents returns up to limit of the newest pixel events,
// oldest first.
func (s *Store) RecentPixelEvents(ctx context.Context, limit int) ([]*datatypes.PixelEvent, error) {
	var events []*datatypes.PixelEvent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the whole prefix.
		seek := append([]byte(prefixPixel), 0xFF)
		prefix := []byte(prefixPixel)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(events) < limit; it.Next() {
			var ev datatypes.PixelEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode pixel event %s: %w", it.Item().Key(), err)
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Undo the reverse scan order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func cellKey(x, y int) string {
	return fmt.Sprintf("%s%03d:%03d", prefixCell, x, y)
}
