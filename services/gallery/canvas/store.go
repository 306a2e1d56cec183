// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canvas owns the in-memory pixel grid and its durable
// mirror. Reads serve from memory; every accepted write goes through
// Place, which mutates the grid and persists the full write (agent,
// grid, event log, cell record) in one storage transaction before the
// mutation is allowed to stand.
package canvas

import (
	"context"
	"fmt"
	"sync"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// Store is the canvas state machine. Cell writes are last-writer-wins
// per cell; the store's lock only serializes the mutate-then-persist
// step, not cross-agent ordering.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	grid    datatypes.Grid
	backing *storage.Store
	clk     clock.Clock
}

// NewStore loads the persisted grid (migrating undersized grids by
// zero-padding) and returns a ready store.
func NewStore(ctx context.Context, backing *storage.Store, clk clock.Clock) (*Store, error) {
	grid, err := backing.LoadGrid(ctx)
	if err != nil {
		return nil, fmt.Errorf("load canvas: %w", err)
	}
	return &Store{grid: grid, backing: backing, clk: clk}, nil
}

// Snapshot returns a deep copy of the current grid.
func (s *Store) Snapshot() datatypes.Grid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid.Clone()
}

// Cell returns the current color of one cell.
func (s *Store) Cell(x, y int) (int, error) {
	if x < 0 || x >= datatypes.CanvasSize || y < 0 || y >= datatypes.CanvasSize {
		return 0, fmt.Errorf("cell (%d,%d) out of range", x, y)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid[y][x], nil
}

// Place applies one admitted pixel write. The caller has already
// validated coordinates and debited the charge snapshot held in a;
// Place mutates the cell and persists agent + grid + event together.
// If persistence fails the cell is rolled back and the debit never
// becomes durable.
func (s *Store) Place(ctx context.Context, a *datatypes.Agent, x, y, color int) (*datatypes.PixelEvent, error) {
	if !datatypes.ValidPixel(x, y, color) {
		return nil, fmt.Errorf("invalid pixel (%d,%d) color %d", x, y, color)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.grid[y][x]
	s.grid[y][x] = color

	ev := &datatypes.PixelEvent{
		X:         x,
		Y:         y,
		Color:     color,
		AgentID:   a.ID,
		Timestamp: s.clk.Now(),
	}
	if err := s.backing.CommitPixel(ctx, a, s.grid, ev); err != nil {
		s.grid[y][x] = old
		return nil, fmt.Errorf("persist pixel: %w", err)
	}
	return ev, nil
}

// Stats aggregates the durable pixel log.
func (s *Store) Stats(ctx context.Context) (*datatypes.CanvasStats, error) {
	return s.backing.CanvasStats(ctx)
}

// Reload replaces the in-memory grid with whatever storage currently
// holds. Used after an administrative reset drops the backing data.
func (s *Store) Reload(ctx context.Context) error {
	grid, err := s.backing.LoadGrid(ctx)
	if err != nil {
		return fmt.Errorf("reload canvas: %w", err)
	}
	s.mu.Lock()
	s.grid = grid
	s.mu.Unlock()
	return nil
}
