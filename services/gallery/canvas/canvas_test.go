// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canvas

import (
	"bytes"
	"context"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Store, *clock.Fake) {
	t.Helper()
	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backing := storage.NewStore(db)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store, err := NewStore(context.Background(), backing, clk)
	require.NoError(t, err)
	return store, backing, clk
}

func testAgent() *datatypes.Agent {
	return &datatypes.Agent{
		ID:         "painter",
		Status:     datatypes.StatusClaimed,
		MaxCharges: datatypes.DefaultMaxCharges,
		RegenRate:  datatypes.DefaultRegenRate,
	}
}

func TestNewStoreStartsEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)

	grid := store.Snapshot()
	require.Len(t, grid, datatypes.CanvasSize)
	for _, row := range grid {
		require.Len(t, row, datatypes.CanvasSize)
	}
	assert.Equal(t, 0, grid[0][0])
	assert.Equal(t, 0, grid[127][127])
}

func TestPlacePersistsAndReloads(t *testing.T) {
	store, backing, clk := newTestStore(t)
	ctx := context.Background()

	ev, err := store.Place(ctx, testAgent(), 10, 20, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, ev.X)
	assert.Equal(t, 20, ev.Y)
	assert.Equal(t, 5, ev.Color)
	assert.Equal(t, "painter", ev.AgentID)
	assert.Equal(t, clk.Now(), ev.Timestamp)

	c, err := store.Cell(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 5, c)

	// A fresh store over the same backing sees the write.
	reloaded, err := NewStore(ctx, backing, clk)
	require.NoError(t, err)
	c, err = reloaded.Cell(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 5, c)
}

func TestPlaceRejectsInvalidPixels(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct{ x, y, color int }{
		{-1, 0, 0},
		{datatypes.CanvasSize, 0, 0},
		{0, -1, 0},
		{0, datatypes.CanvasSize, 0},
		{0, 0, -1},
		{0, 0, len(datatypes.Palette)},
	}
	for _, c := range cases {
		_, err := store.Place(ctx, testAgent(), c.x, c.y, c.color)
		assert.Error(t, err, "(%d,%d,%d)", c.x, c.y, c.color)
	}
}

func TestPlaceLastWriterWins(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Place(ctx, testAgent(), 3, 3, 5)
	require.NoError(t, err)

	other := testAgent()
	other.ID = "rival"
	_, err = store.Place(ctx, other, 3, 3, 12)
	require.NoError(t, err)

	c, err := store.Cell(3, 3)
	require.NoError(t, err)
	assert.Equal(t, 12, c)

	info, err := store.backing.PixelInfo(ctx, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, "rival", info.AgentID)
}

func TestStatsCountsPerAgent(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	a := testAgent()
	b := testAgent()
	b.ID = "rival"

	for i := 0; i < 3; i++ {
		_, err := store.Place(ctx, a, i, 0, 1)
		require.NoError(t, err)
	}
	_, err := store.Place(ctx, b, 0, 1, 2)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalPixels)
	assert.Equal(t, 3, stats.PixelsByAgent["painter"])
	assert.Equal(t, 1, stats.PixelsByAgent["rival"])
	assert.Equal(t, datatypes.CanvasSize, stats.CanvasSize)
}

func TestRenderPNGDimensionsAndContent(t *testing.T) {
	grid := datatypes.NewEmptyGrid()
	grid[0][0] = 5 // red

	data, err := RenderPNG(grid)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	bounds := img.Bounds()
	assert.Equal(t, outputSize, bounds.Dx())
	assert.Equal(t, outputSize, bounds.Dy())

	// Inside cell (0,0), away from the border line.
	r, g, b, _ := img.At(renderMargin+2, renderMargin+2).RGBA()
	assert.Equal(t, uint32(0xE5), r>>8)
	assert.Equal(t, uint32(0x00), g>>8)
	assert.Equal(t, uint32(0x00), b>>8)

	// Margin stays background dark.
	r, g, b, _ = img.At(2, 2).RGBA()
	assert.Equal(t, uint32(0x11), r>>8)
	assert.Equal(t, uint32(0x11), g>>8)
	assert.Equal(t, uint32(0x11), b>>8)
}
