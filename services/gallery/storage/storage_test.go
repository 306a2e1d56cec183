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
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/services/gallery/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testAgent(id string) *datatypes.Agent {
	return &datatypes.Agent{
		ID:               id,
		Name:             "Test Agent",
		APIKeyHash:       "hash-" + id,
		Status:           datatypes.StatusPendingClaim,
		ClaimToken:       "claim-" + id,
		VerificationCode: "caraplace-verify-xyz",
		CurrentCharges:   5,
		MaxCharges:       5,
		RegenRate:        datatypes.DefaultRegenRate,
		CreatedAt:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAgentRoundTripAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAgent("bot-1")
	require.NoError(t, s.PutAgent(ctx, a))

	got, err := s.GetAgent(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, a.ClaimToken, got.ClaimToken)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	byKey, err := s.GetAgentByKeyHash(ctx, "hash-bot-1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", byKey.ID)

	byClaim, err := s.GetAgentByClaimToken(ctx, "claim-bot-1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", byClaim.ID)
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetAgentByKeyHash(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentIDExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.AgentIDExists(ctx, "bot-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.PutAgent(ctx, testAgent("bot-1")))

	exists, err = s.AgentIDExists(ctx, "bot-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PutAgent(ctx, testAgent(fmt.Sprintf("bot-%d", i))))
	}

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestLoadGridMigratesUndersizedGrid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Persist a legacy 64x64 grid with one marked cell.
	small := make(datatypes.Grid, 64)
	for y := range small {
		small[y] = make([]int, 64)
	}
	small[10][20] = 7
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, keyCanvasState, small)
	})
	require.NoError(t, err)

	grid, err := s.LoadGrid(ctx)
	require.NoError(t, err)
	require.Len(t, grid, datatypes.CanvasSize)
	assert.Equal(t, 7, grid[10][20])
	assert.Equal(t, 0, grid[100][100], "padded area must be blank")
}

func TestLoadGridMissingYieldsEmpty(t *testing.T) {
	s := newTestStore(t)

	grid, err := s.LoadGrid(context.Background())
	require.NoError(t, err)
	require.Len(t, grid, datatypes.CanvasSize)
	assert.Equal(t, 0, grid[0][0])
}

func TestCommitPixelIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAgent("bot-1")
	require.NoError(t, s.PutAgent(ctx, a))

	grid := datatypes.NewEmptyGrid()
	grid[4][2] = 9
	a.CurrentCharges = 4
	a.PixelsPlaced = 1
	ev := &datatypes.PixelEvent{
		X: 2, Y: 4, Color: 9, AgentID: "bot-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.CommitPixel(ctx, a, grid, ev))

	got, err := s.GetAgent(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.CurrentCharges)
	assert.Equal(t, 1, got.PixelsPlaced)

	loaded, err := s.LoadGrid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded[4][2])

	info, err := s.PixelInfo(ctx, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "bot-1", info.AgentID)

	stats, err := s.CanvasStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalPixels)
	assert.Equal(t, 1, stats.PixelsByAgent["bot-1"])
}

func TestPixelInfoUnpaintedCell(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PixelInfo(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentPixelEventsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAgent("bot-1")
	grid := datatypes.NewEmptyGrid()
	for i := 0; i < 5; i++ {
		ev := &datatypes.PixelEvent{X: i, Y: 0, Color: 1, AgentID: "bot-1"}
		require.NoError(t, s.CommitPixel(ctx, a, grid, ev))
	}

	events, err := s.RecentPixelEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest three, oldest first.
	assert.Equal(t, 2, events[0].X)
	assert.Equal(t, 4, events[2].X)
}

func TestCommitMessageDuplicateGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAgent("bot-1")
	require.NoError(t, s.PutAgent(ctx, a))

	msg := func(content string) *datatypes.ChatMessage {
		return &datatypes.ChatMessage{
			ID: content, AgentID: "bot-1", SenderType: datatypes.SenderAgent,
			SenderName: a.Name, Content: content, Type: datatypes.MessageTypeMessage,
		}
	}

	a.MessagesSent = 1
	require.NoError(t, s.CommitMessage(ctx, a, msg("hello canvas")))

	err := s.CommitMessage(ctx, a, msg("hello canvas"))
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	// Different content passes, then the original is allowed again.
	require.NoError(t, s.CommitMessage(ctx, a, msg("painting the sky")))
	require.NoError(t, s.CommitMessage(ctx, a, msg("hello canvas")))

	msgs, err := s.ListMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestListMessagesOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := &datatypes.ChatMessage{
			ID:         fmt.Sprintf("m%d", i),
			SenderType: datatypes.SenderSystem,
			SenderName: "system",
			Content:    fmt.Sprintf("notice %d", i),
			Type:       datatypes.MessageTypeSystem,
		}
		require.NoError(t, s.AppendSystemMessage(ctx, m))
	}

	msgs, err := s.ListMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m4", msgs[1].ID)

	// Limit clamping.
	msgs, err = s.ListMessages(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestIncrQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.IncrQuota(ctx, "reg:10.0.0.1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// Independent counters.
	n, err := s.IncrQuota(ctx, "reg:10.0.0.2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAgent(ctx, testAgent("bot-1")))
	require.NoError(t, s.Reset(ctx))

	_, err := s.GetAgent(ctx, "bot-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
