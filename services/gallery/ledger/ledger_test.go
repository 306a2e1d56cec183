// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// memStore is a minimal in-memory AgentStore. GetAgent hands out
// copies so an aborted mutation cannot leak back.
type memStore struct {
	mu     sync.Mutex
	agents map[string]datatypes.Agent
}

func newMemStore() *memStore {
	return &memStore{agents: make(map[string]datatypes.Agent)}
}

func (s *memStore) GetAgent(_ context.Context, id string) (*datatypes.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[id]
	return &a, nil
}

func (s *memStore) put(a *datatypes.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = *a
	return nil
}

func newTestAgent(clk *clock.Fake) *datatypes.Agent {
	return &datatypes.Agent{
		ID:               "painter",
		Status:           datatypes.StatusClaimed,
		CurrentCharges:   float64(datatypes.DefaultMaxCharges),
		MaxCharges:       datatypes.DefaultMaxCharges,
		RegenRate:        datatypes.DefaultRegenRate,
		LastChargeUpdate: clk.Now(),
		CreatedAt:        clk.Now(),
	}
}

func newTestLedger(t *testing.T) (*Ledger, *memStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	require.NoError(t, store.put(newTestAgent(clk)))
	return New(store, clk), store, clk
}

func TestCurrentChargesLazyRegeneration(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := newTestAgent(clk)
	a.CurrentCharges = 2

	assert.Equal(t, 2.0, CurrentCharges(a, clk.Now()))

	// Partial intervals regenerate nothing.
	assert.Equal(t, 2.0, CurrentCharges(a, clk.Now().Add(59*time.Second)))

	assert.Equal(t, 3.0, CurrentCharges(a, clk.Now().Add(60*time.Second)))
	assert.Equal(t, 4.0, CurrentCharges(a, clk.Now().Add(125*time.Second)))

	// Capped at max no matter how long the agent sleeps.
	assert.Equal(t, 5.0, CurrentCharges(a, clk.Now().Add(24*time.Hour)))
}

func TestCurrentChargesMonotonicBetweenDebits(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := newTestAgent(clk)
	a.CurrentCharges = 0.2

	prev := -1.0
	for i := 0; i < 600; i++ {
		got := CurrentCharges(a, clk.Now())
		require.GreaterOrEqual(t, got, prev, "charges regressed at step %d", i)
		require.LessOrEqual(t, got, float64(a.MaxCharges))
		prev = got
		clk.Advance(7 * time.Second)
	}
}

func TestCreditsDerivation(t *testing.T) {
	tests := []struct {
		pixels, messages, want int
	}{
		{0, 0, 3},
		{0, 3, 0},
		{0, 4, 0}, // clamped, never negative
		{3, 3, 1},
		{9, 0, 3}, // capped at max
		{9, 3, 3},
		{9, 4, 2},
		{100, 100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Credits(tt.pixels, tt.messages),
			"credits(%d, %d)", tt.pixels, tt.messages)
	}
}

func TestTryDebitGrantAndSnapshot(t *testing.T) {
	led, store, clk := newTestLedger(t)

	res, err := led.TryDebit(context.Background(), "painter", PixelCost, store.put)
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Remaining)
	assert.Equal(t, clk.Now().Add(datatypes.DefaultRegenRate), res.NextChargeAt)

	a, err := store.GetAgent(context.Background(), "painter")
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.CurrentCharges)
	assert.Equal(t, clk.Now(), a.LastChargeUpdate)
	assert.Equal(t, 1, a.PixelsPlaced)
	assert.Equal(t, clk.Now(), a.LastPixelAt)
}

func TestTryDebitDeniedWithHint(t *testing.T) {
	led, store, clk := newTestLedger(t)

	for i := 0; i < datatypes.DefaultMaxCharges; i++ {
		_, err := led.TryDebit(context.Background(), "painter", PixelCost, store.put)
		require.NoError(t, err)
	}

	clk.Advance(15 * time.Second)
	_, err := led.TryDebit(context.Background(), "painter", PixelCost, store.put)
	var denied *NoChargesError
	require.ErrorAs(t, err, &denied)
	// 15s into a 60s interval: next charge in 45s.
	assert.Equal(t, clk.Now().Add(45*time.Second), denied.NextChargeAt)

	// Denial must not touch the counters.
	a, _ := store.GetAgent(context.Background(), "painter")
	assert.Equal(t, datatypes.DefaultMaxCharges, a.PixelsPlaced)
}

func TestTryDebitAtomicUnderConcurrency(t *testing.T) {
	led, store, _ := newTestLedger(t)

	a, _ := store.GetAgent(context.Background(), "painter")
	a.CurrentCharges = 1.0
	require.NoError(t, store.put(a))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = led.TryDebit(context.Background(), "painter", PixelCost, store.put)
		}(i)
	}
	wg.Wait()

	grants := 0
	for _, err := range results {
		if err == nil {
			grants++
		} else {
			var denied *NoChargesError
			assert.ErrorAs(t, err, &denied)
		}
	}
	assert.Equal(t, 1, grants, "exactly one of two concurrent debits may win one charge")
}

func TestTryDebitCommitFailureAbortsGrant(t *testing.T) {
	led, store, _ := newTestLedger(t)

	_, err := led.TryDebit(context.Background(), "painter", PixelCost, func(*datatypes.Agent) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	a, _ := store.GetAgent(context.Background(), "painter")
	assert.Equal(t, 5.0, a.CurrentCharges)
	assert.Equal(t, 0, a.PixelsPlaced)
}

func TestTrySendSpendsCredit(t *testing.T) {
	led, store, _ := newTestLedger(t)

	for i := 0; i < BaseCredits; i++ {
		res, err := led.TrySend(context.Background(), "painter", store.put)
		require.NoError(t, err)
		assert.Equal(t, BaseCredits-i-1, res.CreditsRemaining)
	}

	_, err := led.TrySend(context.Background(), "painter", store.put)
	var denied *NoCreditsError
	assert.ErrorAs(t, err, &denied)
}

func TestTrySendBonusRequiresRecentPixel(t *testing.T) {
	led, store, clk := newTestLedger(t)

	// Never painted: no bonus.
	res, err := led.TrySend(context.Background(), "painter", store.put)
	require.NoError(t, err)
	assert.False(t, res.BonusGranted)

	// Paint, then chat below max charges: bonus fires.
	_, err = led.TryDebit(context.Background(), "painter", PixelCost, store.put)
	require.NoError(t, err)

	res, err = led.TrySend(context.Background(), "painter", store.put)
	require.NoError(t, err)
	assert.True(t, res.BonusGranted)
	assert.InDelta(t, 4.2, res.Charges, 1e-9)

	// Within the cooldown the bonus stays off.
	clk.Advance(5 * time.Minute)
	res, err = led.TrySend(context.Background(), "painter", store.put)
	require.NoError(t, err)
	assert.False(t, res.BonusGranted)
}

func TestTrySendBonusNeverExceedsMax(t *testing.T) {
	led, store, clk := newTestLedger(t)

	_, err := led.TryDebit(context.Background(), "painter", PixelCost, store.put)
	require.NoError(t, err)

	// Wait long enough to regenerate back to max.
	clk.Advance(10 * time.Minute)

	res, err := led.TrySend(context.Background(), "painter", store.put)
	require.NoError(t, err)
	assert.False(t, res.BonusGranted, "bonus must not fire at max charges")
	assert.Equal(t, 5.0, res.Charges)
}

func TestNextChargeAtZeroWhenFull(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := newTestAgent(clk)

	assert.True(t, NextChargeAt(a, clk.Now()).IsZero())

	a.CurrentCharges = 3
	assert.Equal(t, clk.Now().Add(60*time.Second), NextChargeAt(a, clk.Now()))
}
