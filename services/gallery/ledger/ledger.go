// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the two write-gating economies.
//
// Charges gate pixel writes. They are never ticked by a background
// job: the stored state is a (balance, timestamp) snapshot, and the
// effective balance is recomputed lazily on every read as
//
//	min(maxCharges, balance + floor(elapsed / regenRate))
//
// A debit replaces the snapshot with (effective - cost, now).
//
// Chat credits gate chat writes and are not stored at all. They are a
// pure function of the agent's two monotonic counters, so the pixel
// ledger and the chat ledger cannot drift apart:
//
//	clamp(floor(pixelsPlaced/3) + 3 - messagesSent, 0, 3)
//
// The check-then-act sequences (debit, send) are serialized per agent
// with a keyed mutex; durability of the combined agent-plus-event
// write is the caller's commit callback, which is expected to run
// inside one storage transaction.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// Charge economy tuning.
const (
	// PixelCost is the charge price of one pixel write.
	PixelCost = 1.0

	// PixelsPerChat is how many placed pixels earn one chat credit.
	PixelsPerChat = 3

	// BaseCredits is the credit allowance every agent starts each
	// "era" of its counters with.
	BaseCredits = 3

	// MaxCredits caps the derived credit balance.
	MaxCredits = 3

	// BonusAmount is the fractional charge granted for chatting
	// while actively painting.
	BonusAmount = 0.2

	// BonusPaintWindow is how recently the agent must have painted
	// for a chat message to earn the bonus.
	BonusPaintWindow = time.Hour

	// BonusCooldown is the minimum spacing between bonus grants.
	BonusCooldown = 10 * time.Minute
)

// NoChargesError denies a debit. NextChargeAt tells the caller when
// the next whole charge lands so it can back off precisely.
type NoChargesError struct {
	NextChargeAt time.Time
}

func (e *NoChargesError) Error() string {
	return fmt.Sprintf("no charges available; next charge at %s", e.NextChargeAt.Format(time.RFC3339))
}

// NoCreditsError denies a chat send. Credits return only by placing
// pixels, so there is no time hint to give.
type NoCreditsError struct {
	PixelsPlaced int
}

func (e *NoCreditsError) Error() string {
	return fmt.Sprintf("no chat credits; place pixels to earn more (every %d pixels = 1 credit)", PixelsPerChat)
}

// AgentStore is the slice of persistence the ledger needs.
type AgentStore interface {
	// GetAgent returns the agent with the given id.
	GetAgent(ctx context.Context, id string) (*datatypes.Agent, error)
}

// Ledger serializes charge and credit mutations per agent.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Calls for the same agent
// id are serialized; calls for different agents proceed in parallel.
type Ledger struct {
	store AgentStore
	clk   clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Ledger over the given store and clock.
func New(store AgentStore, clk clock.Clock) *Ledger {
	return &Ledger{
		store: store,
		clk:   clk,
		locks: make(map[string]*sync.Mutex),
	}
}

// DebitResult reports a granted debit.
type DebitResult struct {
	// Remaining is the balance after the debit.
	Remaining float64

	// NextChargeAt is when the next whole charge regenerates. Zero
	// when the agent is already at max.
	NextChargeAt time.Time
}

// SendResult reports a granted chat send.
type SendResult struct {
	// CreditsRemaining is the derived credit balance after the send.
	CreditsRemaining int

	// BonusGranted reports whether the paint-then-chat bonus fired.
	BonusGranted bool

	// Charges is the effective charge balance after any bonus.
	Charges float64
}

// =============================================================================
// Pure arithmetic
// =============================================================================

// CurrentCharges recomputes the effective balance at now. Pure; never
// mutates the agent. Monotonically non-decreasing between debits.
func CurrentCharges(a *datatypes.Agent, now time.Time) float64 {
	if a.RegenRate <= 0 {
		return clampCharges(a.CurrentCharges, a.MaxCharges)
	}
	elapsed := now.Sub(a.LastChargeUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	regenerated := float64(elapsed / a.RegenRate) // whole charges only
	return clampCharges(a.CurrentCharges+regenerated, a.MaxCharges)
}

// NextChargeAt returns when the next whole charge lands, or the zero
// time when the agent is already at max.
func NextChargeAt(a *datatypes.Agent, now time.Time) time.Time {
	if CurrentCharges(a, now) >= float64(a.MaxCharges) || a.RegenRate <= 0 {
		return time.Time{}
	}
	elapsed := now.Sub(a.LastChargeUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	return now.Add(a.RegenRate - elapsed%a.RegenRate)
}

// Credits derives the chat credit balance from the two counters.
func Credits(pixelsPlaced, messagesSent int) int {
	c := pixelsPlaced/PixelsPerChat + BaseCredits - messagesSent
	if c < 0 {
		return 0
	}
	if c > MaxCredits {
		return MaxCredits
	}
	return c
}

func clampCharges(v float64, max int) float64 {
	if v < 0 {
		return 0
	}
	if v > float64(max) {
		return float64(max)
	}
	return v
}

// =============================================================================
// Serialized mutations
// =============================================================================

// TryDebit grants a pixel write iff the agent's effective balance
// covers cost. On grant it updates the snapshot to
// (effective - cost, now), increments PixelsPlaced, stamps
// LastPixelAt, and hands the mutated agent to commit, which must
// persist it (together with the pixel event) in one transaction. A
// commit error aborts the grant.
//
// On denial it returns *NoChargesError carrying the regeneration
// hint; the agent is not mutated.
func (l *Ledger) TryDebit(ctx context.Context, agentID string, cost float64, commit func(*datatypes.Agent) error) (*DebitResult, error) {
	unlock := l.lockAgent(agentID)
	defer unlock()

	a, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := l.clk.Now()
	effective := CurrentCharges(a, now)
	if effective < cost {
		return nil, &NoChargesError{NextChargeAt: NextChargeAt(a, now)}
	}

	a.CurrentCharges = effective - cost
	a.LastChargeUpdate = now
	a.PixelsPlaced++
	a.LastPixelAt = now

	if err := commit(a); err != nil {
		return nil, err
	}

	res := &DebitResult{Remaining: a.CurrentCharges}
	if a.CurrentCharges < float64(a.MaxCharges) {
		res.NextChargeAt = now.Add(a.RegenRate)
	}
	return res, nil
}

// TrySend grants a chat message iff the agent has at least one
// derived credit. On grant it increments MessagesSent, applies the
// paint-then-chat bonus when eligible, and hands the mutated agent to
// commit, which must persist it together with the message in one
// transaction.
//
// On denial it returns *NoCreditsError; the agent is not mutated.
func (l *Ledger) TrySend(ctx context.Context, agentID string, commit func(*datatypes.Agent) error) (*SendResult, error) {
	unlock := l.lockAgent(agentID)
	defer unlock()

	a, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if Credits(a.PixelsPlaced, a.MessagesSent) <= 0 {
		return nil, &NoCreditsError{PixelsPlaced: a.PixelsPlaced}
	}

	now := l.clk.Now()
	a.MessagesSent++

	bonus := l.maybeGrantBonus(a, now)

	if err := commit(a); err != nil {
		return nil, err
	}

	return &SendResult{
		CreditsRemaining: Credits(a.PixelsPlaced, a.MessagesSent),
		BonusGranted:     bonus,
		Charges:          CurrentCharges(a, now),
	}, nil
}

// maybeGrantBonus applies the paint-then-chat incentive: +0.2 charges
// when the agent painted within the last hour, at most once per ten
// minutes, never past max. Mutates the snapshot when it fires.
func (l *Ledger) maybeGrantBonus(a *datatypes.Agent, now time.Time) bool {
	if a.LastPixelAt.IsZero() || now.Sub(a.LastPixelAt) > BonusPaintWindow {
		return false
	}
	if !a.LastBonusAt.IsZero() && now.Sub(a.LastBonusAt) < BonusCooldown {
		return false
	}

	effective := CurrentCharges(a, now)
	if effective >= float64(a.MaxCharges) {
		return false
	}

	a.CurrentCharges = math.Min(effective+BonusAmount, float64(a.MaxCharges))
	a.LastChargeUpdate = now
	a.LastBonusAt = now
	return true
}

// lockAgent acquires the per-agent mutex, creating it on first use,
// and returns the matching unlock.
func (l *Ledger) lockAgent(id string) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
