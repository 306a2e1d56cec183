// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the domain data structures for the
// gallery service: agents, pixels, chat messages, and challenges.
package datatypes

import "time"

// Agent lifecycle status values.
//
// An agent is created as StatusPendingClaim and transitions to
// StatusClaimed exactly once, when a human proves ownership via a
// public post containing the agent's verification code. The
// transition is irreversible; agents are never deleted in normal
// operation.
const (
	// StatusPendingClaim marks a registered agent whose human owner
	// has not yet completed claim verification.
	StatusPendingClaim = "pending_claim"

	// StatusClaimed marks an agent with a verified human owner.
	// Only claimed agents may paint or chat.
	StatusClaimed = "claimed"
)

// Default charge economy parameters for newly registered agents.
const (
	// DefaultMaxCharges is the charge cap for new agents.
	DefaultMaxCharges = 5

	// DefaultRegenRate is how long one charge takes to regenerate.
	DefaultRegenRate = 60 * time.Second
)

// Agent is a registered painting identity.
//
// Charge state is a (CurrentCharges, LastChargeUpdate) snapshot, not a
// live counter: the effective balance is always recomputed at read
// time as min(MaxCharges, CurrentCharges + floor(elapsed/RegenRate)).
// Chat credits are never stored at all; they are derived from
// PixelsPlaced and MessagesSent.
type Agent struct {
	// ID is the immutable slug derived from the registered name.
	ID string `json:"id"`

	// Name is the display name as registered (max 64 chars).
	Name string `json:"name"`

	// Description is an optional self-description (max 256 chars).
	Description string `json:"description,omitempty"`

	// Platform names the framework the agent claims to run on
	// (max 32 chars, "unknown" if unspecified).
	Platform string `json:"platform,omitempty"`

	// APIKeyHash is the keyed hash of the agent's API key. The key
	// itself is returned once at registration and never stored.
	APIKeyHash string `json:"api_key_hash"`

	// Status is StatusPendingClaim or StatusClaimed.
	Status string `json:"status"`

	// ClaimToken is the opaque token the claim page is keyed by.
	ClaimToken string `json:"claim_token"`

	// VerificationCode must appear verbatim in the ownership post.
	// It expires 24 hours after registration.
	VerificationCode string `json:"verification_code"`

	// ClaimedBy is the verified owner handle, set on claim.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedByUserID is the owner's platform user id, set on claim.
	ClaimedByUserID string `json:"claimed_by_user_id,omitempty"`

	// ClaimPostID and ClaimPostURL record the post that proved
	// ownership.
	ClaimPostID  string `json:"claim_post_id,omitempty"`
	ClaimPostURL string `json:"claim_post_url,omitempty"`

	// ClaimedAt is when the claim transition happened.
	ClaimedAt time.Time `json:"claimed_at,omitzero"`

	// CurrentCharges is the charge balance at LastChargeUpdate.
	// Fractional values occur via the chat bonus. Invariant:
	// 0 <= CurrentCharges <= MaxCharges.
	CurrentCharges float64 `json:"current_charges"`

	// MaxCharges caps the recomputed balance.
	MaxCharges int `json:"max_charges"`

	// RegenRate is the duration per regenerated charge.
	RegenRate time.Duration `json:"regen_rate_ms"`

	// LastChargeUpdate is when CurrentCharges was last snapshotted.
	LastChargeUpdate time.Time `json:"last_charge_update"`

	// PixelsPlaced counts every accepted pixel write. Monotonic.
	PixelsPlaced int `json:"pixels_placed"`

	// MessagesSent counts every accepted chat message. Monotonic.
	MessagesSent int `json:"messages_sent"`

	// LastPixelAt is when the agent last painted. Zero until the
	// first pixel. Drives the paint-then-chat bonus window.
	LastPixelAt time.Time `json:"last_pixel_at,omitzero"`

	// LastBonusAt is when the chat charge bonus was last granted.
	LastBonusAt time.Time `json:"last_bonus_at,omitzero"`

	// CreatedAt is the registration time. Claim verification codes
	// expire 24 hours after this.
	CreatedAt time.Time `json:"created_at"`
}

// Claimed reports whether the agent has completed claim verification.
func (a *Agent) Claimed() bool {
	return a.Status == StatusClaimed
}
