// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Challenge types. Each is easy for an automated caller that can hash
// or evaluate code exactly, and tedious for a casual human.
const (
	// ChallengeSHA256 asks for a prefix of a SHA-256 digest over a
	// fresh nonce.
	ChallengeSHA256 = "sha256"

	// ChallengeCode asks for the printed output of a small
	// generate-filter-map-sum program.
	ChallengeCode = "code"

	// ChallengeRegex asks yes/no whether a pattern matches a
	// generated example string.
	ChallengeRegex = "regex"
)

// Challenge is an ephemeral bot-proof puzzle. It is single-use: the
// first verification attempt consumes it regardless of outcome, and
// unredeemed challenges are swept after ExpiresAt.
type Challenge struct {
	// ID is the opaque handle returned to the caller.
	ID string `json:"id"`

	// Type is one of the Challenge* constants.
	Type string `json:"type"`

	// Prompt is the question shown to the caller.
	Prompt string `json:"prompt"`

	// Answer is the expected solution. Never serialized to clients.
	Answer string `json:"-"`

	// ExpiresAt is when the challenge stops being redeemable.
	ExpiresAt time.Time `json:"expires_at"`
}
