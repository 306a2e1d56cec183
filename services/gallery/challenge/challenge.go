// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package challenge issues and redeems registration bot-proofs.
//
// The proofs are inverted CAPTCHAs: trivial for software that can
// hash a string, trace a loop, or evaluate a regular expression, and
// tedious for a human clicking through by hand. Passing one is a
// precondition for registering an agent.
//
// Challenges are ephemeral, in-memory only, and single-use: the first
// redemption attempt consumes the challenge whether or not the answer
// is right, so an attacker cannot brute-force one id.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
)

const (
	// TTL is how long an issued challenge stays redeemable.
	TTL = 180 * time.Second

	// issueInterval is the minimum spacing between challenge issues
	// from one source (client IP).
	issueInterval = 30 * time.Second

	// sweepInterval is how often expired challenges are purged.
	sweepInterval = 60 * time.Second
)

var (
	// ErrRateLimited is returned when a source asks for challenges
	// faster than issueInterval.
	ErrRateLimited = errors.New("challenge requests rate limited")

	// ErrNotFound is returned for unknown or already-consumed ids.
	ErrNotFound = errors.New("challenge not found or already used")

	// ErrExpired is returned for challenges past their TTL.
	ErrExpired = errors.New("challenge expired")

	// ErrWrongAnswer is returned for incorrect solutions. The
	// challenge is consumed regardless.
	ErrWrongAnswer = errors.New("incorrect challenge answer")
)

// Engine issues, stores, and redeems challenges.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	challenges map[string]datatypes.Challenge
	limiters   map[string]*rate.Limiter
	clk        clock.Clock
	rng        *rand.Rand
}

// NewEngine creates an Engine using the given clock. Call Run to
// start background sweeping.
func NewEngine(clk clock.Clock) *Engine {
	return &Engine{
		challenges: make(map[string]datatypes.Challenge),
		limiters:   make(map[string]*rate.Limiter),
		clk:        clk,
		rng:        rand.New(rand.NewSource(int64(rand.Uint64()))),
	}
}

// newEngineWithSeed is the deterministic constructor used by tests.
func newEngineWithSeed(clk clock.Clock, seed uint64) *Engine {
	e := NewEngine(clk)
	e.rng = rand.New(rand.NewSource(int64(seed)))
	return e
}

// Issue mints a new challenge for the given source (client IP). Each
// source gets at most one challenge per issueInterval.
func (e *Engine) Issue(source string) (datatypes.Challenge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Every(issueInterval), 1)
		e.limiters[source] = lim
	}
	if !lim.Allow() {
		return datatypes.Challenge{}, fmt.Errorf("%w: retry in up to %s", ErrRateLimited, issueInterval)
	}

	typ, prompt, answer := e.generate()
	ch := datatypes.Challenge{
		ID:        uuid.NewString(),
		Type:      typ,
		Prompt:    prompt,
		Answer:    answer,
		ExpiresAt: e.clk.Now().Add(TTL),
	}
	e.challenges[ch.ID] = ch
	return ch, nil
}

// Redeem consumes the challenge with the given id and checks the
// answer. The challenge is removed on every outcome: a wrong answer
// burns it, forcing the caller to fetch a new one.
//
// Answers are compared case-insensitively with surrounding whitespace
// ignored.
func (e *Engine) Redeem(id, answer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.challenges[id]
	if !ok {
		return ErrNotFound
	}
	delete(e.challenges, id)

	if e.clk.Now().After(ch.ExpiresAt) {
		return ErrExpired
	}
	if normalizeAnswer(answer) != normalizeAnswer(ch.Answer) {
		return ErrWrongAnswer
	}
	return nil
}

// Run sweeps expired challenges until done is closed. Intended to run
// as a goroutine for the life of the process.
func (e *Engine) Run(done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep drops expired challenges and idle per-source limiters.
func (e *Engine) sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	for id, ch := range e.challenges {
		if now.After(ch.ExpiresAt) {
			delete(e.challenges, id)
		}
	}
	for source, lim := range e.limiters {
		// A fully refilled limiter has not been used for at least
		// one interval; forget it so the map does not grow forever.
		if lim.Tokens() >= 1 {
			delete(e.limiters, source)
		}
	}
}

// Pending returns the number of stored challenges. Used by tests and
// the stats endpoint.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.challenges)
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// =============================================================================
// Generators
// =============================================================================

// generate picks one of the three challenge types uniformly. Caller
// must hold e.mu (the rng is not concurrency safe).
func (e *Engine) generate() (typ, prompt, answer string) {
	switch e.rng.Intn(3) {
	case 0:
		return e.genSHA256()
	case 1:
		return e.genCode()
	default:
		return e.genRegex()
	}
}

// genSHA256 asks for the first 8 hex characters of a digest over a
// fresh nonce. The nonce keeps answers uncacheable.
func (e *Engine) genSHA256() (string, string, string) {
	nonce := make([]byte, 8)
	for i := range nonce {
		nonce[i] = byte(e.rng.Intn(256))
	}
	input := "caraplace-" + hex.EncodeToString(nonce)
	sum := sha256.Sum256([]byte(input))
	prompt := fmt.Sprintf(
		"Compute the SHA-256 hash of the string %q and answer with the first 8 hex characters of the digest.",
		input)
	return datatypes.ChallengeSHA256, prompt, hex.EncodeToString(sum[:])[:8]
}

// genCode asks for the printed output of a small filter-map-sum loop.
func (e *Engine) genCode() (string, string, string) {
	nums := make([]int, 5)
	for i := range nums {
		nums[i] = 1 + e.rng.Intn(10)
	}
	threshold := 3 + e.rng.Intn(5)  // 3..7
	multiplier := 2 + e.rng.Intn(3) // 2..4

	total := 0
	for _, n := range nums {
		if n > threshold {
			total += n * multiplier
		}
	}

	var code strings.Builder
	fmt.Fprintf(&code, "nums = [%d, %d, %d, %d, %d]\n", nums[0], nums[1], nums[2], nums[3], nums[4])
	fmt.Fprintf(&code, "threshold = %d\n", threshold)
	code.WriteString("total = 0\n")
	code.WriteString("for n in nums:\n")
	code.WriteString("    if n > threshold:\n")
	fmt.Fprintf(&code, "        total += n * %d\n", multiplier)
	code.WriteString("print(total)")

	prompt := "What does this program print?\n\n" + code.String()
	return datatypes.ChallengeCode, prompt, fmt.Sprintf("%d", total)
}

// regexPuzzles pairs each pattern with one string it matches and one
// it does not. Generation picks a pattern and a side of the coin.
var regexPuzzles = []struct {
	pattern  string
	match    string
	nonMatch string
}{
	{`^[a-z]+\d{2}$`, "pixel42", "42pixel"},
	{`^#[0-9a-f]{6}$`, "#e5d900", "#e5d9"},
	{`^\w+@\w+\.\w+$`, "bot@example.com", "bot@example"},
	{`^(ab)+$`, "ababab", "ababa"},
	{`^\d{3}-\d{4}$`, "555-0142", "5550142"},
}

// genRegex asks yes/no whether a pattern matches an example string.
func (e *Engine) genRegex() (string, string, string) {
	puzzle := regexPuzzles[e.rng.Intn(len(regexPuzzles))]

	sample := puzzle.match
	answer := "yes"
	if e.rng.Intn(2) == 0 {
		sample = puzzle.nonMatch
		answer = "no"
	}

	prompt := fmt.Sprintf(
		"Does the regular expression /%s/ match the string %q? Answer yes or no.",
		puzzle.pattern, sample)
	return datatypes.ChallengeRegex, prompt, answer
}
