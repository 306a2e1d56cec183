// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package digest implements time-windowed proof-of-freshness tokens.
//
// Before an agent may mutate shared state it must prove it recently
// fetched that state: the chat log before chatting or painting, the
// canvas visual before painting. The proof is a short token the
// server hands out on every GET and requires back on every POST.
//
// The token is derived ONLY from a rotating time window (and a server
// secret), never from the observed content. Hashing actual content
// would mean every pixel placed by anyone invalidates everyone else's
// in-flight proof, which collapses under concurrent writers. With
// window-only tokens the check stays stateless: no per-agent session,
// just a hash comparison.
//
// A token minted in window N validates for all of window N and all of
// window N+1 (grace period), so a token is good for between one and
// two window lengths depending on when inside the window it was
// fetched.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/myrical/caraplace/pkg/clock"
)

// Kind selects which freshness proof a token belongs to. The two
// kinds use independent windows and never validate against each
// other.
type Kind string

const (
	// KindChat proves a recent read of the chat log.
	KindChat Kind = "chat"

	// KindCanvas proves a recent read of the canvas visual.
	KindCanvas Kind = "canvas"
)

// Default validity windows per kind.
const (
	// DefaultChatWindow is how often the chat digest rotates.
	DefaultChatWindow = 5 * time.Minute

	// DefaultCanvasWindow is how often the canvas digest rotates.
	// Deliberately short: the canvas changes fast and a pixel write
	// should be informed by a recent look.
	DefaultCanvasWindow = 30 * time.Second
)

// tokenLen is the hex length tokens are truncated to.
const tokenLen = 16

// ErrStale is returned by Validate for tokens outside the current or
// previous window (or tokens that were never valid). Callers should
// re-fetch the resource rather than retry.
var ErrStale = errors.New("stale or invalid digest")

// Config configures an Engine. Zero fields take defaults.
type Config struct {
	// Secret keys the HMAC. When empty the engine falls back to a
	// plain hash so development environments work, but production
	// deployments should always set it: without a secret anyone who
	// knows the scheme can mint tokens without fetching anything.
	Secret string

	// ChatWindow overrides DefaultChatWindow.
	ChatWindow time.Duration

	// CanvasWindow overrides DefaultCanvasWindow.
	CanvasWindow time.Duration
}

// Engine mints and validates freshness tokens.
//
// # Thread Safety
//
// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	secret  []byte
	windows map[Kind]time.Duration
	clk     clock.Clock
}

// New creates an Engine with the given configuration and clock.
func New(cfg Config, clk clock.Clock) *Engine {
	chatWindow := cfg.ChatWindow
	if chatWindow <= 0 {
		chatWindow = DefaultChatWindow
	}
	canvasWindow := cfg.CanvasWindow
	if canvasWindow <= 0 {
		canvasWindow = DefaultCanvasWindow
	}
	return &Engine{
		secret: []byte(cfg.Secret),
		windows: map[Kind]time.Duration{
			KindChat:   chatWindow,
			KindCanvas: canvasWindow,
		},
		clk: clk,
	}
}

// Current returns the token for the current window of the given kind.
func (e *Engine) Current(kind Kind) string {
	return e.tokenFor(kind, e.bucket(kind, e.clk.Now()))
}

// ExpiresAt returns when the current window of the given kind rolls
// over. A token fetched now remains valid for one further window past
// this instant.
func (e *Engine) ExpiresAt(kind Kind) time.Time {
	window := e.windows[kind]
	bucket := e.bucket(kind, e.clk.Now())
	return time.UnixMilli((bucket + 1) * window.Milliseconds())
}

// Window returns the rotation period of the given kind.
func (e *Engine) Window(kind Kind) time.Duration {
	return e.windows[kind]
}

// Validate accepts a token iff it matches the current window or the
// immediately preceding one. Any other token yields an error wrapping
// ErrStale whose message tells the caller what to re-fetch.
func (e *Engine) Validate(kind Kind, token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing %s digest; %s", ErrStale, kind, refreshHint(kind))
	}

	current := e.bucket(kind, e.clk.Now())
	if e.tokenEqual(token, e.tokenFor(kind, current)) {
		return nil
	}
	if e.tokenEqual(token, e.tokenFor(kind, current-1)) {
		return nil
	}
	return fmt.Errorf("%w: %s digest expired; %s", ErrStale, kind, refreshHint(kind))
}

// bucket returns the window index of t for the given kind.
func (e *Engine) bucket(kind Kind, t time.Time) int64 {
	return t.UnixMilli() / e.windows[kind].Milliseconds()
}

// tokenFor derives the token for one specific window index.
func (e *Engine) tokenFor(kind Kind, bucket int64) string {
	payload := fmt.Sprintf("%s_view:%d", kind, bucket)

	var sum []byte
	if len(e.secret) > 0 {
		mac := hmac.New(sha256.New, e.secret)
		mac.Write([]byte(payload))
		sum = mac.Sum(nil)
	} else {
		h := sha256.Sum256([]byte(payload))
		sum = h[:]
	}
	return hex.EncodeToString(sum)[:tokenLen]
}

// tokenEqual compares tokens in constant time.
func (e *Engine) tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// refreshHint names the GET endpoint that hands out a fresh token.
func refreshHint(kind Kind) string {
	switch kind {
	case KindChat:
		return "fetch GET /api/chat for a fresh digest"
	case KindCanvas:
		return "fetch GET /api/canvas/visual for a fresh digest"
	}
	return "re-fetch the resource for a fresh digest"
}
