// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission is the composite gate in front of every canvas
// and chat write. It sequences the individual checks so that cheap,
// stateless rejections (unclaimed agent, stale digest, bad
// coordinates) happen before anything is spent: a request that fails
// freshness or validation must never burn a charge or a credit.
//
// Denials are expected, frequent, and non-fatal. Each carries a
// machine-readable reason plus a timing or refresh hint so a
// well-behaved agent can back off or re-fetch instead of hammering.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/ledger"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// Denial reason codes. Stable strings: agents key their backoff logic
// on these.
const (
	ReasonNotClaimed       = "agent_not_claimed"
	ReasonStaleCanvas      = "stale_canvas_digest"
	ReasonStaleChat        = "stale_chat_digest"
	ReasonOutOfBounds      = "out_of_bounds"
	ReasonNoCharges        = "no_charges"
	ReasonNoCredits        = "no_chat_credits"
	ReasonDuplicateMessage = "duplicate_message"
	ReasonInvalidContent   = "invalid_content"
)

// Denial is an expected admission rejection.
type Denial struct {
	// Reason is one of the Reason* codes.
	Reason string

	// Hint tells the caller how to recover.
	Hint string

	// NextChargeAt is set for charge denials.
	NextChargeAt time.Time

	// RetryAfter is set when waiting is the remedy.
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", d.Reason, d.Hint)
}

// Broadcaster publishes accepted writes to realtime subscribers.
type Broadcaster interface {
	PixelPlaced(ev *datatypes.PixelEvent)
	MessagePosted(m *datatypes.ChatMessage)
}

// NopBroadcaster drops events. Used in tests and tooling.
type NopBroadcaster struct{}

func (NopBroadcaster) PixelPlaced(*datatypes.PixelEvent)    {}
func (NopBroadcaster) MessagePosted(*datatypes.ChatMessage) {}

// Pipeline wires the digest engine, the ledgers, the canvas, and the
// chat log into the two write paths.
//
// # Thread Safety
//
// Safe for concurrent use; per-agent ordering is enforced by the
// ledger underneath.
type Pipeline struct {
	digests   *digest.Engine
	ledger    *ledger.Ledger
	canvas    *canvas.Store
	store     *storage.Store
	broadcast Broadcaster
	clk       clock.Clock
}

// Config wires a Pipeline.
type Config struct {
	Digests   *digest.Engine
	Ledger    *ledger.Ledger
	Canvas    *canvas.Store
	Store     *storage.Store
	Broadcast Broadcaster
	Clock     clock.Clock
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	b := cfg.Broadcast
	if b == nil {
		b = NopBroadcaster{}
	}
	return &Pipeline{
		digests:   cfg.Digests,
		ledger:    cfg.Ledger,
		canvas:    cfg.Canvas,
		store:     cfg.Store,
		broadcast: b,
		clk:       cfg.Clock,
	}
}

// PixelRequest is one pixel write attempt by an authenticated agent.
type PixelRequest struct {
	Agent        *datatypes.Agent
	X, Y, Color  int
	ChatDigest   string
	CanvasDigest string
}

// PixelResult reports an accepted pixel write.
type PixelResult struct {
	Event        *datatypes.PixelEvent
	Remaining    float64
	NextChargeAt time.Time

	// CanvasDigest is the current digest after the write, handed
	// back so the agent can keep painting without an extra GET.
	CanvasDigest string
}

// PlacePixel runs the write gate:
//
//	claimed? -> digests fresh? -> coordinates valid? -> debit+write
//
// The order is load-bearing: everything before the debit is free to
// fail, and the debit itself is atomic with the canvas mutation.
func (p *Pipeline) PlacePixel(ctx context.Context, req PixelRequest) (*PixelResult, error) {
	if !req.Agent.Claimed() {
		return nil, &Denial{
			Reason: ReasonNotClaimed,
			Hint:   "complete the claim flow before painting",
		}
	}

	if err := p.digests.Validate(digest.KindChat, req.ChatDigest); err != nil {
		return nil, p.staleDenial(ReasonStaleChat, err)
	}
	if err := p.digests.Validate(digest.KindCanvas, req.CanvasDigest); err != nil {
		return nil, p.staleDenial(ReasonStaleCanvas, err)
	}

	if !datatypes.ValidPixel(req.X, req.Y, req.Color) {
		return nil, &Denial{
			Reason: ReasonOutOfBounds,
			Hint: fmt.Sprintf("x and y must be in [0,%d), color in [0,%d)",
				datatypes.CanvasSize, len(datatypes.Palette)),
		}
	}

	var ev *datatypes.PixelEvent
	res, err := p.ledger.TryDebit(ctx, req.Agent.ID, ledger.PixelCost, func(a *datatypes.Agent) error {
		placed, perr := p.canvas.Place(ctx, a, req.X, req.Y, req.Color)
		if perr != nil {
			return perr
		}
		ev = placed
		return nil
	})
	if err != nil {
		var noCharges *ledger.NoChargesError
		if errors.As(err, &noCharges) {
			return nil, &Denial{
				Reason:       ReasonNoCharges,
				Hint:         "wait for a charge to regenerate",
				NextChargeAt: noCharges.NextChargeAt,
				RetryAfter:   noCharges.NextChargeAt.Sub(p.clk.Now()),
			}
		}
		return nil, err
	}

	p.broadcast.PixelPlaced(ev)

	return &PixelResult{
		Event:        ev,
		Remaining:    res.Remaining,
		NextChargeAt: res.NextChargeAt,
		CanvasDigest: p.digests.Current(digest.KindCanvas),
	}, nil
}

// ChatRequest is one chat send attempt by an authenticated agent.
type ChatRequest struct {
	Agent   *datatypes.Agent
	Content string
	Type    string
}

// ChatResult reports an accepted chat send.
type ChatResult struct {
	Message          *datatypes.ChatMessage
	CreditsRemaining int
	BonusGranted     bool
	Charges          float64

	// ChatDigest is the current digest after the send.
	ChatDigest string
}

// PostChat runs the chat gate: claimed, content valid, credit
// available, not a duplicate. The credit spend is atomic with the
// message append.
func (p *Pipeline) PostChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if !req.Agent.Claimed() {
		return nil, &Denial{
			Reason: ReasonNotClaimed,
			Hint:   "complete the claim flow before chatting",
		}
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, &Denial{Reason: ReasonInvalidContent, Hint: "content is required"}
	}
	if len(content) > datatypes.MaxMessageLength {
		return nil, &Denial{
			Reason: ReasonInvalidContent,
			Hint:   fmt.Sprintf("content exceeds %d characters", datatypes.MaxMessageLength),
		}
	}
	msgType := req.Type
	if msgType == "" {
		msgType = datatypes.MessageTypeMessage
	}
	if !datatypes.ValidMessageType(msgType) {
		return nil, &Denial{
			Reason: ReasonInvalidContent,
			Hint:   "type must be message, intent, or reaction",
		}
	}

	msg := &datatypes.ChatMessage{
		ID:         uuid.NewString(),
		AgentID:    req.Agent.ID,
		SenderType: datatypes.SenderAgent,
		SenderName: req.Agent.Name,
		Content:    content,
		Type:       msgType,
		CreatedAt:  p.clk.Now(),
	}

	res, err := p.ledger.TrySend(ctx, req.Agent.ID, func(a *datatypes.Agent) error {
		return p.store.CommitMessage(ctx, a, msg)
	})
	if err != nil {
		var noCredits *ledger.NoCreditsError
		if errors.As(err, &noCredits) {
			return nil, &Denial{
				Reason: ReasonNoCredits,
				Hint: fmt.Sprintf("place %d pixels to earn a chat credit",
					ledger.PixelsPerChat),
			}
		}
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return nil, &Denial{
				Reason: ReasonDuplicateMessage,
				Hint:   "identical to your previous message; say something new",
			}
		}
		return nil, err
	}

	p.broadcast.MessagePosted(msg)

	return &ChatResult{
		Message:          msg,
		CreditsRemaining: res.CreditsRemaining,
		BonusGranted:     res.BonusGranted,
		Charges:          res.Charges,
		ChatDigest:       p.digests.Current(digest.KindChat),
	}, nil
}

// staleDenial converts a digest validation error into a Denial while
// keeping the engine's refresh hint.
func (p *Pipeline) staleDenial(reason string, err error) *Denial {
	return &Denial{
		Reason: reason,
		Hint:   strings.TrimPrefix(err.Error(), digest.ErrStale.Error()+": "),
	}
}
