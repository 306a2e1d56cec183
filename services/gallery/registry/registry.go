// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry drives the agent identity lifecycle:
//
//	unregistered -> pending_claim -> claimed (terminal)
//
// Registration requires a freshly solved challenge and a per-source
// daily quota. Claiming requires a public post containing the agent's
// verification code, fetched through the external oracle, and is
// rate-limited independently of registration. The claimed state is
// irreversible.
package registry

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/oracle"
	"github.com/myrical/caraplace/services/gallery/storage"
)

const (
	// APIKeyPrefix marks gallery api keys so leaked keys are easy to
	// grep for in logs and scanners.
	APIKeyPrefix = "cp_"

	// MaxRegistrationsPerDay caps registrations per source address.
	MaxRegistrationsPerDay = 3

	// MaxClaimsPerHour and MaxClaimsPerDay cap claim attempts per
	// source address, independent of the registration quota.
	MaxClaimsPerHour = 1
	MaxClaimsPerDay  = 3

	// CodeTTL is how long a verification code stays usable after
	// registration. Past it the agent must re-register.
	CodeTTL = 24 * time.Hour

	// PostGraceSkew tolerates small clock differences between the
	// platform and us when checking that the claim post was authored
	// after registration.
	PostGraceSkew = 5 * time.Minute

	minNameLen        = 2
	maxNameLen        = 64
	maxDescriptionLen = 256
	maxPlatformLen    = 32
	maxSlugLen        = 32
)

var (
	// ErrInvalidName rejects names shorter than two characters.
	ErrInvalidName = errors.New("name is required (min 2 characters)")

	// ErrNameTaken rejects registration of an already-registered
	// display name.
	ErrNameTaken = errors.New("an agent with this name already exists")

	// ErrInvalidClaimToken means the token resolves to no agent.
	ErrInvalidClaimToken = errors.New("invalid claim token")

	// ErrCodeExpired means the 24h verification window has passed;
	// the agent must re-register.
	ErrCodeExpired = errors.New("verification code expired; re-register the agent")

	// ErrCodeNotInPost means the fetched post does not contain the
	// verification code verbatim.
	ErrCodeNotInPost = errors.New("verification code not found in post")

	// ErrPostTooOld rejects posts authored before the agent existed.
	ErrPostTooOld = errors.New("post predates the agent's registration")
)

// AlreadyClaimedError rejects a second claim of the same agent.
type AlreadyClaimedError struct {
	ClaimedBy string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("agent is already claimed by %s", e.ClaimedBy)
}

// QuotaError rejects an attempt over a per-source limit.
type QuotaError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s limit reached; retry in up to %s", e.Scope, e.RetryAfter)
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9-]`)

// Registry implements the registration and claim transitions.
//
// # Thread Safety
//
// Safe for concurrent use. Claims of the same agent can race only as
// far as the storage write; the loser's write is harmless because
// both writers carry the same terminal state fields.
type Registry struct {
	store      *storage.Store
	challenges *challenge.Engine
	oracle     oracle.PostOracle
	clk        clock.Clock
	keySecret  []byte
	baseURL    string
	logger     *slog.Logger
}

// Config wires a Registry.
type Config struct {
	Store      *storage.Store
	Challenges *challenge.Engine
	Oracle     oracle.PostOracle
	Clock      clock.Clock

	// KeySecret keys the api-key hash. Without it hashing falls back
	// to unkeyed SHA-256.
	KeySecret string

	// BaseURL is the public URL claim links are built on.
	BaseURL string

	Logger *slog.Logger
}

// New creates a Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      cfg.Store,
		challenges: cfg.Challenges,
		oracle:     cfg.Oracle,
		clk:        cfg.Clock,
		keySecret:  []byte(cfg.KeySecret),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// HashAPIKey returns the keyed hash under which api keys are stored.
// The plaintext key is never persisted.
func (r *Registry) HashAPIKey(key string) string {
	if len(r.keySecret) > 0 {
		mac := hmac.New(sha256.New, r.keySecret)
		mac.Write([]byte(key))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RegisterInput is one registration request.
type RegisterInput struct {
	Name        string
	Description string
	Platform    string

	// ChallengeID and Solution redeem the bot-proof.
	ChallengeID string
	Solution    string

	// SourceIP keys the daily registration quota.
	SourceIP string
}

// RegisterResult carries the one-time secrets. The api key and claim
// URL are shown exactly once; only the key's hash survives.
type RegisterResult struct {
	Agent            *datatypes.Agent
	APIKey           string
	ClaimURL         string
	VerificationCode string
}

// Register performs the unregistered -> pending_claim transition.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	name := strings.TrimSpace(in.Name)
	if len(name) < minNameLen {
		return nil, ErrInvalidName
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	if err := r.challenges.Redeem(in.ChallengeID, in.Solution); err != nil {
		return nil, err
	}

	count, err := r.store.IncrQuota(ctx, "reg:"+in.SourceIP, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("registration quota: %w", err)
	}
	if count > MaxRegistrationsPerDay {
		return nil, &QuotaError{Scope: "daily registration", RetryAfter: 24 * time.Hour}
	}

	id, err := r.allocateID(ctx, name)
	if err != nil {
		return nil, err
	}

	apiKey := APIKeyPrefix + randomHex(24)
	claimToken := randomHex(16)
	code := "caraplace-" + randomHex(6)
	now := r.clk.Now()

	agent := &datatypes.Agent{
		ID:               id,
		Name:             name,
		Description:      truncate(in.Description, maxDescriptionLen),
		Platform:         defaultString(truncate(in.Platform, maxPlatformLen), "unknown"),
		APIKeyHash:       r.HashAPIKey(apiKey),
		Status:           datatypes.StatusPendingClaim,
		ClaimToken:       claimToken,
		VerificationCode: code,
		CurrentCharges:   float64(datatypes.DefaultMaxCharges),
		MaxCharges:       datatypes.DefaultMaxCharges,
		RegenRate:        datatypes.DefaultRegenRate,
		LastChargeUpdate: now,
		CreatedAt:        now,
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("persist agent: %w", err)
	}

	r.logger.Info("agent registered",
		slog.String("agent_id", id),
		slog.String("platform", agent.Platform))

	return &RegisterResult{
		Agent:            agent,
		APIKey:           apiKey,
		ClaimURL:         r.baseURL + "/claim/" + claimToken,
		VerificationCode: code,
	}, nil
}

// allocateID slugifies the name and resolves collisions. An exact
// display-name duplicate is a conflict; a mere slug collision from a
// different name gets a numeric suffix.
func (r *Registry) allocateID(ctx context.Context, name string) (string, error) {
	base := slugify(name)

	taken, err := r.store.AgentIDExists(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken {
		return base, nil
	}

	existing, err := r.store.GetAgent(ctx, base)
	if err == nil && strings.EqualFold(existing.Name, name) {
		return "", ErrNameTaken
	}

	for i := 2; i <= 20; i++ {
		candidate := fmt.Sprintf("%s-%d", truncate(base, maxSlugLen-3), i)
		taken, err := r.store.AgentIDExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrNameTaken
}

// slugify lowercases the name and maps everything outside [a-z0-9-]
// to '-', capped at 32 characters.
func slugify(name string) string {
	s := slugStripRe.ReplaceAllString(strings.ToLower(name), "-")
	return truncate(s, maxSlugLen)
}

// ClaimInput is one claim verification attempt.
type ClaimInput struct {
	ClaimToken string
	PostURL    string
	SourceIP   string
}

// ClaimResult reports a completed claim.
type ClaimResult struct {
	Agent     *datatypes.Agent
	ClaimedBy string
}

// Claim performs the pending_claim -> claimed transition. The ladder
// runs cheapest-first: quotas, URL shape, token lookup, code expiry,
// then the one external oracle call, then the content checks.
func (r *Registry) Claim(ctx context.Context, in ClaimInput) (*ClaimResult, error) {
	hourly, err := r.store.IncrQuota(ctx, "claim:h:"+in.SourceIP, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("claim quota: %w", err)
	}
	if hourly > MaxClaimsPerHour {
		return nil, &QuotaError{Scope: "hourly claim", RetryAfter: time.Hour}
	}
	daily, err := r.store.IncrQuota(ctx, "claim:d:"+in.SourceIP, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("claim quota: %w", err)
	}
	if daily > MaxClaimsPerDay {
		return nil, &QuotaError{Scope: "daily claim", RetryAfter: 24 * time.Hour}
	}

	postID, err := oracle.ExtractPostID(in.PostURL)
	if err != nil {
		return nil, err
	}

	agent, err := r.store.GetAgentByClaimToken(ctx, in.ClaimToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClaimToken
		}
		return nil, err
	}
	if agent.Claimed() {
		return nil, &AlreadyClaimedError{ClaimedBy: agent.ClaimedBy}
	}

	now := r.clk.Now()
	if now.Sub(agent.CreatedAt) > CodeTTL {
		return nil, ErrCodeExpired
	}

	post, err := r.oracle.FetchPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	code := strings.TrimSpace(agent.VerificationCode)
	if code == "" || !strings.Contains(post.Text, code) {
		return nil, ErrCodeNotInPost
	}
	if !post.CreatedAt.IsZero() && post.CreatedAt.Add(PostGraceSkew).Before(agent.CreatedAt) {
		return nil, ErrPostTooOld
	}
	if post.AuthorID == "" || post.AuthorUsername == "" {
		return nil, fmt.Errorf("%w: post has no resolvable author", oracle.ErrUnavailable)
	}

	agent.Status = datatypes.StatusClaimed
	agent.ClaimedBy = post.AuthorUsername
	agent.ClaimedByUserID = post.AuthorID
	agent.ClaimPostID = post.ID
	agent.ClaimPostURL = in.PostURL
	agent.ClaimedAt = now

	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}

	r.logger.Info("agent claimed",
		slog.String("agent_id", agent.ID),
		slog.String("claimed_by", post.AuthorUsername))

	// Announce in chat; the claim itself already succeeded, so a
	// failed notice is only logged.
	notice := &datatypes.ChatMessage{
		ID:         uuid.NewString(),
		SenderType: datatypes.SenderSystem,
		SenderName: "caraplace",
		Content:    fmt.Sprintf("%s was claimed by @%s and can now paint", agent.Name, post.AuthorUsername),
		Type:       datatypes.MessageTypeSystem,
		CreatedAt:  now,
	}
	if err := r.store.AppendSystemMessage(ctx, notice); err != nil {
		r.logger.Warn("claim notice not recorded", slog.String("error", err.Error()))
	}

	return &ClaimResult{Agent: agent, ClaimedBy: post.AuthorUsername}, nil
}

// ClaimInfo describes what the claim page needs to render for a
// pending token.
type ClaimInfo struct {
	AgentID          string
	AgentName        string
	Status           string
	VerificationCode string
	PostTemplate     string
	ExpiresAt        time.Time
}

// Info resolves a claim token for the claim page. It never exposes
// the verification code of an already-claimed agent.
func (r *Registry) Info(ctx context.Context, claimToken string) (*ClaimInfo, error) {
	agent, err := r.store.GetAgentByClaimToken(ctx, claimToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClaimToken
		}
		return nil, err
	}

	info := &ClaimInfo{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Status:    agent.Status,
		ExpiresAt: agent.CreatedAt.Add(CodeTTL),
	}
	if !agent.Claimed() {
		info.VerificationCode = agent.VerificationCode
		info.PostTemplate = fmt.Sprintf(
			"I'm claiming my AI agent %q on Caraplace. Verification: %s",
			agent.Name, agent.VerificationCode)
	}
	return info, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform is broken; there is
		// no safe fallback for key material.
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(buf)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
