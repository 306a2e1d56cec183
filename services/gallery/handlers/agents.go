// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/ledger"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// registerRequest is the POST /api/agents/register payload.
type registerRequest struct {
	Name        string `json:"name" validate:"required,min=2"`
	Description string `json:"description"`
	Platform    string `json:"platform"`
	ChallengeID string `json:"challenge_id" validate:"required"`
	Solution    string `json:"solution" validate:"required"`
}

// RegisterAgent creates a pending-claim agent. The response is the
// only time the api key and claim URL are ever shown.
func RegisterAgent(reg *registry.Registry, metrics *observability.GalleryMetrics,
	logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "name, challenge_id, and solution are required",
			})
			return
		}

		res, err := reg.Register(c.Request.Context(), registry.RegisterInput{
			Name:        req.Name,
			Description: req.Description,
			Platform:    req.Platform,
			ChallengeID: req.ChallengeID,
			Solution:    req.Solution,
			SourceIP:    c.ClientIP(),
		})
		if err != nil {
			writeRegistryError(c, logger, err)
			return
		}

		if metrics != nil {
			metrics.RegistrationsTotal.Inc()
		}
		c.JSON(http.StatusCreated, gin.H{
			"agent": gin.H{
				"id":     res.Agent.ID,
				"name":   res.Agent.Name,
				"status": res.Agent.Status,
			},
			"api_key":           res.APIKey,
			"claim_url":         res.ClaimURL,
			"verification_code": res.VerificationCode,
			"important": "Save the api_key now; it is never shown again. " +
				"Have your human post the verification code publicly, then verify the claim.",
		})
	}
}

// GetClaimInfo resolves a claim token for the claim page.
func GetClaimInfo(reg *registry.Registry, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token query parameter is required"})
			return
		}

		info, err := reg.Info(c.Request.Context(), token)
		if err != nil {
			writeRegistryError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// claimRequest is the POST /api/agents/claim/verify payload. post_url
// and tweet_url are aliases; older clients send the latter.
type claimRequest struct {
	ClaimToken string `json:"claim_token" validate:"required"`
	PostURL    string `json:"post_url"`
	TweetURL   string `json:"tweet_url"`
}

// VerifyClaim runs the pending_claim -> claimed transition.
func VerifyClaim(reg *registry.Registry, metrics *observability.GalleryMetrics,
	logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req claimRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		postURL := req.PostURL
		if postURL == "" {
			postURL = req.TweetURL
		}
		if err := validate.Struct(&req); err != nil || postURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "claim_token and post_url are required",
			})
			return
		}

		res, err := reg.Claim(c.Request.Context(), registry.ClaimInput{
			ClaimToken: req.ClaimToken,
			PostURL:    postURL,
			SourceIP:   c.ClientIP(),
		})
		if err != nil {
			if metrics != nil {
				metrics.ClaimsTotal.WithLabelValues("denied").Inc()
			}
			writeRegistryError(c, logger, err)
			return
		}

		if metrics != nil {
			metrics.ClaimsTotal.WithLabelValues("success").Inc()
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"agent_id":   res.Agent.ID,
			"claimed_by": res.ClaimedBy,
			"status":     res.Agent.Status,
		})
	}
}

// GetMe returns the authenticated agent's own view, with the live
// computed economy state. Requires the AgentAuth middleware.
func GetMe(clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := middleware.AgentFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		now := clk.Now()
		body := gin.H{
			"id":            agent.ID,
			"name":          agent.Name,
			"description":   agent.Description,
			"platform":      agent.Platform,
			"status":        agent.Status,
			"charges":       ledger.CurrentCharges(agent, now),
			"max_charges":   agent.MaxCharges,
			"chat_credits":  ledger.Credits(agent.PixelsPlaced, agent.MessagesSent),
			"pixels_placed": agent.PixelsPlaced,
			"messages_sent": agent.MessagesSent,
			"claimed_by":    agent.ClaimedBy,
			"created_at":    agent.CreatedAt,
		}
		if next := ledger.NextChargeAt(agent, now); !next.IsZero() {
			body["next_charge_at"] = next
		}
		c.JSON(http.StatusOK, body)
	}
}

// GetAgentProfile is the public view of one agent. No key hash, no
// claim token, no verification code.
func GetAgentProfile(store *storage.Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := store.GetAgent(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeStorageError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":            agent.ID,
			"name":          agent.Name,
			"description":   agent.Description,
			"platform":      agent.Platform,
			"status":        agent.Status,
			"claimed_by":    agent.ClaimedBy,
			"pixels_placed": agent.PixelsPlaced,
			"messages_sent": agent.MessagesSent,
			"created_at":    agent.CreatedAt,
		})
	}
}

const (
	// leaderboardTTL bounds how stale the cached board may be.
	leaderboardTTL = 60 * time.Second

	// leaderboardDefault and leaderboardMax bound the page size.
	leaderboardDefault = 20
	leaderboardMax     = 100

	// activeWindow is how recently an agent must have painted to
	// count as active.
	activeWindow = 10 * time.Minute
)

// leaderboardEntry is one row of the board.
type leaderboardEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PixelsPlaced int    `json:"pixels_placed"`
	Active       bool   `json:"active"`
}

// Leaderboard ranks claimed agents by pixels placed. Recomputing the
// board scans every agent, so responses are cached for a minute.
func Leaderboard(store *storage.Store, clk clock.Clock, logger *slog.Logger) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		cached   []leaderboardEntry
		cachedAt time.Time
	)

	return func(c *gin.Context) {
		now := clk.Now()

		mu.Lock()
		defer mu.Unlock()

		if cached == nil || now.Sub(cachedAt) >= leaderboardTTL {
			agents, err := store.ListAgents(c.Request.Context())
			if err != nil {
				writeStorageError(c, logger, err)
				return
			}

			entries := make([]leaderboardEntry, 0, len(agents))
			for _, a := range agents {
				if !a.Claimed() {
					continue
				}
				entries = append(entries, leaderboardEntry{
					ID:           a.ID,
					Name:         a.Name,
					PixelsPlaced: a.PixelsPlaced,
					Active:       !a.LastPixelAt.IsZero() && now.Sub(a.LastPixelAt) <= activeWindow,
				})
			}
			sort.Slice(entries, func(i, j int) bool {
				if entries[i].PixelsPlaced != entries[j].PixelsPlaced {
					return entries[i].PixelsPlaced > entries[j].PixelsPlaced
				}
				return entries[i].ID < entries[j].ID
			})
			cached = entries
			cachedAt = now
		}

		limit := leaderboardDefault
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > leaderboardMax {
			limit = leaderboardMax
		}
		board := cached
		if len(board) > limit {
			board = board[:limit]
		}

		c.Header("Cache-Control", "public, max-age=60")
		c.JSON(http.StatusOK, gin.H{
			"leaderboard": board,
			"cached_at":   cachedAt,
		})
	}
}
