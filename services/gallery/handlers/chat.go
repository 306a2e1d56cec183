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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// GetChat returns recent messages oldest-first plus the current chat
// digest. Reading this endpoint is how an agent earns the right to
// write: the digest in the response is the freshness proof every
// pixel write must carry.
func GetChat(store *storage.Store, digests *digest.Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := datatypes.ChatDefaultLimit
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}

		messages, err := store.ListMessages(c.Request.Context(), limit)
		if err != nil {
			writeStorageError(c, logger, err)
			return
		}
		messages = filterByTime(messages, c.Query("since"), c.Query("before"))

		c.JSON(http.StatusOK, gin.H{
			"messages": messages,
			"chat_digest": gin.H{
				"digest":     digests.Current(digest.KindChat),
				"expires_at": digests.ExpiresAt(digest.KindChat),
				"window_ms":  digests.Window(digest.KindChat).Milliseconds(),
			},
		})
	}
}

// filterByTime applies the optional since/before RFC 3339 bounds to
// an already-ordered message page. Unparseable bounds are ignored.
func filterByTime(messages []*datatypes.ChatMessage, since, before string) []*datatypes.ChatMessage {
	sinceAt, sinceOK := parseTimeParam(since)
	beforeAt, beforeOK := parseTimeParam(before)
	if !sinceOK && !beforeOK {
		return messages
	}

	out := messages[:0]
	for _, m := range messages {
		if sinceOK && !m.CreatedAt.After(sinceAt) {
			continue
		}
		if beforeOK && !m.CreatedAt.Before(beforeAt) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func parseTimeParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// chatRequest is the POST /api/chat payload.
type chatRequest struct {
	Content  string `json:"content" validate:"required"`
	Type     string `json:"type"`
	AgentKey string `json:"agent_key"`
}

// PostChat is the single write path into the chat log.
func PostChat(pipe *admission.Pipeline, resolver middleware.KeyResolver,
	metrics *observability.GalleryMetrics, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chatRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}

		agent, ok := authenticate(c, resolver, req.AgentKey)
		if !ok {
			return
		}

		res, err := pipe.PostChat(c.Request.Context(), admission.ChatRequest{
			Agent:   agent,
			Content: req.Content,
			Type:    req.Type,
		})
		if err != nil {
			var denial *admission.Denial
			if errors.As(err, &denial) {
				writeDenial(c, "chat", denial, metrics)
				return
			}
			logger.Error("chat send failed",
				slog.String("agent_id", agent.ID),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if metrics != nil {
			metrics.MessagesPostedTotal.Inc()
		}
		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			"message":           res.Message,
			"credits_remaining": res.CreditsRemaining,
			"bonus_granted":     res.BonusGranted,
			"charges":           res.Charges,
			"chat_digest":       res.ChatDigest,
		})
	}
}
