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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/observability"
)

// GetChallenge issues a registration challenge to the caller. The
// answer never leaves the server; only the id and prompt go out.
func GetChallenge(eng *challenge.Engine, metrics *observability.GalleryMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := eng.Issue(c.ClientIP())
		if err != nil {
			if errors.Is(err, challenge.ErrRateLimited) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if metrics != nil {
			metrics.ChallengesIssuedTotal.Inc()
		}
		c.JSON(http.StatusOK, gin.H{
			"id":         ch.ID,
			"type":       ch.Type,
			"prompt":     ch.Prompt,
			"expires_at": ch.ExpiresAt,
		})
	}
}
