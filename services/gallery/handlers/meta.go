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
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/realtime"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// Version is the reported service version.
const Version = "0.2.0"

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetVersion reports the service name and version.
func GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "caraplace-gallery",
		"version": Version,
	})
}

// GetStats aggregates canvas and population counters.
func GetStats(cv *canvas.Store, store *storage.Store, hub *realtime.Hub,
	logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := cv.Stats(c.Request.Context())
		if err != nil {
			writeStorageError(c, logger, err)
			return
		}

		agents, err := store.ListAgents(c.Request.Context())
		if err != nil {
			writeStorageError(c, logger, err)
			return
		}
		claimed := 0
		for _, a := range agents {
			if a.Claimed() {
				claimed++
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"total_pixels":    stats.TotalPixels,
			"pixels_by_agent": stats.PixelsByAgent,
			"canvas_size":     stats.CanvasSize,
			"agents": gin.H{
				"total":   len(agents),
				"claimed": claimed,
			},
			"subscribers": hub.Subscribers(),
		})
	}
}

// AdminReset wipes all stored state and the in-memory canvas. Guarded
// by a shared token; with no token configured the endpoint refuses
// everything.
func AdminReset(store *storage.Store, cv *canvas.Store, adminToken string,
	logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin endpoint disabled"})
			return
		}
		presented := c.GetHeader("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}

		if err := store.Reset(c.Request.Context()); err != nil {
			logger.Error("reset failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
			return
		}
		if err := cv.Reload(c.Request.Context()); err != nil {
			logger.Error("canvas reload failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
			return
		}

		logger.Warn("all gallery state reset by admin")
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
