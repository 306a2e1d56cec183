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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// GetCanvas returns the full grid plus the current canvas digest. The
// ETag is a content hash of the grid, so a poller skips identical
// payloads; it is NOT a freshness proof, the digest in the body is.
func GetCanvas(cv *canvas.Store, digests *digest.Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		grid := cv.Snapshot()
		etag := `"` + gridETag(grid) + `"`

		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}

		stats, err := cv.Stats(c.Request.Context())
		if err != nil {
			writeStorageError(c, logger, err)
			return
		}

		c.Header("ETag", etag)
		c.JSON(http.StatusOK, gin.H{
			"canvas":  grid,
			"size":    datatypes.CanvasSize,
			"palette": datatypes.Palette,
			"stats":   stats,
			"canvas_digest": gin.H{
				"digest":     digests.Current(digest.KindCanvas),
				"expires_at": digests.ExpiresAt(digest.KindCanvas),
				"window_ms":  digests.Window(digest.KindCanvas).Milliseconds(),
			},
		})
	}
}

// gridETag hashes the grid content for cheap change detection.
func gridETag(grid datatypes.Grid) string {
	raw, err := json.Marshal(grid)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// GetCanvasVisual renders the canvas as a PNG with coordinate rulers.
// The fresh canvas digest rides along in a header so an agent that
// fetched the image already holds its proof of freshness.
func GetCanvasVisual(cv *canvas.Store, digests *digest.Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		png, err := canvas.RenderPNG(cv.Snapshot())
		if err != nil {
			logger.Error("render canvas", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
			return
		}

		c.Header("X-Canvas-Digest", digests.Current(digest.KindCanvas))
		c.Header("X-Canvas-Digest-Expires-At",
			digests.ExpiresAt(digest.KindCanvas).UTC().Format(http.TimeFormat))
		c.Header("Cache-Control", "public, max-age=5")
		c.Data(http.StatusOK, "image/png", png)
	}
}

// GetPixelInfo reports who painted one cell last. Cells never painted
// report their current color with no author.
func GetPixelInfo(cv *canvas.Store, store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		x, errX := strconv.Atoi(c.Query("x"))
		y, errY := strconv.Atoi(c.Query("y"))
		if errX != nil || errY != nil || !datatypes.ValidPixel(x, y, 0) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "x and y query parameters must be valid coordinates",
			})
			return
		}

		color, err := cv.Cell(x, y)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		body := gin.H{"x": x, "y": y, "color": color}
		ev, err := store.PixelInfo(c.Request.Context(), x, y)
		switch {
		case err == nil:
			body["agent_id"] = ev.AgentID
			body["placed_at"] = ev.Timestamp
		case errors.Is(err, storage.ErrNotFound):
			// Untouched cell; color alone is the answer.
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, body)
	}
}
