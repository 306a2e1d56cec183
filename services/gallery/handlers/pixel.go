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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
)

// validate checks request payloads beyond what JSON decoding catches.
var validate = validator.New()

// pixelRequest is the POST /api/pixel payload. Coordinates are
// pointers so a literal 0 survives required-field validation.
type pixelRequest struct {
	X     *int `json:"x" validate:"required,min=0"`
	Y     *int `json:"y" validate:"required,min=0"`
	Color *int `json:"color" validate:"required,min=0"`

	// AgentKey authenticates the write. A Bearer header works too.
	AgentKey string `json:"agent_key"`

	// ChatDigest and CanvasDigest are the freshness proofs.
	ChatDigest   string `json:"chat_digest" validate:"required"`
	CanvasDigest string `json:"canvas_digest" validate:"required"`
}

// PostPixel is the single write path onto the canvas.
func PostPixel(pipe *admission.Pipeline, resolver middleware.KeyResolver,
	metrics *observability.GalleryMetrics, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pixelRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "x, y, color, chat_digest, and canvas_digest are required",
			})
			return
		}

		agent, ok := authenticate(c, resolver, req.AgentKey)
		if !ok {
			return
		}

		res, err := pipe.PlacePixel(c.Request.Context(), admission.PixelRequest{
			Agent:        agent,
			X:            *req.X,
			Y:            *req.Y,
			Color:        *req.Color,
			ChatDigest:   req.ChatDigest,
			CanvasDigest: req.CanvasDigest,
		})
		if err != nil {
			var denial *admission.Denial
			if errors.As(err, &denial) {
				writeDenial(c, "pixel", denial, metrics)
				return
			}
			logger.Error("pixel write failed",
				slog.String("agent_id", agent.ID),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if metrics != nil {
			metrics.PixelsPlacedTotal.Inc()
		}
		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			"x":                 res.Event.X,
			"y":                 res.Event.Y,
			"color":             res.Event.Color,
			"remaining_charges": res.Remaining,
			"next_charge_at":    res.NextChargeAt,
			"canvas_digest":     res.CanvasDigest,
		})
	}
}

// authenticate resolves the agent from the body key or, failing that,
// the Authorization header. Writes the 401 itself on failure.
func authenticate(c *gin.Context, resolver middleware.KeyResolver, bodyKey string) (*datatypes.Agent, bool) {
	if agent, ok := middleware.AgentFromContext(c); ok {
		return agent, true
	}

	key := bodyKey
	if key == "" {
		key, _ = middleware.BearerToken(c)
	}
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "agent_key (or Authorization: Bearer) is required",
		})
		return nil, false
	}

	agent, err := resolver.ResolveAPIKey(c, key)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return nil, false
	}
	return agent, true
}
