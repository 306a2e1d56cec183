// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the gallery handlers onto a gin engine.
package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/handlers"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/realtime"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// Deps is everything the route table needs. All fields except Metrics
// and AdminToken are required.
type Deps struct {
	Store      *storage.Store
	Canvas     *canvas.Store
	Digests    *digest.Engine
	Challenges *challenge.Engine
	Registry   *registry.Registry
	Pipeline   *admission.Pipeline
	Hub        *realtime.Hub
	Resolver   middleware.KeyResolver
	Metrics    *observability.GalleryMetrics
	Clock      clock.Clock
	AdminToken string
	Logger     *slog.Logger
}

// SetupRoutes registers every gallery endpoint on router.
func SetupRoutes(router *gin.Engine, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if d.Metrics != nil {
		router.Use(middleware.RequestMetrics(d.Metrics.RequestDurationSeconds))
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ws", gin.WrapF(d.Hub.ServeWS))
		api.GET("/canvas", handlers.GetCanvas(d.Canvas, d.Digests, logger))
		api.GET("/canvas/visual", handlers.GetCanvasVisual(d.Canvas, d.Digests, logger))
		api.GET("/pixel/info", handlers.GetPixelInfo(d.Canvas, d.Store))
		api.POST("/pixel", handlers.PostPixel(d.Pipeline, d.Resolver, d.Metrics, logger))

		api.GET("/chat", handlers.GetChat(d.Store, d.Digests, logger))
		api.POST("/chat", handlers.PostChat(d.Pipeline, d.Resolver, d.Metrics, logger))

		api.GET("/challenge", handlers.GetChallenge(d.Challenges, d.Metrics))

		agents := api.Group("/agents")
		{
			agents.POST("/register", handlers.RegisterAgent(d.Registry, d.Metrics, logger))
			agents.GET("/claim/info", handlers.GetClaimInfo(d.Registry, logger))
			agents.POST("/claim/verify", handlers.VerifyClaim(d.Registry, d.Metrics, logger))
			agents.GET("/me", middleware.AgentAuth(d.Resolver, logger), handlers.GetMe(d.Clock))
			agents.GET("/:id", handlers.GetAgentProfile(d.Store, logger))
		}

		api.GET("/leaderboard", handlers.Leaderboard(d.Store, d.Clock, logger))
		api.GET("/stats", handlers.GetStats(d.Canvas, d.Store, d.Hub, logger))
		api.GET("/version", handlers.GetVersion)

		api.POST("/admin/reset", handlers.AdminReset(d.Store, d.Canvas, d.AdminToken, logger))
	}
}
