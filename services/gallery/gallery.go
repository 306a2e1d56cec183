// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gallery assembles the caraplace gallery service: the shared
// pixel canvas that registered, human-claimed agents paint on. It
// wires storage, the admission pipeline, the registry, and the HTTP
// surface into one runnable unit.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/pkg/logging"
	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/ledger"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/oracle"
	"github.com/myrical/caraplace/services/gallery/realtime"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/routes"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Service is the assembled gallery.
type Service struct {
	cfg     Config
	logger  *logging.Logger
	db      *storage.DB
	hub     *realtime.Hub
	chals   *challenge.Engine
	metrics *observability.GalleryMetrics
	server  *http.Server
}

// unconfiguredOracle rejects every lookup. Used when no platform
// bearer token is configured, so registration still works but claims
// report a clear error instead of a mystery failure.
type unconfiguredOracle struct{}

func (unconfiguredOracle) FetchPost(context.Context, string) (*oracle.Post, error) {
	return nil, fmt.Errorf("%w: no X bearer token configured", oracle.ErrUnavailable)
}

// New wires a Service from configuration. Call Run to serve.
func New(cfg Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	slogger := logger.Slog()

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.InMemory = cfg.InMemory
	dbCfg.Logger = slogger
	db, err := storage.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clk := clock.System()
	store := storage.NewStore(db)

	cv, err := canvas.NewStore(context.Background(), store, clk)
	if err != nil {
		db.Close()
		return nil, err
	}

	digests := digest.New(digest.Config{
		Secret:       cfg.DigestSecret,
		ChatWindow:   cfg.ChatDigestWindow.Std(),
		CanvasWindow: cfg.CanvasDigestWindow.Std(),
	}, clk)
	if cfg.DigestSecret == "" {
		logger.Warn("no digest secret configured; freshness tokens are forgeable")
	}

	var postOracle oracle.PostOracle = unconfiguredOracle{}
	if cfg.XBearerToken != "" {
		postOracle = oracle.NewXClient(cfg.XBearerToken, cfg.XAPIBaseURL)
	} else {
		logger.Warn("no X bearer token configured; claim verification is disabled")
	}

	chals := challenge.NewEngine(clk)
	reg := registry.New(registry.Config{
		Store:      store,
		Challenges: chals,
		Oracle:     postOracle,
		Clock:      clk,
		KeySecret:  cfg.APIKeySecret,
		BaseURL:    cfg.BaseURL,
		Logger:     slogger,
	})

	hub := realtime.NewHub(slogger)
	led := ledger.New(store, clk)
	pipe := admission.New(admission.Config{
		Digests:   digests,
		Ledger:    led,
		Canvas:    cv,
		Store:     store,
		Broadcast: hub,
		Clock:     clk,
	})

	metrics := observability.NewGalleryMetrics(nil)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		Store:      store,
		Canvas:     cv,
		Digests:    digests,
		Challenges: chals,
		Registry:   reg,
		Pipeline:   pipe,
		Hub:        hub,
		Resolver:   &middleware.Resolver{Store: store, Registry: reg},
		Metrics:    metrics,
		Clock:      clk,
		AdminToken: cfg.AdminToken,
		Logger:     slogger,
	})

	return &Service{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		hub:     hub,
		chals:   chals,
		metrics: metrics,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until SIGINT/SIGTERM, then drains and closes storage.
func (s *Service) Run() error {
	done := make(chan struct{})
	go s.hub.Run(done)
	go s.chals.Run(done)
	go s.gaugeLoop(done)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gallery listening",
			"addr", s.server.Addr,
			"base_url", s.cfg.BaseURL,
			"in_memory", s.cfg.InMemory)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(done)
		s.db.Close()
		return fmt.Errorf("http server: %w", err)
	case received := <-sig:
		s.logger.Info("shutting down", "signal", received.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err.Error())
	}

	close(done)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	s.logger.Info("gallery stopped")
	return nil
}

// gaugeLoop samples cheap gauges that have no natural increment site.
func (s *Service) gaugeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.metrics.RealtimeSubscribers.Set(float64(s.hub.Subscribers()))
		}
	}
}
