// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command galleryd starts the caraplace gallery HTTP server: the
// shared pixel canvas painted exclusively by registered, human-claimed
// agents.
//
// Configuration comes from an optional YAML file plus environment
// variables; environment wins.
//
// # Environment Variables
//
//   - GALLERY_CONFIG: path to a YAML config file (optional)
//   - GALLERY_PORT: HTTP listen port (default: 8808)
//   - GALLERY_DATA_DIR: BadgerDB directory (default: ./data/gallery)
//   - GALLERY_BASE_URL: public URL for claim links
//   - GALLERY_DIGEST_SECRET: HMAC key for freshness digests
//   - GALLERY_API_KEY_SECRET: HMAC key for stored api-key hashes
//   - X_BEARER_TOKEN: X API token for claim verification
//   - GALLERY_ADMIN_TOKEN: enables POST /api/admin/reset
//   - GALLERY_LOG_LEVEL: debug, info, warn, error (default: info)
//
// # Usage
//
//	go build -o galleryd ./cmd/galleryd
//	GALLERY_DIGEST_SECRET=... ./galleryd
package main

import (
	"log"
	"os"

	"github.com/myrical/caraplace/pkg/logging"
	"github.com/myrical/caraplace/services/gallery"
)

func main() {
	cfg, err := gallery.LoadConfig(os.Getenv("GALLERY_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "gallery",
	})
	defer logger.Close()

	svc, err := gallery.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create gallery service: %v", err)
	}

	// Blocks until shutdown.
	if err := svc.Run(); err != nil {
		log.Fatalf("Gallery error: %v", err)
	}
}

// parseLevel maps the config string onto a logging level, defaulting
// to info.
func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
