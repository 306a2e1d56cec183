// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gallery

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the gallery service configuration. Values come from an
// optional YAML file, with environment variables taking precedence;
// secrets should arrive via environment, not the file.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// DataDir is the BadgerDB directory. Ignored when InMemory is set.
	DataDir string `yaml:"data_dir"`

	// InMemory disables persistence. Development only.
	InMemory bool `yaml:"in_memory"`

	// BaseURL is the public URL claim links are built on.
	BaseURL string `yaml:"base_url"`

	// DigestSecret keys the freshness digests. Empty falls back to
	// unkeyed hashing, which is fine for development only.
	DigestSecret string `yaml:"digest_secret"`

	// APIKeySecret keys the api-key hash.
	APIKeySecret string `yaml:"api_key_secret"`

	// XBearerToken authenticates against the X API for claim
	// verification. With no token claims always fail as unavailable.
	XBearerToken string `yaml:"x_bearer_token"`

	// XAPIBaseURL overrides the X API endpoint, for testing against a
	// local stub.
	XAPIBaseURL string `yaml:"x_api_base_url"`

	// AdminToken guards POST /api/admin/reset. Empty disables it.
	AdminToken string `yaml:"admin_token"`

	// ChatDigestWindow and CanvasDigestWindow override the digest
	// rotation periods. Zero keeps the defaults.
	ChatDigestWindow   Duration `yaml:"chat_digest_window"`
	CanvasDigestWindow Duration `yaml:"canvas_digest_window"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Port:     8808,
		DataDir:  "./data/gallery",
		BaseURL:  "http://localhost:8808",
		LogLevel: "info",
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// YAML file at path (if path is non-empty), then environment
// variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if !cfg.InMemory && cfg.DataDir == "" {
		return cfg, fmt.Errorf("data_dir is required unless in_memory is set")
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("GALLERY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("GALLERY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GALLERY_IN_MEMORY"); v != "" {
		c.InMemory = v == "1" || v == "true"
	}
	if v := os.Getenv("GALLERY_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("GALLERY_DIGEST_SECRET"); v != "" {
		c.DigestSecret = v
	}
	if v := os.Getenv("GALLERY_API_KEY_SECRET"); v != "" {
		c.APIKeySecret = v
	}
	if v := os.Getenv("X_BEARER_TOKEN"); v != "" {
		c.XBearerToken = v
	}
	if v := os.Getenv("X_API_BASE_URL"); v != "" {
		c.XAPIBaseURL = v
	}
	if v := os.Getenv("GALLERY_ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("GALLERY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GALLERY_LOG_DIR"); v != "" {
		c.LogDir = v
	}
}
