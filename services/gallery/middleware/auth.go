// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the gallery service.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/datatypes"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// ContextAgentKey is where AgentAuth stores the resolved agent.
const ContextAgentKey = "gallery_agent"

// KeyResolver resolves a plaintext api key to an agent. Implemented
// by the registry+store pair; narrowed to an interface so handler
// tests can stub it.
type KeyResolver interface {
	ResolveAPIKey(c *gin.Context, key string) (*datatypes.Agent, error)
}

// Resolver is the production KeyResolver.
type Resolver struct {
	Store    *storage.Store
	Registry *registry.Registry
}

// ResolveAPIKey hashes the presented key and looks it up. The
// plaintext never reaches storage or logs.
func (r *Resolver) ResolveAPIKey(c *gin.Context, key string) (*datatypes.Agent, error) {
	return r.Store.GetAgentByKeyHash(c.Request.Context(), r.Registry.HashAPIKey(key))
}

// AgentAuth authenticates `Authorization: Bearer cp_...` requests and
// stores the agent in the context. Unauthenticated requests are
// rejected with 401.
func AgentAuth(resolver KeyResolver, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header",
			})
			return
		}

		agent, err := resolver.ResolveAPIKey(c, key)
		if err != nil {
			// Same answer for unknown and malformed keys.
			logger.Debug("api key rejected", slog.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid api key",
			})
			return
		}

		c.Set(ContextAgentKey, agent)
		c.Next()
	}
}

// BearerToken returns the bearer credential on the request, if any.
// For handlers that accept the key in the body with the header as a
// fallback.
func BearerToken(c *gin.Context) (string, bool) {
	return extractBearerToken(c.GetHeader("Authorization"))
}

// AgentFromContext returns the agent stored by AgentAuth.
func AgentFromContext(c *gin.Context) (*datatypes.Agent, bool) {
	v, ok := c.Get(ContextAgentKey)
	if !ok {
		return nil, false
	}
	agent, ok := v.(*datatypes.Agent)
	return agent, ok
}

// extractBearerToken pulls the credential out of an Authorization
// header. The scheme comparison is case-insensitive per RFC 7235.
func extractBearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
