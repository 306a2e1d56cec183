// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin HTTP handlers for the gallery API.
// Handlers translate between HTTP and the domain packages; admission
// and lifecycle decisions are made underneath, never here.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/oracle"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/storage"
)

// writeDenial maps an admission denial onto an HTTP status and a
// machine-readable body. Denials are the normal currency of this API:
// agents parse the reason code, not the status line.
func writeDenial(c *gin.Context, kind string, d *admission.Denial, metrics *observability.GalleryMetrics) {
	if metrics != nil {
		metrics.AdmissionDenialsTotal.WithLabelValues(kind, d.Reason).Inc()
	}

	status := http.StatusBadRequest
	switch d.Reason {
	case admission.ReasonNotClaimed:
		status = http.StatusForbidden
	case admission.ReasonStaleCanvas, admission.ReasonStaleChat,
		admission.ReasonDuplicateMessage:
		status = http.StatusConflict
	case admission.ReasonNoCharges, admission.ReasonNoCredits:
		status = http.StatusTooManyRequests
	}

	body := gin.H{
		"error":  d.Hint,
		"reason": d.Reason,
	}
	if !d.NextChargeAt.IsZero() {
		body["next_charge_at"] = d.NextChargeAt
	}
	if d.RetryAfter > 0 {
		body["retry_after_ms"] = d.RetryAfter.Milliseconds()
		c.Header("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())+1))
	}
	c.JSON(status, body)
}

// writeRegistryError maps registration and claim failures. The ladder
// is ordered most-specific-first; anything unmatched is a 500 and gets
// logged, because it means a bug rather than a bad request.
func writeRegistryError(c *gin.Context, logger *slog.Logger, err error) {
	var quota *registry.QuotaError
	var claimed *registry.AlreadyClaimedError

	switch {
	case errors.As(err, &quota):
		c.Header("Retry-After", fmt.Sprintf("%d", int(quota.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": quota.Error()})
	case errors.As(err, &claimed):
		c.JSON(http.StatusConflict, gin.H{"error": claimed.Error()})
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrCodeNotInPost),
		errors.Is(err, registry.ErrPostTooOld),
		errors.Is(err, oracle.ErrInvalidPostURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalidClaimToken),
		errors.Is(err, oracle.ErrPostNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrCodeExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, challenge.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, challenge.ErrExpired),
		errors.Is(err, challenge.ErrWrongAnswer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, oracle.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logger.Error("registry operation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// writeStorageError handles plain read-path failures.
func writeStorageError(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	logger.Error("storage read failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
