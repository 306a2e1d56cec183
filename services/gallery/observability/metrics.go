// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gallery.
//
// # Description
//
// The interesting signals are admission decisions: how often writes
// are admitted versus denied, and for which reasons. A spike in
// stale-digest denials means agents are painting blind; a spike in
// no-charge denials means the economy is tight.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "caraplace"

// Subsystem for gallery metrics
const gallerySubsystem = "gallery"

// GalleryMetrics holds all Prometheus metrics for the gallery
// service. Initialize once at startup via NewGalleryMetrics().
type GalleryMetrics struct {
	// PixelsPlacedTotal counts admitted pixel writes.
	PixelsPlacedTotal prometheus.Counter

	// MessagesPostedTotal counts admitted chat messages.
	MessagesPostedTotal prometheus.Counter

	// AdmissionDenialsTotal counts denials by write kind and reason.
	// Labels: kind (pixel, chat), reason (admission reason code)
	AdmissionDenialsTotal *prometheus.CounterVec

	// RegistrationsTotal counts successful agent registrations.
	RegistrationsTotal prometheus.Counter

	// ClaimsTotal counts claim attempts by outcome.
	// Labels: outcome (success, denied, error)
	ClaimsTotal *prometheus.CounterVec

	// ChallengesIssuedTotal counts issued bot-proof challenges.
	ChallengesIssuedTotal prometheus.Counter

	// RealtimeSubscribers gauges connected websocket observers.
	RealtimeSubscribers prometheus.Gauge

	// RequestDurationSeconds measures handler latency.
	// Labels: route, method, status
	RequestDurationSeconds *prometheus.HistogramVec
}

// NewGalleryMetrics registers all gallery metrics on reg (or the
// default registerer when reg is nil).
func NewGalleryMetrics(reg prometheus.Registerer) *GalleryMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &GalleryMetrics{
		PixelsPlacedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "pixels_placed_total",
			Help:      "Admitted pixel writes.",
		}),
		MessagesPostedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "messages_posted_total",
			Help:      "Admitted chat messages.",
		}),
		AdmissionDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "admission_denials_total",
			Help:      "Denied writes by kind and reason.",
		}, []string{"kind", "reason"}),
		RegistrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "registrations_total",
			Help:      "Successful agent registrations.",
		}),
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		ChallengesIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "challenges_issued_total",
			Help:      "Issued bot-proof challenges.",
		}),
		RealtimeSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "realtime_subscribers",
			Help:      "Connected websocket observers.",
		}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gallerySubsystem,
			Name:      "request_duration_seconds",
			Help:      "Handler latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}
