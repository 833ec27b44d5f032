// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package api exposes the HTTP surface: the /ws websocket endpoint for
// live viewers, a small read-only REST API, health probes, and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the HTTP middleware stack.
type RouterConfig struct {
	// RateLimit is requests per minute per client IP for the REST
	// surface. Zero disables limiting.
	RateLimit int
	// AllowedOrigins configures CORS. Empty allows any origin, which is
	// the expected deployment for a public counter widget.
	AllowedOrigins []string
}

// NewRouter assembles the chi router around a Handler.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// The websocket upgrade and probes sit outside the rate limiter: a
	// reconnect storm after a deploy is exactly when viewers must get
	// back in.
	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Liveness)
	r.Get("/readyz", h.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}
		r.Get("/api/v1/regions", h.Regions)
		r.Get("/api/v1/presence", h.Presence)
	})

	return r
}
