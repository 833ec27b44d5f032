// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package api

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"
	"github.com/goccy/go-json"

	"github.com/geopulse/geopulse/internal/coordinator"
	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The counter widget embeds on arbitrary pages; origin checks are
	// left to the CORS layer and the absence of any privileged state.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler serves the HTTP endpoints backed by the coordinator and the
// live-connection hub.
type Handler struct {
	coord *coordinator.Coordinator
	hub   *websocket.Hub
	ready func() bool
}

// NewHandler creates the HTTP handler. ready reports whether the process
// has bootstrapped; nil means always ready.
func NewHandler(coord *coordinator.Coordinator, hub *websocket.Hub, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{coord: coord, hub: hub, ready: ready}
}

// ServeWS upgrades the connection and hands it to the hub. The viewer's
// first received message is always the full state snapshot.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, r.RemoteAddr)
	h.hub.Register <- client
	client.Start()
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether bootstrap has completed. Load balancers
// should not route viewers here before the cache is primed, or their
// first snapshot would show zeros.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Regions returns the cached per-region counts, the same view a new
// websocket viewer receives in its snapshot.
func (h *Handler) Regions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"region":  h.coord.Region(),
		"regions": h.coord.Snapshot(),
	})
}

// Presence returns the aggregated live-connection records.
func (h *Handler) Presence(w http.ResponseWriter, _ *http.Request) {
	records := h.coord.Presence()
	writeJSON(w, http.StatusOK, map[string]any{
		"connectedUsers": len(records),
		"connections":    records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("writing response")
	}
}
