// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package websocket implements the live client fan-out: the set of open
// viewer connections to this region's process. The hub owns the connection
// set; a Handler (the replication coordinator) is notified of session
// lifecycle and inbound messages, and pushes updates back out through
// Broadcast or per-session Send.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/metrics"
)

// Session is one open viewer connection, as seen by the handler.
// Send is non-blocking and reports delivery into the connection's queue;
// sending to a closed session is a no-op returning false, never a panic.
// Closed reports whether the hub has already shut the session down; the
// SessionClosed callback may still be in flight when it flips.
type Session interface {
	ID() uint64
	Send(msg any) bool
	Closed() bool
	RemoteAddr() string
}

// Handler receives session lifecycle events and inbound viewer messages.
//
// SessionOpened runs before the session can receive broadcasts, so anything
// sent from it (the full state snapshot) is guaranteed to be the session's
// first message. Handlers run on the hub goroutine; slow work must be
// bounded by a timeout or moved to its own goroutine.
type Handler interface {
	SessionOpened(s Session)
	SessionMessage(s Session, data []byte)
	SessionClosed(s Session)
}

// envelope pairs a message with its type label for fan-out metrics.
type envelope struct {
	msgType string
	payload any
}

// Hub maintains the set of active viewer connections and broadcasts
// messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	Register   chan *Client
	Unregister chan *Client
	handler    Handler
	mu         sync.RWMutex
}

// NewHub creates a new Hub. The handler may be nil for tests that only
// exercise fan-out.
func NewHub(handler Handler) *Hub {
	return &Hub{
		broadcast:  make(chan envelope, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		handler:    handler,
	}
}

// Run starts the hub without context support (blocks forever).
//
// Deprecated: Use RunWithContext for supervised operation.
func (h *Hub) Run() {
	_ = h.RunWithContext(context.Background()) //nolint:errcheck // blocks forever
}

// RunWithContext starts the hub with context support for graceful shutdown.
// Designed for suture supervision: on cancellation all clients are closed
// and ctx.Err() is returned so the supervisor can restart cleanly.
//
// Selection is priority based: shutdown first, then client lifecycle, then
// broadcasts. Go's select picks randomly among ready channels; lifecycle
// priority keeps the client set consistent before messages are processed.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown (non-blocking check)
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: client lifecycle (non-blocking check)
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		// Priority 3: broadcasts, or block until anything happens
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case env := <-h.broadcast:
			h.broadcastToClients(env)
		}
	}
}

// addClient opens a session. The handler's snapshot send happens before
// the client joins the broadcast set, so a concurrent broadcast can never
// beat the snapshot into the client's ordered send queue.
func (h *Hub) addClient(client *Client) {
	if h.handler != nil {
		h.handler.SessionOpened(client)
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedViewers.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("viewer connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		client.closed.Store(true)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !known {
		return
	}

	if h.handler != nil {
		h.handler.SessionClosed(client)
	}

	metrics.ConnectedViewers.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("viewer disconnected")
}

// Broadcast queues a message for every connected viewer. If the hub's
// queue is full the message is dropped; the next snapshot carries full
// state, so a lost push is not a correctness problem.
func (h *Hub) Broadcast(msgType string, msg any) {
	select {
	case h.broadcast <- envelope{msgType: msgType, payload: msg}:
	default:
		logging.Warn().Str("message_type", msgType).Msg("broadcast channel full, dropping message")
	}
}

// broadcastToClients sends a message to all connected clients in
// deterministic (client id) order, pruning clients whose queues are full.
func (h *Hub) broadcastToClients(env envelope) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var pruned []*Client
	for _, client := range clients {
		select {
		case client.send <- env.payload:
		default:
			// Queue full or viewer gone; prune below
			pruned = append(pruned, client)
		}
	}
	h.mu.Unlock()

	metrics.FanoutMessages.WithLabelValues(env.msgType).Add(float64(len(clients) - len(pruned)))

	// Pruned clients take the same close path as an Unregister so the
	// handler can retract their presence records. The client's own
	// trailing Unregister then hits the already-removed early return.
	for _, client := range pruned {
		h.removeClient(client)
	}
}

// shutdown closes all clients and logs the reason.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		client.closed.Store(true)
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	// Every session ends through SessionClosed, restart included;
	// otherwise the presence records of connected viewers outlive them.
	if h.handler != nil {
		for _, client := range clients {
			h.handler.SessionClosed(client)
		}
	}

	metrics.ConnectedViewers.Set(0)

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
