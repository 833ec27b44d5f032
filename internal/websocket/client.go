// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geopulse/geopulse/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // viewer messages are tiny; anything bigger is abuse
)

// clientIDCounter generates unique, monotonically increasing IDs so
// clients can be sorted in a consistent order for broadcasts.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	id         uint64
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string
	send       chan any
	closed     atomic.Bool
}

// NewClient creates a new Client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		id:         clientIDCounter.Add(1),
		hub:        hub,
		conn:       conn,
		remoteAddr: remoteAddr,
		send:       make(chan any, 256),
	}
}

// ID implements Session.
func (c *Client) ID() uint64 {
	return c.id
}

// Closed implements Session. The hub flips it before closing the send
// queue, so a handler observing true knows no further message can reach
// this viewer.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr implements Session. It returns the viewer's address as seen
// at upgrade time (after proxy-header resolution by the router).
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Send implements Session. It enqueues a message for ordered delivery to
// this viewer. Returns false when the queue is full or the session is
// closed; the message is simply lost, which is acceptable because the next
// snapshot carries full state.
func (c *Client) Send(msg any) (ok bool) {
	defer func() {
		// The hub may close c.send concurrently with a handler send; a
		// send on a closed session must be a no-op, not a crash.
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump pumps inbound viewer messages to the hub's handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close() //nolint:errcheck // best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		if c.hub.handler != nil {
			c.hub.handler.SessionMessage(c, data)
		}
	}
}

// writePump pumps messages from the send queue to the websocket
// connection. Transport-level ordering over the single connection is what
// guarantees a viewer sees messages in the order sent.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck // closing anyway
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Error().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
