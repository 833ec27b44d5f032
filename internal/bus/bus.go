// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package bus implements the cross-region broadcast bus: a single logical
// channel that fans every counter update out to all region processes,
// including the publisher itself.
//
// Delivery is at-least-once (JetStream durable consumers) with no ordering
// guarantee across different publishers; receivers merge idempotently.
package bus

import (
	"context"
	"time"
)

// Topic is the single logical channel all regions publish to and subscribe
// on. Receivers filter and merge by the region id embedded in the payload.
const Topic = "counter-updates"

// Bus is a publish/subscribe channel to all sibling region processes.
type Bus interface {
	// Publish fans a payload out to every subscriber on the channel.
	Publish(ctx context.Context, payload []byte) error

	// Subscribe returns a channel of raw payloads. The channel is closed
	// when the context is canceled or the bus is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	// Endpoint identifies the underlying transport endpoint, used to avoid
	// duplicate subscriptions when logical regions share one transport.
	Endpoint() string

	// Close releases transport resources.
	Close() error
}

// Config holds connection settings for a NATS-backed bus.
type Config struct {
	// URL of the NATS server, e.g. "nats://127.0.0.1:4222".
	URL string

	// Region names this process's durable consumer, so a restarted process
	// resumes from where it left off instead of replaying the stream.
	Region string

	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
}

// withDefaults fills zero values with production defaults.
func (c Config) withDefaults() Config {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever; a region without its bus is degraded, not dead
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	return c
}
