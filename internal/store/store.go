// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package store provides the durable stores the replication core depends
// on: the per-region monotonic counter and the presence registry of
// currently-connected viewers.
//
// Two backends exist. The NATS JetStream key/value backend is the
// production choice: it is shared across region processes, so presence
// survives a process restart and counters are visible to sibling regions.
// The Badger backend is single-node, for development and tests.
package store

import (
	"context"
	"errors"

	"github.com/geopulse/geopulse/internal/models"
)

// ErrUnavailable indicates the backing store could not be reached.
// Increments surface this to the caller; reads degrade to cached values.
var ErrUnavailable = errors.New("store unavailable")

// CounterKey is the key pattern for region counters. The value is a decimal
// integer string.
func CounterKey(region string) string {
	return "counter:" + region
}

// Counter is a durable per-region monotonic counter.
type Counter interface {
	// Get returns the counter for a region. When the store is unreachable
	// it returns the last successfully fetched value (0 if never fetched)
	// together with ErrUnavailable, so callers can serve degraded reads.
	Get(ctx context.Context, region string) (int64, error)

	// Increment atomically increments the region's counter and returns the
	// post-increment value. Unlike Get, it fails loudly on store errors.
	Increment(ctx context.Context, region string) (int64, error)

	// Endpoint identifies the underlying transport endpoint. Stores with
	// equal endpoints share state; aggregation layers dedupe by it.
	Endpoint() string
}

// Presence is a region-scoped registry of connection records.
type Presence interface {
	// Put stores a record keyed by its connection id. Last write for a
	// given id wins.
	Put(ctx context.Context, rec models.ConnectionRecord) error

	// Delete removes a record. Deleting an unknown id is a silent no-op.
	Delete(ctx context.Context, region, id string) error

	// GetAll returns every live record in this store, deduplicated by
	// connection id.
	GetAll(ctx context.Context) ([]models.ConnectionRecord, error)

	// ClearRegion removes all records belonging to a region. Called at
	// process startup: a fresh process cannot have live sessions from a
	// previous run, so its own region's entries are guaranteed stale.
	ClearRegion(ctx context.Context, region string) (int, error)

	// Endpoint identifies the underlying transport endpoint.
	Endpoint() string
}
