// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package bus

import (
	"context"

	"github.com/geopulse/geopulse/internal/logging"
)

// Factory creates a bus for a transport endpoint.
type Factory func(endpoint string) (Bus, error)

// Set holds at most one bus per distinct transport endpoint.
//
// Several logical regions can share one transport (co-located counters on
// the same NATS server, or one endpoint listed under two region aliases).
// Subscribing once per region name would deliver every message N times and
// double-count updates in viewers' UIs, so deduplication is keyed by the
// endpoint, never by region name.
type Set struct {
	factory Factory
	buses   map[string]Bus
}

// NewSet creates a set that builds buses with the given factory.
func NewSet(factory Factory) *Set {
	return &Set{factory: factory, buses: make(map[string]Bus)}
}

// ForEndpoint returns the bus for an endpoint, creating it on first use.
func (s *Set) ForEndpoint(endpoint string) (Bus, error) {
	if b, ok := s.buses[endpoint]; ok {
		return b, nil
	}

	b, err := s.factory(endpoint)
	if err != nil {
		return nil, err
	}
	s.buses[endpoint] = b
	logging.Info().Str("endpoint", endpoint).Int("total", len(s.buses)).Msg("bus transport registered")
	return b, nil
}

// Publish fans a payload out to every distinct transport. Failing
// transports do not stop the others; the first error is returned after
// every bus has been attempted.
func (s *Set) Publish(ctx context.Context, payload []byte) error {
	var firstErr error
	for endpoint, b := range s.buses {
		if err := b.Publish(ctx, payload); err != nil {
			logging.Warn().Err(err).Str("endpoint", endpoint).Msg("publish failed on transport")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// All returns every distinct bus in the set.
func (s *Set) All() []Bus {
	all := make([]Bus, 0, len(s.buses))
	for _, b := range s.buses {
		all = append(all, b)
	}
	return all
}

// Size returns the number of distinct transports.
func (s *Set) Size() int {
	return len(s.buses)
}

// Close closes every bus, returning the first error encountered.
func (s *Set) Close() error {
	var firstErr error
	for endpoint, b := range s.buses {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.buses, endpoint)
	}
	return firstErr
}
