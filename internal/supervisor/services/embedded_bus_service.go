// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package services

import (
	"context"
	"fmt"
	"time"
)

// EmbeddedBus matches the embedded NATS server's lifecycle. The server
// is started at construction time, before any store or transport
// connects, so the service only monitors and shuts it down.
type EmbeddedBus interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// EmbeddedBusService supervises an already-running embedded bus server.
// If the server stops on its own the service returns an error; restart
// is left to the operator since in-process JetStream state does not
// survive a blind restart of the wrapper alone.
type EmbeddedBusService struct {
	bus             EmbeddedBus
	checkInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewEmbeddedBusService wraps an embedded bus server.
func NewEmbeddedBusService(bus EmbeddedBus) *EmbeddedBusService {
	return &EmbeddedBusService{
		bus:             bus,
		checkInterval:   5 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
}

// Serve implements suture.Service.
func (s *EmbeddedBusService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.bus.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("embedded bus shutdown: %w", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.bus.IsRunning() {
				return fmt.Errorf("embedded bus server stopped unexpectedly")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *EmbeddedBusService) String() string {
	return "embedded-bus"
}
