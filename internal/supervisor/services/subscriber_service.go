// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package services

import (
	"context"
	"fmt"

	"github.com/geopulse/geopulse/internal/logging"
)

// Subscriber matches the receiving half of a bus transport.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Endpoint() string
}

// RemoteHandler consumes one broadcast payload. Malformed payloads are
// the handler's problem; the loop never stops for them.
type RemoteHandler interface {
	HandleRemote(payload []byte)
}

// SubscriberService pumps one bus transport's messages into the
// coordinator. One service runs per distinct transport endpoint. A failed
// subscribe or a closed channel returns an error so the supervisor
// restarts the loop with backoff, re-subscribing from new messages.
type SubscriberService struct {
	bus     Subscriber
	handler RemoteHandler
}

// NewSubscriberService creates the pump for one transport.
func NewSubscriberService(bus Subscriber, handler RemoteHandler) *SubscriberService {
	return &SubscriberService{bus: bus, handler: handler}
}

// Serve implements suture.Service.
func (s *SubscriberService) Serve(ctx context.Context) error {
	messages, err := s.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.bus.Endpoint(), err)
	}

	logging.Info().Str("endpoint", s.bus.Endpoint()).Msg("bus subscriber started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.bus.Endpoint())
			}
			s.handler.HandleRemote(payload)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *SubscriberService) String() string {
	return "bus-subscriber:" + s.bus.Endpoint()
}
