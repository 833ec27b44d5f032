// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/geopulse/geopulse/internal/logging"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type fakeSubscriber struct {
	messages     chan []byte
	subscribeErr error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.messages, nil
}

func (f *fakeSubscriber) Endpoint() string { return "fake://bus" }

type collectingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (h *collectingHandler) HandleRemote(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func TestSubscriberDeliversToHandler(t *testing.T) {
	sub := &fakeSubscriber{messages: make(chan []byte, 4)}
	handler := &collectingHandler{}
	svc := NewSubscriberService(sub, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	sub.messages <- []byte(`{"region":"iad","count":1}`)
	sub.messages <- []byte(`{"region":"fra","count":2}`)

	deadline := time.After(2 * time.Second)
	for handler.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("handler saw %d payloads, want 2", handler.count())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestSubscriberRestartsOnClosedChannel(t *testing.T) {
	sub := &fakeSubscriber{messages: make(chan []byte)}
	svc := NewSubscriberService(sub, &collectingHandler{})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(context.Background()) }()

	close(sub.messages)

	select {
	case err := <-errCh:
		// A closed subscription must be an error so the supervisor
		// restarts the loop instead of leaving a dead pump.
		if err == nil {
			t.Error("Serve returned nil on closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not return")
	}
}

func TestSubscriberReturnsSubscribeError(t *testing.T) {
	wantErr := errors.New("no route to bus")
	sub := &fakeSubscriber{subscribeErr: wantErr}
	svc := NewSubscriberService(sub, &collectingHandler{})

	if err := svc.Serve(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Serve returned %v, want the subscribe error", err)
	}
}

func TestSubscriberString(t *testing.T) {
	svc := NewSubscriberService(&fakeSubscriber{}, &collectingHandler{})
	if svc.String() != "bus-subscriber:fake://bus" {
		t.Errorf("String = %q", svc.String())
	}
}
