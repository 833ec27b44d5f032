// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package bus

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/geopulse/geopulse/internal/logging"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeBus records publishes for Set tests.
type fakeBus struct {
	endpoint   string
	published  [][]byte
	publishErr error
	closed     bool
}

func (f *fakeBus) Publish(ctx context.Context, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) Endpoint() string { return f.endpoint }

func (f *fakeBus) Close() error {
	f.closed = true
	return nil
}

func TestSetDeduplicatesByEndpoint(t *testing.T) {
	created := 0
	s := NewSet(func(endpoint string) (Bus, error) {
		created++
		return &fakeBus{endpoint: endpoint}, nil
	})

	a, err := s.ForEndpoint("nats://east:4222")
	if err != nil {
		t.Fatalf("ForEndpoint: %v", err)
	}
	b, err := s.ForEndpoint("nats://east:4222")
	if err != nil {
		t.Fatalf("ForEndpoint: %v", err)
	}
	if a != b {
		t.Error("same endpoint produced distinct buses")
	}

	if _, err := s.ForEndpoint("nats://west:4222"); err != nil {
		t.Fatalf("ForEndpoint: %v", err)
	}

	if created != 2 {
		t.Errorf("factory ran %d times, want 2", created)
	}
	if s.Size() != 2 {
		t.Errorf("Size = %d, want 2", s.Size())
	}
}

func TestSetFactoryError(t *testing.T) {
	wantErr := errors.New("dial failed")
	s := NewSet(func(endpoint string) (Bus, error) {
		return nil, wantErr
	})

	if _, err := s.ForEndpoint("nats://east:4222"); !errors.Is(err, wantErr) {
		t.Errorf("ForEndpoint error = %v, want factory error", err)
	}
	if s.Size() != 0 {
		t.Errorf("Size = %d after factory failure, want 0", s.Size())
	}
}

func TestSetPublishFansOut(t *testing.T) {
	buses := make(map[string]*fakeBus)
	s := NewSet(func(endpoint string) (Bus, error) {
		b := &fakeBus{endpoint: endpoint}
		buses[endpoint] = b
		return b, nil
	})

	for _, ep := range []string{"east", "west", "apac"} {
		if _, err := s.ForEndpoint(ep); err != nil {
			t.Fatalf("ForEndpoint(%s): %v", ep, err)
		}
	}

	payload := []byte(`{"region":"iad","count":1}`)
	if err := s.Publish(context.Background(), payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for ep, b := range buses {
		if len(b.published) != 1 {
			t.Errorf("endpoint %s received %d publishes, want 1", ep, len(b.published))
		}
	}
}

func TestSetPublishContinuesPastFailures(t *testing.T) {
	wantErr := errors.New("transport down")
	buses := make(map[string]*fakeBus)
	s := NewSet(func(endpoint string) (Bus, error) {
		b := &fakeBus{endpoint: endpoint}
		if endpoint == "down" {
			b.publishErr = wantErr
		}
		buses[endpoint] = b
		return b, nil
	})

	for _, ep := range []string{"down", "up"} {
		if _, err := s.ForEndpoint(ep); err != nil {
			t.Fatalf("ForEndpoint(%s): %v", ep, err)
		}
	}

	err := s.Publish(context.Background(), []byte("x"))
	if !errors.Is(err, wantErr) {
		t.Errorf("Publish error = %v, want the failing transport's error", err)
	}
	if len(buses["up"].published) != 1 {
		t.Error("healthy transport skipped after a sibling failure")
	}
}

func TestSetClose(t *testing.T) {
	buses := make(map[string]*fakeBus)
	s := NewSet(func(endpoint string) (Bus, error) {
		b := &fakeBus{endpoint: endpoint}
		buses[endpoint] = b
		return b, nil
	})

	for _, ep := range []string{"east", "west"} {
		if _, err := s.ForEndpoint(ep); err != nil {
			t.Fatalf("ForEndpoint(%s): %v", ep, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for ep, b := range buses {
		if !b.closed {
			t.Errorf("endpoint %s not closed", ep)
		}
	}
	if s.Size() != 0 {
		t.Errorf("Size = %d after Close, want 0", s.Size())
	}
}
