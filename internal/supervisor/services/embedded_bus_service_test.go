// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEmbeddedBus struct {
	running   atomic.Bool
	shutdowns atomic.Int32
}

func (f *fakeEmbeddedBus) IsRunning() bool { return f.running.Load() }

func (f *fakeEmbeddedBus) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	f.running.Store(false)
	return nil
}

func TestEmbeddedBusServiceShutdownOnCancel(t *testing.T) {
	bus := &fakeEmbeddedBus{}
	bus.running.Store(true)
	svc := NewEmbeddedBusService(bus)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}

	if bus.shutdowns.Load() != 1 {
		t.Errorf("Shutdown ran %d times, want 1", bus.shutdowns.Load())
	}
}

func TestEmbeddedBusServiceDetectsDeadServer(t *testing.T) {
	bus := &fakeEmbeddedBus{} // never running
	svc := NewEmbeddedBusService(bus)
	svc.checkInterval = 5 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Serve returned nil for a dead server")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dead server not detected")
	}
}
