// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/metrics"
	"github.com/geopulse/geopulse/internal/models"
)

// DefaultReconcileInterval is the fixed cadence of the repair loop. One
// second bounds how long a lost broadcast or missed presence removal can
// stay visible.
const DefaultReconcileInterval = time.Second

// Reconciler periodically re-reads every region's authoritative counter
// and the aggregated presence registry, repairing the coordinator's cache
// when they drift apart. Every process runs its own reconciler; there is
// no leader, and concurrent passes across processes converge because they
// only ever copy store state into local caches.
type Reconciler struct {
	coord    *Coordinator
	interval time.Duration
	running  atomic.Bool
}

// NewReconciler creates a reconciler for coord. A non-positive interval
// falls back to DefaultReconcileInterval.
func NewReconciler(coord *Coordinator, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{coord: coord, interval: interval}
}

// Serve runs the reconcile loop until ctx is canceled. It satisfies
// suture.Service.
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce executes a single pass. If the previous pass is still in
// flight, which happens when stores respond slower than the interval,
// the tick is skipped rather than queued.
func (r *Reconciler) runOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.ReconcileSkipped.Inc()
		return
	}
	defer r.running.Store(false)

	start := time.Now()

	repairs := r.coord.refreshCounters(ctx)
	presenceChanged := r.coord.refreshPresence(ctx)

	metrics.ReconcileRuns.Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	if repairs > 0 || presenceChanged {
		metrics.ReconcileRepairs.Add(float64(repairs))
		logging.Debug().
			Int("counter_repairs", repairs).
			Bool("presence_changed", presenceChanged).
			Dur("elapsed", time.Since(start)).
			Msg("reconcile pass repaired state")
	}

	// Pushed every pass, repaired or not. Broadcast drops messages when
	// the hub queue is full, so the periodic snapshot is what heals a
	// viewer that missed an earlier push.
	r.coord.fanout.Broadcast(models.TypeState, r.coord.stateMessage())
}

// String implements fmt.Stringer for supervisor logs.
func (r *Reconciler) String() string {
	return "reconciler"
}
