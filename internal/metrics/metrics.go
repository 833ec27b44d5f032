// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package metrics defines Prometheus instrumentation for the replication
// core: counter increments, bus traffic, live viewer connections, and
// reconciliation behavior. Exposed on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter store metrics
	CounterIncrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geopulse_counter_increments_total",
			Help: "Total successful counter increments by region",
		},
		[]string{"region"},
	)

	CounterIncrementErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geopulse_counter_increment_errors_total",
			Help: "Total failed counter increments by region",
		},
		[]string{"region"},
	)

	// Broadcast bus metrics
	BusMessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_bus_messages_published_total",
			Help: "Total messages published on the counter-updates channel",
		},
	)

	BusMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_bus_messages_received_total",
			Help: "Total messages received from the counter-updates channel",
		},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_bus_publish_errors_total",
			Help: "Total publish failures, including circuit breaker rejections",
		},
	)

	MalformedMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_bus_malformed_messages_dropped_total",
			Help: "Total inbound bus payloads dropped as malformed",
		},
	)

	// Live client fan-out metrics
	ConnectedViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geopulse_connected_viewers",
			Help: "Currently open viewer connections to this region process",
		},
	)

	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geopulse_fanout_messages_total",
			Help: "Messages pushed to viewers by message type",
		},
		[]string{"type"},
	)

	// Presence registry metrics
	PresenceRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geopulse_presence_records",
			Help: "Connection records in the last aggregated presence snapshot",
		},
	)

	// Reconciliation metrics
	ReconcileRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_reconcile_runs_total",
			Help: "Completed reconciliation passes",
		},
	)

	ReconcileSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_reconcile_skipped_total",
			Help: "Reconciliation ticks skipped because a pass was still in flight",
		},
	)

	ReconcileRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geopulse_reconcile_repairs_total",
			Help: "Cache entries corrected by reconciliation (missed broadcasts repaired)",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geopulse_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
	)
)
