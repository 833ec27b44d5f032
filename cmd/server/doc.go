// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

/*
Package main is the entry point for a Geopulse region process.

Geopulse is a globally distributed visitor counter. Each deployed region
runs one of these processes: it counts visits against its own region's
durable counter, mirrors every other region's count through a broadcast
bus and a periodic reconciliation loop, and streams the combined state to
browsers over websockets together with a live map of connected viewers.

# Application Architecture

The process runs under a Suture v4 supervision tree:

	RootSupervisor ("geopulse")
	├── StateSupervisor ("state-layer")
	│   └── Reconciler (1s counter and presence repair loop)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── Embedded bus server (optional)
	│   ├── WebSocket Hub (viewer fan-out)
	│   └── Bus subscribers (one per distinct transport endpoint)
	└── APISupervisor ("api-layer")
	    └── HTTP Server (/ws, REST reads, probes, metrics)

Component initialization order:

 1. Configuration: Koanf v2 defaults, optional YAML file, GEOPULSE_* env
 2. Logging: zerolog, JSON or console format
 3. Embedded NATS server when bus.embedded is set
 4. Durable stores: JetStream KV buckets or a local badger directory
 5. Bus transports, deduplicated by endpoint
 6. Coordinator bootstrap: stale presence sweep, cache priming
 7. Supervision tree start and signal handling

Usage:

	geopulse -config config.yaml
*/
package main
