// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package store

import (
	"context"
	"sort"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/models"
)

// Registry aggregates presence across every region's store into one global
// snapshot. Registration dedupes by transport endpoint: when several
// logical regions share one backing store, that store is queried once, not
// once per region. Records are additionally deduplicated by connection id,
// because a shared store already contains all co-located regions' records.
type Registry struct {
	stores    []Presence
	endpoints map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]struct{})}
}

// Add registers a presence store. A store whose endpoint is already
// registered is skipped, and Add reports whether the store was accepted.
func (r *Registry) Add(p Presence) bool {
	if _, dup := r.endpoints[p.Endpoint()]; dup {
		return false
	}
	r.endpoints[p.Endpoint()] = struct{}{}
	r.stores = append(r.stores, p)
	return true
}

// Size returns the number of distinct underlying stores.
func (r *Registry) Size() int {
	return len(r.stores)
}

// Snapshot materializes the global presence view by querying every distinct
// store. A store that fails to answer is skipped with a warning; the
// snapshot degrades rather than erroring, and the next reconciliation pass
// repairs it. Records are deduplicated by connection id and returned in a
// stable order.
func (r *Registry) Snapshot(ctx context.Context) []models.ConnectionRecord {
	seen := make(map[string]struct{})
	var all []models.ConnectionRecord

	for _, p := range r.stores {
		records, err := p.GetAll(ctx)
		if err != nil {
			logging.Warn().Err(err).Str("endpoint", p.Endpoint()).Msg("presence store unreachable, snapshot degraded")
			continue
		}
		for _, rec := range records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			all = append(all, rec)
		}
	}

	// Stable order keeps snapshots comparable between pushes; ids carry a
	// millisecond prefix so this is roughly creation order.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
