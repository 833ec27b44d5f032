// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package coordinator implements the replication core of a region process.
//
// The Coordinator owns the local read-through cache of every region's
// last-known counter state and orchestrates the flow between the four
// collaborators: the regional counter stores, the cross-region broadcast
// bus, the presence registry, and the live client fan-out. All cross-region
// coordination goes through the stores and the bus; processes never talk to
// each other directly.
package coordinator

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/geopulse/geopulse/internal/geo"
	"github.com/geopulse/geopulse/internal/geo/iploc"
	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/metrics"
	"github.com/geopulse/geopulse/internal/models"
	"github.com/geopulse/geopulse/internal/store"
	"github.com/geopulse/geopulse/internal/websocket"
)

// storeCallTimeout bounds a single durable-store call issued from a
// handler. Handlers interleave during these suspensions; nothing in the
// process holds a lock across one.
const storeCallTimeout = 5 * time.Second

// Publisher fans a payload out to all sibling region processes.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Fanout pushes a message to every viewer connected to this process.
type Fanout interface {
	Broadcast(msgType string, msg any)
}

// Locator resolves a viewer's IP to an approximate location. Optional;
// when absent or failing, origins fall back to the serving region's
// coordinates.
type Locator interface {
	Lookup(ctx context.Context, ip string) (*models.Origin, error)
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	// Region is this process's own logical region. Only this region's
	// counter is ever incremented by this process.
	Region string

	// Counters maps every known logical region to the counter store
	// holding its authoritative count. Regions sharing a transport
	// endpoint share a store instance.
	Counters map[string]store.Counter

	// Presence is the registry store for this process's own region.
	Presence store.Presence

	// Registry aggregates presence across all regions' stores.
	Registry *store.Registry

	Publisher Publisher
	Fanout    Fanout
	Locator   Locator

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator is the per-process replication state machine.
type Coordinator struct {
	region     string
	counters   map[string]store.Counter
	presence   store.Presence
	registry   *store.Registry
	publisher  Publisher
	fanout     Fanout
	locator    Locator
	serializer *models.Serializer
	now        func() time.Time

	mu       sync.RWMutex
	cache    map[string]models.RegionCount
	live     []models.ConnectionRecord
	sessions map[uint64]models.ConnectionRecord
}

// New creates a Coordinator. The cache starts empty; Bootstrap primes it.
func New(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		region:     cfg.Region,
		counters:   cfg.Counters,
		presence:   cfg.Presence,
		registry:   cfg.Registry,
		publisher:  cfg.Publisher,
		fanout:     cfg.Fanout,
		locator:    cfg.Locator,
		serializer: models.NewSerializer(),
		now:        now,
		cache:      make(map[string]models.RegionCount),
		sessions:   make(map[uint64]models.ConnectionRecord),
	}
}

// Bootstrap prepares the process to serve viewers: it sweeps stale
// presence records left by a previous run of this region, then primes the
// cache with every configured region's counter. It retries with
// exponential backoff until it succeeds or the context ends; a process
// that cannot reach any store at boot waits rather than crash-looping.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(0), // retry indefinitely
	), ctx)

	return backoff.Retry(func() error {
		swept, err := c.presence.ClearRegion(ctx, c.region)
		if err != nil {
			logging.Warn().Err(err).Msg("presence sweep failed, retrying")
			return err
		}
		if swept > 0 {
			logging.Info().Int("records", swept).Str("region", c.region).Msg("cleared stale presence records")
		}

		c.refreshCounters(ctx)
		c.refreshPresence(ctx)

		logging.Info().
			Str("region", c.region).
			Int("known_regions", len(c.counters)).
			Msg("coordinator bootstrapped")
		return nil
	}, policy)
}

// refreshCounters re-fetches every region's counter into the cache.
// Returns the number of entries whose value changed.
func (c *Coordinator) refreshCounters(ctx context.Context) int {
	repaired := 0
	for region, counter := range c.counters {
		count, err := counter.Get(ctx, region)
		if err != nil {
			// Degraded read: Get already fell back to last-known. A region
			// with no reachable store stays at its cached value (0 if
			// never seen) rather than erroring the whole pass.
			logging.Warn().Err(err).Str("region", region).Msg("counter read degraded")
		}

		c.mu.Lock()
		entry, known := c.cache[region]
		if !known || entry.Count != count {
			ts := entry.LastUpdate
			if entry.Count != count {
				ts = c.now().UnixMilli()
			}
			c.cache[region] = models.RegionCount{Region: region, Count: count, LastUpdate: ts}
			if known {
				repaired++
			}
		}
		c.mu.Unlock()
	}
	return repaired
}

// refreshPresence replaces the cached presence view with a fresh
// aggregated snapshot. Returns true when the set of live ids changed.
func (c *Coordinator) refreshPresence(ctx context.Context) bool {
	snapshot := c.registry.Snapshot(ctx)
	metrics.PresenceRecords.Set(float64(len(snapshot)))

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := len(snapshot) != len(c.live)
	if !changed {
		previous := make(map[string]struct{}, len(c.live))
		for _, rec := range c.live {
			previous[rec.ID] = struct{}{}
		}
		for _, rec := range snapshot {
			if _, ok := previous[rec.ID]; !ok {
				changed = true
				break
			}
		}
	}

	c.live = snapshot
	return changed
}

// Snapshot returns the full cache state, sorted by region for stable
// output. The list is the union of every region this process has ever
// seen a store or broadcast for.
func (c *Coordinator) Snapshot() []models.RegionCount {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regions := make([]models.RegionCount, 0, len(c.cache))
	for _, entry := range c.cache {
		regions = append(regions, entry)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Region < regions[j].Region })
	return regions
}

// Presence returns the cached aggregated presence view.
func (c *Coordinator) Presence() []models.ConnectionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ConnectionRecord, len(c.live))
	copy(out, c.live)
	return out
}

// stateMessage builds the full snapshot message from current caches.
func (c *Coordinator) stateMessage() models.StateMessage {
	return models.NewStateMessage(c.Snapshot(), c.Presence())
}

// SessionOpened implements websocket.Handler. The new viewer's first
// message is always a full state snapshot, never a partial update; the hub
// guarantees no broadcast can reach the session before this send.
func (c *Coordinator) SessionOpened(s websocket.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	// Best effort freshness: a failing registry degrades to the cached
	// presence view instead of delaying or breaking the snapshot.
	c.refreshPresence(ctx)

	s.Send(c.stateMessage())
}

// SessionMessage implements websocket.Handler. Viewer operations run on
// their own goroutines; two sessions' operations may interleave at store
// calls, which is safe because store increments are atomic.
func (c *Coordinator) SessionMessage(s websocket.Session, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn().Err(err).Uint64("session", s.ID()).Msg("dropping malformed viewer message")
		return
	}

	switch msg.Type {
	case models.TypeConnected:
		go c.handleConnected(s, msg.Location)
	case models.TypeIncrement:
		go c.handleIncrement()
	default:
		logging.Warn().Str("type", msg.Type).Uint64("session", s.ID()).Msg("dropping unknown viewer message type")
	}
}

// SessionClosed implements websocket.Handler. The close handler removes
// the session's connection record even when the viewer never said goodbye,
// and broadcasts the removal so other viewers' UIs can retract it.
func (c *Coordinator) SessionClosed(s websocket.Session) {
	c.mu.Lock()
	rec, declared := c.sessions[s.ID()]
	delete(c.sessions, s.ID())
	c.mu.Unlock()

	if !declared {
		return // session ended before declaring presence
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	// Deleting an unknown id is a no-op, so a duplicate close is harmless.
	if err := c.presence.Delete(ctx, rec.Destination.Region, rec.ID); err != nil {
		logging.Warn().Err(err).Str("connection_id", rec.ID).Msg("presence delete failed, reconciliation will repair")
	}

	c.mu.Lock()
	c.live = removeRecord(c.live, rec.ID)
	users := locations(c.live)
	c.mu.Unlock()

	c.fanout.Broadcast(models.TypeUserUpdate, models.UserUpdateMessage{
		Type:           models.TypeUserUpdate,
		ConnectedUsers: users,
		DisconnectedUser: &models.DisconnectedUser{
			Location:   rec.Origin.Point(),
			Connection: rec,
		},
	})
}

// handleIncrement performs a viewer-requested increment of this process's
// own region counter. Other regions' counters are never written here; they
// are only observed through the bus and the stores.
func (c *Coordinator) handleIncrement() {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	if _, err := c.increment(ctx, nil); err != nil {
		logging.Error().Err(err).Str("region", c.region).Msg("increment rejected")
	}
}

// handleConnected processes a presence declaration: store the connection
// record, count the visit, and broadcast both to everyone.
func (c *Coordinator) handleConnected(s websocket.Session, loc *models.GeoPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	rec := models.ConnectionRecord{
		ID:          models.NewConnectionID(),
		Origin:      c.resolveOrigin(ctx, s, loc),
		Destination: geo.Destination(c.region),
	}

	// Check and reserve under one lock so two declarations from the same
	// session can never both create a record.
	c.mu.Lock()
	if _, already := c.sessions[s.ID()]; already {
		c.mu.Unlock()
		return // at most one connection record per session
	}
	c.sessions[s.ID()] = rec
	c.live = upsertRecord(c.live, rec)
	c.mu.Unlock()

	if err := c.presence.Put(ctx, rec); err != nil {
		logging.Error().Err(err).Str("connection_id", rec.ID).Msg("presence put failed")
		// Continue: the visit still counts, the record is simply invisible
		// to other regions until a later pass succeeds.
	}

	// The session may have closed while the record was being resolved or
	// stored. If its close handler ran before the reservation it found
	// nothing to delete, so the record is reclaimed here.
	c.mu.Lock()
	_, open := c.sessions[s.ID()]
	if open && s.Closed() {
		delete(c.sessions, s.ID())
		open = false
	}
	if !open {
		c.live = removeRecord(c.live, rec.ID)
		c.mu.Unlock()
		if err := c.presence.Delete(ctx, rec.Destination.Region, rec.ID); err != nil {
			logging.Warn().Err(err).Str("connection_id", rec.ID).Msg("presence reclaim failed, reconciliation will repair")
		}
		// The visit still counts even though the viewer is already gone.
		if _, err := c.increment(ctx, nil); err != nil {
			logging.Error().Err(err).Str("region", c.region).Msg("visit increment rejected")
		}
		return
	}
	users := locations(c.live)
	c.mu.Unlock()

	// A presence declaration doubles as a visit event.
	if _, err := c.increment(ctx, &rec); err != nil {
		logging.Error().Err(err).Str("region", c.region).Msg("visit increment rejected")
	}

	c.fanout.Broadcast(models.TypeUserUpdate, models.UserUpdateMessage{
		Type:           models.TypeUserUpdate,
		ConnectedUsers: users,
	})
}

// resolveOrigin picks the viewer's origin: browser-provided location
// first, then IP geolocation, then the serving region's own coordinates.
func (c *Coordinator) resolveOrigin(ctx context.Context, s websocket.Session, loc *models.GeoPoint) models.Origin {
	if loc != nil {
		if err := loc.Validate(); err != nil {
			logging.Warn().Err(err).Uint64("session", s.ID()).Msg("ignoring out-of-range viewer location")
		} else {
			return models.Origin{Lat: loc.Lat, Lng: loc.Lng}
		}
	}

	if c.locator != nil {
		origin, err := c.locator.Lookup(ctx, hostOnly(s.RemoteAddr()))
		if err == nil {
			return *origin
		}
		if !errors.Is(err, iploc.ErrPrivateAddress) {
			logging.Warn().Err(err).Msg("ip location lookup failed, using region coordinates")
		}
	}

	point, _ := geo.Coordinates(geo.Logical(c.region))
	return models.Origin{Lat: point.Lat, Lng: point.Lng}
}

// increment bumps the own-region counter, updates the cache, pushes the
// update to local viewers, and publishes it on the bus. The optional
// connection record rides along on both pushes.
func (c *Coordinator) increment(ctx context.Context, rec *models.ConnectionRecord) (int64, error) {
	counter, ok := c.counters[c.region]
	if !ok {
		return 0, store.ErrUnavailable
	}

	count, err := counter.Increment(ctx, c.region)
	if err != nil {
		metrics.CounterIncrementErrors.WithLabelValues(c.region).Inc()
		return 0, err
	}
	metrics.CounterIncrements.WithLabelValues(c.region).Inc()

	update := models.UpdateMessage{
		Type:       models.TypeUpdate,
		Region:     c.region,
		Count:      count,
		LastUpdate: c.now().UnixMilli(),
		Connection: rec,
	}

	c.applyUpdate(update)
	c.fanout.Broadcast(models.TypeUpdate, update)

	payload, err := c.serializer.MarshalUpdate(&update)
	if err != nil {
		return count, err
	}
	if err := c.publisher.Publish(ctx, payload); err != nil {
		// Local state is already correct; siblings repair via reconciliation.
		logging.Warn().Err(err).Str("region", c.region).Msg("bus publish failed")
	}

	return count, nil
}

// HandleRemote processes one payload from the broadcast bus. The cache
// entry for the message's region is overwritten unconditionally:
// last-write-wins by arrival, an accepted consistency trade-off since only
// same-publisher ordering is guaranteed. Malformed payloads are dropped
// with a warning; they never tear down the receive loop.
func (c *Coordinator) HandleRemote(data []byte) {
	msg, err := c.serializer.UnmarshalUpdate(data)
	if err != nil {
		metrics.MalformedMessagesDropped.Inc()
		logging.Warn().Err(err).Msg("dropping malformed bus message")
		return
	}

	c.applyUpdate(*msg)

	if msg.Connection != nil {
		c.mu.Lock()
		c.live = upsertRecord(c.live, *msg.Connection)
		c.mu.Unlock()
	}

	c.fanout.Broadcast(models.TypeState, c.stateMessage())
}

// applyUpdate overwrites one cache entry. Each entry update is a single
// assignment under the lock, so readers never observe a torn state.
func (c *Coordinator) applyUpdate(msg models.UpdateMessage) {
	c.mu.Lock()
	c.cache[msg.Region] = models.RegionCount{
		Region:     msg.Region,
		Count:      msg.Count,
		LastUpdate: msg.LastUpdate,
	}
	c.mu.Unlock()
}

// Region returns this process's own logical region.
func (c *Coordinator) Region() string {
	return c.region
}

func locations(records []models.ConnectionRecord) []models.GeoPoint {
	out := make([]models.GeoPoint, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Origin.Point())
	}
	return out
}

func upsertRecord(records []models.ConnectionRecord, rec models.ConnectionRecord) []models.ConnectionRecord {
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func removeRecord(records []models.ConnectionRecord, id string) []models.ConnectionRecord {
	for i := range records {
		if records[i].ID == id {
			return append(records[:i], records[i+1:]...)
		}
	}
	return records
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
