// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/models"
	"github.com/geopulse/geopulse/internal/store"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeCounter is an in-memory Counter with settable state.
type fakeCounter struct {
	mu       sync.Mutex
	endpoint string
	counts   map[string]int64
	fail     bool
}

func newFakeCounter(endpoint string) *fakeCounter {
	return &fakeCounter{endpoint: endpoint, counts: make(map[string]int64)}
}

func (f *fakeCounter) Get(ctx context.Context, region string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return f.counts[region], store.ErrUnavailable
	}
	return f.counts[region], nil
}

func (f *fakeCounter) Increment(ctx context.Context, region string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, store.ErrUnavailable
	}
	f.counts[region]++
	return f.counts[region], nil
}

func (f *fakeCounter) Endpoint() string { return f.endpoint }

func (f *fakeCounter) set(region string, count int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[region] = count
}

// fakePresence is an in-memory Presence.
type fakePresence struct {
	mu       sync.Mutex
	endpoint string
	records  map[string]models.ConnectionRecord
}

func newFakePresence(endpoint string) *fakePresence {
	return &fakePresence{endpoint: endpoint, records: make(map[string]models.ConnectionRecord)}
}

func (f *fakePresence) Put(ctx context.Context, rec models.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakePresence) Delete(ctx context.Context, region, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakePresence) GetAll(ctx context.Context) ([]models.ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ConnectionRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePresence) ClearRegion(ctx context.Context, region string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, rec := range f.records {
		if rec.Destination.Region == region {
			delete(f.records, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakePresence) Endpoint() string { return f.endpoint }

func (f *fakePresence) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeFanout records broadcasts.
type fakeFanout struct {
	mu       sync.Mutex
	messages []broadcast
}

type broadcast struct {
	msgType string
	payload any
}

func (f *fakeFanout) Broadcast(msgType string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, broadcast{msgType: msgType, payload: msg})
}

func (f *fakeFanout) byType(msgType string) []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast
	for _, b := range f.messages {
		if b.msgType == msgType {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeFanout) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

// fakePublisher records bus payloads.
type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (f *fakePublisher) Publish(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("bus down")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakePublisher) last(t *testing.T) *models.UpdateMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatal("nothing published")
	}
	msg, err := models.NewSerializer().UnmarshalUpdate(f.payloads[len(f.payloads)-1])
	if err != nil {
		t.Fatalf("published payload does not decode: %v", err)
	}
	return msg
}

// fakeSession implements websocket.Session.
type fakeSession struct {
	id     uint64
	mu     sync.Mutex
	sent   []any
	addr   string
	closed bool
}

func (s *fakeSession) ID() uint64 { return s.id }

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Send(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return true
}

func (s *fakeSession) RemoteAddr() string {
	if s.addr == "" {
		return "127.0.0.1:50000"
	}
	return s.addr
}

func (s *fakeSession) firstMessage(t *testing.T) any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("session received nothing")
	}
	return s.sent[0]
}

// testRig bundles a coordinator with its fakes.
type testRig struct {
	coord     *Coordinator
	counter   *fakeCounter
	presence  *fakePresence
	registry  *store.Registry
	fanout    *fakeFanout
	publisher *fakePublisher
}

func newTestRig(t *testing.T, region string) *testRig {
	t.Helper()

	counter := newFakeCounter("fake://" + region)
	presence := newFakePresence("fake://" + region)
	registry := store.NewRegistry()
	registry.Add(presence)
	fanout := &fakeFanout{}
	publisher := &fakePublisher{}

	coord := New(Config{
		Region:    region,
		Counters:  map[string]store.Counter{region: counter},
		Presence:  presence,
		Registry:  registry,
		Publisher: publisher,
		Fanout:    fanout,
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	})

	return &testRig{
		coord:     coord,
		counter:   counter,
		presence:  presence,
		registry:  registry,
		fanout:    fanout,
		publisher: publisher,
	}
}

func TestBootstrapSweepsOwnRegionAndPrimesCache(t *testing.T) {
	rig := newTestRig(t, "iad")
	ctx := context.Background()

	// Stale state from a previous run of this region, plus a record owned
	// by a sibling region that must survive the sweep.
	rig.presence.Put(ctx, models.ConnectionRecord{ID: "stale", Destination: models.Destination{Region: "iad"}})
	rig.presence.Put(ctx, models.ConnectionRecord{ID: "remote", Destination: models.Destination{Region: "fra"}})
	rig.counter.set("iad", 42)

	if err := rig.coord.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if rig.presence.size() != 1 {
		t.Errorf("presence size = %d after sweep, want only the sibling record", rig.presence.size())
	}

	snapshot := rig.coord.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Count != 42 {
		t.Errorf("snapshot = %+v, want iad primed to 42", snapshot)
	}
}

func TestSessionOpenedSendsFullSnapshot(t *testing.T) {
	rig := newTestRig(t, "iad")
	ctx := context.Background()

	rig.counter.set("iad", 7)
	rig.presence.Put(ctx, models.ConnectionRecord{
		ID:          "existing",
		Origin:      models.Origin{Lat: 1, Lng: 2},
		Destination: models.Destination{Region: "iad"},
	})
	rig.coord.refreshCounters(ctx)

	sess := &fakeSession{id: 1}
	rig.coord.SessionOpened(sess)

	msg, ok := sess.firstMessage(t).(models.StateMessage)
	if !ok {
		t.Fatalf("first message is %T, want StateMessage", sess.firstMessage(t))
	}
	if msg.Type != models.TypeState {
		t.Errorf("Type = %q, want state", msg.Type)
	}
	if len(msg.Regions) != 1 || msg.Regions[0].Count != 7 {
		t.Errorf("Regions = %+v, want primed iad count", msg.Regions)
	}
	if len(msg.Connections) != 1 || msg.Connections[0].ID != "existing" {
		t.Errorf("Connections = %+v, want the existing presence record", msg.Connections)
	}
	if len(msg.ConnectedUsers) != 1 {
		t.Errorf("ConnectedUsers = %+v, want one location", msg.ConnectedUsers)
	}
}

func TestConnectedDeclaresPresenceAndCountsVisit(t *testing.T) {
	rig := newTestRig(t, "fra")

	sess := &fakeSession{id: 1}
	loc := &models.GeoPoint{Lat: 48.8, Lng: 2.3}
	rig.coord.handleConnected(sess, loc)

	// Presence stored under the serving region.
	if rig.presence.size() != 1 {
		t.Fatalf("presence size = %d, want 1", rig.presence.size())
	}
	records, _ := rig.presence.GetAll(context.Background())
	rec := records[0]
	if rec.Destination.Region != "fra" {
		t.Errorf("destination region = %q, want fra", rec.Destination.Region)
	}
	if rec.Origin.Lat != 48.8 || rec.Origin.Lng != 2.3 {
		t.Errorf("origin = %+v, want the viewer's browser location", rec.Origin)
	}

	// The visit counted.
	if count, _ := rig.counter.Get(context.Background(), "fra"); count != 1 {
		t.Errorf("counter = %d, want 1", count)
	}

	// Both local pushes happened.
	updates := rig.fanout.byType(models.TypeUpdate)
	if len(updates) != 1 {
		t.Fatalf("update broadcasts = %d, want 1", len(updates))
	}
	update := updates[0].payload.(models.UpdateMessage)
	if update.Region != "fra" || update.Count != 1 || update.Connection == nil {
		t.Errorf("update = %+v, want count 1 with connection attached", update)
	}
	if len(rig.fanout.byType(models.TypeUserUpdate)) != 1 {
		t.Error("missing userUpdate broadcast")
	}

	// And the bus carried the update with the record attached.
	published := rig.publisher.last(t)
	if published.Region != "fra" || published.Connection == nil || published.Connection.ID != rec.ID {
		t.Errorf("published = %+v, want the stored record", published)
	}
}

func TestConnectedIgnoresDuplicateDeclaration(t *testing.T) {
	rig := newTestRig(t, "fra")

	sess := &fakeSession{id: 1}
	rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 1, Lng: 1})
	rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 2, Lng: 2})

	if rig.presence.size() != 1 {
		t.Errorf("presence size = %d, want one record per session", rig.presence.size())
	}
	if count, _ := rig.counter.Get(context.Background(), "fra"); count != 1 {
		t.Errorf("counter = %d, duplicate declaration counted a second visit", count)
	}
}

func TestConcurrentDeclarationsCreateOneRecord(t *testing.T) {
	rig := newTestRig(t, "fra")
	sess := &fakeSession{id: 1}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 1, Lng: 1})
		}()
	}
	wg.Wait()

	// Only one declaration may win the reservation; the rest are ignored.
	if rig.presence.size() != 1 {
		t.Errorf("presence size = %d, want one record per session", rig.presence.size())
	}
	if count, _ := rig.counter.Get(context.Background(), "fra"); count != 1 {
		t.Errorf("counter = %d, concurrent declarations counted extra visits", count)
	}
}

func TestConnectedAfterCloseReclaimsPresence(t *testing.T) {
	rig := newTestRig(t, "fra")

	// The losing schedule: the session's close handler runs before the
	// declaration goroutine, so it finds nothing to delete.
	sess := &fakeSession{id: 1, closed: true}
	rig.coord.SessionClosed(sess)
	rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 1, Lng: 1})

	if rig.presence.size() != 0 {
		t.Errorf("presence size = %d, want the closed session's record reclaimed", rig.presence.size())
	}
	if got := rig.coord.Presence(); len(got) != 0 {
		t.Errorf("live presence = %+v, want empty", got)
	}
	rig.coord.mu.RLock()
	tracked := len(rig.coord.sessions)
	rig.coord.mu.RUnlock()
	if tracked != 0 {
		t.Errorf("tracked sessions = %d, want 0", tracked)
	}

	// The visit still counted even though the viewer is gone.
	if count, _ := rig.counter.Get(context.Background(), "fra"); count != 1 {
		t.Errorf("counter = %d, want the visit counted once", count)
	}
	if got := rig.fanout.byType(models.TypeUserUpdate); len(got) != 0 {
		t.Errorf("userUpdate broadcasts = %+v, want none announcing a dead viewer", got)
	}
}

func TestConnectedFallsBackToRegionCoordinates(t *testing.T) {
	rig := newTestRig(t, "syd")

	// No browser location, no locator configured, private remote address.
	sess := &fakeSession{id: 1, addr: "10.0.0.1:1234"}
	rig.coord.handleConnected(sess, nil)

	records, _ := rig.presence.GetAll(context.Background())
	if len(records) != 1 {
		t.Fatalf("presence size = %d, want 1", len(records))
	}
	if records[0].Origin.Lat >= 0 {
		t.Errorf("origin = %+v, want Sydney's coordinates", records[0].Origin)
	}
}

func TestConnectedRejectsOutOfRangeLocation(t *testing.T) {
	rig := newTestRig(t, "syd")

	sess := &fakeSession{id: 1}
	rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 999, Lng: 0})

	records, _ := rig.presence.GetAll(context.Background())
	if len(records) != 1 {
		t.Fatalf("presence size = %d, want 1", len(records))
	}
	if records[0].Origin.Lat == 999 {
		t.Error("out-of-range browser location accepted verbatim")
	}
}

func TestIncrementOnlyTouchesOwnRegion(t *testing.T) {
	rig := newTestRig(t, "iad")

	rig.coord.handleIncrement()
	rig.coord.handleIncrement()

	if count, _ := rig.counter.Get(context.Background(), "iad"); count != 2 {
		t.Errorf("own counter = %d, want 2", count)
	}
	if rig.publisher.count() != 2 {
		t.Errorf("published %d messages, want 2", rig.publisher.count())
	}
	if published := rig.publisher.last(t); published.Region != "iad" {
		t.Errorf("published region = %q, want own region only", published.Region)
	}
}

func TestIncrementSurvivesBusFailure(t *testing.T) {
	rig := newTestRig(t, "iad")
	rig.publisher.fail = true

	rig.coord.handleIncrement()

	// Local state advanced even though the bus was down; siblings catch
	// up through reconciliation.
	snapshot := rig.coord.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Count != 1 {
		t.Errorf("snapshot = %+v, want local count 1", snapshot)
	}
	if len(rig.fanout.byType(models.TypeUpdate)) != 1 {
		t.Error("local viewers missed the update")
	}
}

func TestHandleRemoteOverwritesByArrival(t *testing.T) {
	rig := newTestRig(t, "iad")
	s := models.NewSerializer()

	first, _ := s.MarshalUpdate(&models.UpdateMessage{Region: "fra", Count: 10, LastUpdate: 2000})
	second, _ := s.MarshalUpdate(&models.UpdateMessage{Region: "fra", Count: 8, LastUpdate: 1000})

	rig.coord.HandleRemote(first)
	rig.coord.HandleRemote(second)

	// Arrival order wins even when the second message carries an older
	// timestamp and a lower count.
	snapshot := rig.coord.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Count != 8 || snapshot[0].LastUpdate != 1000 {
		t.Errorf("snapshot = %+v, want the last arrival", snapshot)
	}

	// Each remote update pushes a full state message, not a delta.
	states := rig.fanout.byType(models.TypeState)
	if len(states) != 2 {
		t.Fatalf("state broadcasts = %d, want 2", len(states))
	}
	if msg := states[1].payload.(models.StateMessage); msg.Regions[0].Count != 8 {
		t.Errorf("broadcast state = %+v, want repaired count", msg.Regions)
	}
}

func TestHandleRemoteDropsMalformed(t *testing.T) {
	rig := newTestRig(t, "iad")

	payloads := [][]byte{
		[]byte(`{"region":`),
		[]byte(`{"type":"update","count":5}`),
		[]byte(`{"type":"update","region":"fra","count":-1}`),
	}
	for _, p := range payloads {
		rig.coord.HandleRemote(p)
	}

	if len(rig.coord.Snapshot()) != 0 {
		t.Errorf("snapshot = %+v, malformed payloads mutated the cache", rig.coord.Snapshot())
	}
	if len(rig.fanout.messages) != 0 {
		t.Errorf("broadcasts = %+v, malformed payloads reached viewers", rig.fanout.messages)
	}
}

func TestHandleRemoteMergesConnectionRecord(t *testing.T) {
	rig := newTestRig(t, "iad")
	s := models.NewSerializer()

	payload, _ := s.MarshalUpdate(&models.UpdateMessage{
		Region: "fra", Count: 1, LastUpdate: 1000,
		Connection: &models.ConnectionRecord{
			ID:          "remote-1",
			Origin:      models.Origin{Lat: 50, Lng: 8},
			Destination: models.Destination{Region: "fra"},
		},
	})
	rig.coord.HandleRemote(payload)

	presence := rig.coord.Presence()
	if len(presence) != 1 || presence[0].ID != "remote-1" {
		t.Errorf("presence = %+v, want the remote record visible immediately", presence)
	}
}

func TestSessionClosedRemovesPresence(t *testing.T) {
	rig := newTestRig(t, "fra")

	sess := &fakeSession{id: 1}
	rig.coord.handleConnected(sess, &models.GeoPoint{Lat: 1, Lng: 1})
	rig.fanout.reset()

	rig.coord.SessionClosed(sess)

	if rig.presence.size() != 0 {
		t.Errorf("presence size = %d after close, want 0", rig.presence.size())
	}

	updates := rig.fanout.byType(models.TypeUserUpdate)
	if len(updates) != 1 {
		t.Fatalf("userUpdate broadcasts = %d, want 1", len(updates))
	}
	msg := updates[0].payload.(models.UserUpdateMessage)
	if msg.DisconnectedUser == nil {
		t.Fatal("userUpdate missing disconnectedUser")
	}
	if len(msg.ConnectedUsers) != 0 {
		t.Errorf("ConnectedUsers = %+v, want empty after last viewer left", msg.ConnectedUsers)
	}

	// Closing again is a no-op: the record is gone and no broadcast fires.
	rig.fanout.reset()
	rig.coord.SessionClosed(sess)
	if len(rig.fanout.messages) != 0 {
		t.Error("second close broadcast something")
	}
}

func TestSessionClosedWithoutDeclarationIsNoOp(t *testing.T) {
	rig := newTestRig(t, "fra")

	rig.coord.SessionClosed(&fakeSession{id: 99})

	if len(rig.fanout.messages) != 0 {
		t.Errorf("broadcasts = %+v, want none for an undeclared session", rig.fanout.messages)
	}
}

func TestSessionMessageDropsGarbage(t *testing.T) {
	rig := newTestRig(t, "fra")
	sess := &fakeSession{id: 1}

	rig.coord.SessionMessage(sess, []byte(`not json`))
	rig.coord.SessionMessage(sess, []byte(`{"type":"launch-missiles"}`))

	time.Sleep(20 * time.Millisecond)
	if count, _ := rig.counter.Get(context.Background(), "fra"); count != 0 {
		t.Errorf("counter = %d, garbage messages caused increments", count)
	}
}
