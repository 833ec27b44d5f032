// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/geopulse/geopulse/internal/models"
)

// fakePresence is an in-memory Presence for registry tests.
type fakePresence struct {
	endpoint string
	records  []models.ConnectionRecord
	fail     bool
}

func (f *fakePresence) Put(ctx context.Context, rec models.ConnectionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakePresence) Delete(ctx context.Context, region, id string) error {
	for i, rec := range f.records {
		if rec.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakePresence) GetAll(ctx context.Context) ([]models.ConnectionRecord, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.records, nil
}

func (f *fakePresence) ClearRegion(ctx context.Context, region string) (int, error) {
	kept := f.records[:0]
	removed := 0
	for _, rec := range f.records {
		if rec.Destination.Region == region {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	f.records = kept
	return removed, nil
}

func (f *fakePresence) Endpoint() string {
	return f.endpoint
}

func TestRegistryDeduplicatesByEndpoint(t *testing.T) {
	r := NewRegistry()

	a := &fakePresence{endpoint: "nats://east:4222"}
	b := &fakePresence{endpoint: "nats://east:4222"} // same backing store, second region
	c := &fakePresence{endpoint: "nats://west:4222"}

	if !r.Add(a) {
		t.Error("first Add rejected")
	}
	if r.Add(b) {
		t.Error("Add accepted a duplicate endpoint")
	}
	if !r.Add(c) {
		t.Error("distinct endpoint rejected")
	}
	if r.Size() != 2 {
		t.Errorf("Size = %d, want 2", r.Size())
	}
}

func TestRegistrySnapshotMergesAndDeduplicates(t *testing.T) {
	r := NewRegistry()

	// Two stores both holding record "b": co-located regions share a store
	// and the same record can surface twice.
	r.Add(&fakePresence{endpoint: "east", records: []models.ConnectionRecord{
		testRecord("iad", "a"),
		testRecord("iad", "b"),
	}})
	r.Add(&fakePresence{endpoint: "west", records: []models.ConnectionRecord{
		testRecord("sjc", "b"),
		testRecord("sjc", "c"),
	}})

	snapshot := r.Snapshot(context.Background())

	if len(snapshot) != 3 {
		t.Fatalf("Snapshot returned %d records, want 3", len(snapshot))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snapshot[i].ID != want {
			t.Errorf("snapshot[%d].ID = %q, want %q (stable order)", i, snapshot[i].ID, want)
		}
	}
}

func TestRegistrySnapshotDegradesOnStoreFailure(t *testing.T) {
	r := NewRegistry()

	r.Add(&fakePresence{endpoint: "up", records: []models.ConnectionRecord{testRecord("iad", "a")}})
	r.Add(&fakePresence{endpoint: "down", fail: true})

	snapshot := r.Snapshot(context.Background())

	if len(snapshot) != 1 || snapshot[0].ID != "a" {
		t.Errorf("snapshot = %+v, want the reachable store's records", snapshot)
	}
}
