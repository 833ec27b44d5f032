// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/models"
)

const (
	countersBucket = "counters"
	presenceBucket = "presence"
)

// NATSKVStore implements Counter and Presence on JetStream key/value
// buckets. The buckets are shared by every region process pointed at the
// same JetStream domain, which is what makes presence survive restarts and
// counters readable across regions.
//
// JetStream KV keys cannot contain ':' so the "counter:{region}" pattern
// maps to the "counters" bucket with the region as key, and presence
// records live in the "presence" bucket under "{region}.{connection-id}".
type NATSKVStore struct {
	counters jetstream.KeyValue
	presence jetstream.KeyValue
	endpoint string

	mu        sync.RWMutex
	lastKnown map[string]int64
}

// OpenNATSKV connects the store to a JetStream context, provisioning both
// buckets if they do not exist.
func OpenNATSKV(ctx context.Context, nc *nats.Conn) (*NATSKVStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	counters, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      countersBucket,
		Description: "per-region visitor counters",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("provision %s bucket: %w", countersBucket, err)
	}

	presence, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      presenceBucket,
		Description: "live viewer connection records",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("provision %s bucket: %w", presenceBucket, err)
	}

	return &NATSKVStore{
		counters:  counters,
		presence:  presence,
		endpoint:  nc.ConnectedUrl(),
		lastKnown: make(map[string]int64),
	}, nil
}

// Endpoint implements Counter and Presence.
func (s *NATSKVStore) Endpoint() string {
	return s.endpoint
}

// Get returns the counter for a region, falling back to the last known
// value when the bucket is unreachable.
func (s *NATSKVStore) Get(ctx context.Context, region string) (int64, error) {
	entry, err := s.counters.Get(ctx, region)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil // absent regions default to 0
	}
	if err != nil {
		s.mu.RLock()
		cached := s.lastKnown[region]
		s.mu.RUnlock()
		return cached, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	count, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value for %s: %w", region, err)
	}

	s.mu.Lock()
	s.lastKnown[region] = count
	s.mu.Unlock()
	return count, nil
}

// Increment atomically increments a region counter via a revision-checked
// update. JetStream KV has no server-side increment, so the operation is a
// compare-and-swap loop: read the entry, write value+1 against the read
// revision, retry if another process won the race.
func (s *NATSKVStore) Increment(ctx context.Context, region string) (int64, error) {
	var lastErr error

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := s.counters.Get(ctx, region)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, createErr := s.counters.Create(ctx, region, []byte("1"))
			if errors.Is(createErr, jetstream.ErrKeyExists) {
				lastErr = createErr
				continue // lost the race to create; re-read and retry
			}
			if createErr != nil {
				return 0, fmt.Errorf("%w: %s", ErrUnavailable, createErr)
			}
			s.remember(region, 1)
			return 1, nil

		case err != nil:
			return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}

		current, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter value for %s: %w", region, err)
		}

		next := current + 1
		_, err = s.counters.Update(ctx, region, []byte(strconv.FormatInt(next, 10)), entry.Revision())
		if err != nil {
			lastErr = err
			continue // revision moved under us; retry from a fresh read
		}

		s.remember(region, next)
		return next, nil
	}

	return 0, fmt.Errorf("%w: increment for %s exceeded %d CAS retries: %s",
		ErrUnavailable, region, maxTxnRetries, lastErr)
}

func (s *NATSKVStore) remember(region string, count int64) {
	s.mu.Lock()
	s.lastKnown[region] = count
	s.mu.Unlock()
}

// presenceKVKey builds the bucket key for a record.
func presenceKVKey(region, id string) string {
	return region + "." + id
}

// Put stores a connection record. Last write for an id wins.
func (s *NATSKVStore) Put(ctx context.Context, rec models.ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}

	if _, err := s.presence.Put(ctx, presenceKVKey(rec.Destination.Region, rec.ID), data); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a connection record. Unknown ids are a silent no-op.
func (s *NATSKVStore) Delete(ctx context.Context, region, id string) error {
	err := s.presence.Delete(ctx, presenceKVKey(region, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// GetAll returns every live connection record, deduplicated by id.
func (s *NATSKVStore) GetAll(ctx context.Context) ([]models.ConnectionRecord, error) {
	lister, err := s.presence.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	seen := make(map[string]struct{})
	var records []models.ConnectionRecord

	for key := range lister.Keys() {
		entry, err := s.presence.Get(ctx, key)
		if err != nil {
			continue // deleted between list and get
		}

		var rec models.ConnectionRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping unreadable presence record")
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		records = append(records, rec)
	}

	return records, nil
}

// ClearRegion removes every record belonging to a region.
func (s *NATSKVStore) ClearRegion(ctx context.Context, region string) (int, error) {
	lister, err := s.presence.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	prefix := region + "."
	count := 0
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.presence.Delete(ctx, key); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
