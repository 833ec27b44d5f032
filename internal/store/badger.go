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

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/geopulse/geopulse/internal/models"
)

const presenceKeyPrefix = "presence:"

// maxTxnRetries bounds retries of transactions that lose a conflict.
const maxTxnRetries = 10

// BadgerStore implements Counter and Presence on an embedded BadgerDB.
// It is single-node: sibling region processes cannot see its state, so it
// suits development, tests, and single-region deployments.
type BadgerStore struct {
	db       *badger.DB
	endpoint string

	mu        sync.RWMutex
	lastKnown map[string]int64
}

// OpenBadger opens (or creates) a Badger-backed store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty; we log around it

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	return &BadgerStore{
		db:        db,
		endpoint:  "badger://" + path,
		lastKnown: make(map[string]int64),
	}, nil
}

// NewBadgerStore wraps an already-open database. Used by tests.
func NewBadgerStore(db *badger.DB, endpoint string) *BadgerStore {
	return &BadgerStore{
		db:        db,
		endpoint:  endpoint,
		lastKnown: make(map[string]int64),
	}
}

// Endpoint implements Counter and Presence.
func (s *BadgerStore) Endpoint() string {
	return s.endpoint
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Get returns the counter for a region, falling back to the last known
// value if the read fails.
func (s *BadgerStore) Get(ctx context.Context, region string) (int64, error) {
	var count int64

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(CounterKey(region)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // absent regions default to 0
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			count, err = strconv.ParseInt(string(val), 10, 64)
			return err
		})
	})
	if err != nil {
		s.mu.RLock()
		cached := s.lastKnown[region]
		s.mu.RUnlock()
		return cached, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	s.mu.Lock()
	s.lastKnown[region] = count
	s.mu.Unlock()
	return count, nil
}

// Increment atomically increments a region counter and returns the new
// value. Concurrent increments serialize through Badger's transaction
// conflict detection; a losing transaction is retried.
func (s *BadgerStore) Increment(ctx context.Context, region string) (int64, error) {
	key := []byte(CounterKey(region))

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var next int64
		err := s.db.Update(func(txn *badger.Txn) error {
			var current int64
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				current = 0
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					current, err = strconv.ParseInt(string(val), 10, 64)
					return err
				}); err != nil {
					return err
				}
			}

			next = current + 1
			return txn.Set(key, []byte(strconv.FormatInt(next, 10)))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}

		s.mu.Lock()
		s.lastKnown[region] = next
		s.mu.Unlock()
		return next, nil
	}

	return 0, fmt.Errorf("%w: increment for %s exceeded %d conflict retries", ErrUnavailable, region, maxTxnRetries)
}

func presenceKey(region, id string) []byte {
	return []byte(presenceKeyPrefix + region + ":" + id)
}

// Put stores a connection record.
func (s *BadgerStore) Put(ctx context.Context, rec models.ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(presenceKey(rec.Destination.Region, rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a connection record. Unknown ids are a silent no-op.
func (s *BadgerStore) Delete(ctx context.Context, region, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(presenceKey(region, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// GetAll returns every stored connection record, deduplicated by id.
func (s *BadgerStore) GetAll(ctx context.Context) ([]models.ConnectionRecord, error) {
	seen := make(map[string]struct{})
	var records []models.ConnectionRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(presenceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.ConnectionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue // skip unreadable records rather than failing the scan
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return records, nil
}

// ClearRegion removes every record belonging to a region and reports how
// many were removed.
func (s *BadgerStore) ClearRegion(ctx context.Context, region string) (int, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(presenceKeyPrefix + region + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	count := 0
	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			continue
		}
		count++
	}
	return count, nil
}

// regionFromPresenceKey extracts the region from a presence key.
// Exposed for tests of the key scheme.
func regionFromPresenceKey(key string) string {
	rest := strings.TrimPrefix(key, presenceKeyPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return ""
}
