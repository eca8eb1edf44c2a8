// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package eventstore persists impression events in per-epoch buckets.
package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	"github.com/luxfi/database"

	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
	"github.com/luxfi/attribution/pkg/log"
)

var ErrEpochRange = errors.New("start epoch after end epoch")

// Store keeps an ordered sequence of events per epoch. Appends to the same
// epoch bucket are serialized by an internal mutex, so a concurrent append
// can never lose an update.
type Store struct {
	mu  sync.Mutex
	db  database.Database
	log log.Logger
}

// New creates a store over the given keyspace.
func New(db database.Database, logger log.Logger) *Store {
	return &Store{
		db:  db,
		log: logger,
	}
}

func epochKey(e epoch.Epoch) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(e))
	return key
}

// Append adds an event to its epoch bucket, preserving insertion order.
func (s *Store) Append(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := epoch.Epoch(ev.Epoch)
	bucket, err := s.readBucket(e)
	if err != nil {
		return err
	}

	bucket = append(bucket, ev)
	raw, err := json.Marshal(bucket)
	if err != nil {
		return err
	}
	return s.db.Put(epochKey(e), raw)
}

// GetRange returns, for each epoch in [start, end] in ascending order, the
// possibly empty sequence of events stored for that epoch.
func (s *Store) GetRange(ctx context.Context, start, end epoch.Epoch) (map[epoch.Epoch][]event.Event, error) {
	if start > end {
		return nil, ErrEpochRange
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[epoch.Epoch][]event.Event, end-start+1)
	for e := start; e <= end; e++ {
		bucket, err := s.readBucket(e)
		if err != nil {
			return nil, err
		}
		out[e] = bucket
	}
	return out, nil
}

// Get returns the events stored for a single epoch.
func (s *Store) Get(ctx context.Context, e epoch.Epoch) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBucket(e)
}

// Clear deletes all events unconditionally.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator()
	defer iter.Release()

	batch := s.db.NewBatch()
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// readBucket decodes the bucket for an epoch. A missing bucket is empty.
// A corrupt bucket value is treated as empty rather than fatal; the next
// append overwrites it.
func (s *Store) readBucket(e epoch.Epoch) ([]event.Event, error) {
	raw, err := s.db.Get(epochKey(e))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var bucket []event.Event
	if err := json.Unmarshal(raw, &bucket); err != nil {
		s.log.Warn("corrupt epoch bucket, treating as empty",
			log.Uint64("epoch", uint64(e)),
			log.Error(err))
		return nil, nil
	}
	return bucket, nil
}
