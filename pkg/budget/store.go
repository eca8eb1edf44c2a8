// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package budget

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/luxfi/database"

	"github.com/luxfi/attribution/pkg/log"
)

// Status is the outcome of a consume attempt.
type Status uint8

const (
	// StatusContinue means the loss was within budget and, unless the call
	// was a dry run, has been deducted.
	StatusContinue Status = iota
	// StatusOutOfBudget means the loss exceeded at least one filter's
	// remaining budget and nothing was deducted.
	StatusOutOfBudget
)

func (s Status) String() string {
	if s == StatusContinue {
		return "continue"
	}
	return "out of budget"
}

// filterRecord is the persisted ledger entry. Remaining is nil for an
// infinite filter.
type filterRecord struct {
	Remaining *float64 `json:"remaining,omitempty"`
	Infinite  bool     `json:"infinite,omitempty"`
}

// Store is the persistent privacy-filter ledger. Filters are created lazily
// at their kind's capacity on first touch; consumed loss is monotone and
// never exceeds capacity. All check-then-deduct steps run under one mutex,
// so two concurrent consumers can never both be admitted past the bound.
type Store struct {
	mu         sync.Mutex
	db         database.Database
	capacities Capacities
	log        log.Logger
}

// NewStore creates a ledger over the given keyspace.
func NewStore(db database.Database, capacities Capacities, logger log.Logger) *Store {
	return &Store{
		db:         db,
		capacities: capacities,
		log:        logger,
	}
}

// Remaining returns the remaining budget for a filter, creating it at
// capacity if it does not exist yet. It performs no deduction.
func (s *Store) Remaining(id FilterID) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// Consume atomically checks and deducts a loss from a single filter.
func (s *Store) Consume(id FilterID, loss Budget) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(id, loss)
}

// ConsumeAll atomically deducts a set of losses, one per filter. Either
// every filter covers its loss and all are deducted, or no filter is
// touched and the ids of the insufficient filters are returned. This is
// the admission step: all-or-nothing across the filter set of one epoch.
func (s *Store) ConsumeAll(losses map[FilterID]Budget) (Status, []FilterID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Phase 1: dry run against every filter.
	var oob []FilterID
	for id, loss := range losses {
		remaining, err := s.load(id)
		if err != nil {
			return StatusOutOfBudget, nil, err
		}
		if !remaining.Covers(loss) {
			oob = append(oob, id)
		}
	}
	if len(oob) > 0 {
		return StatusOutOfBudget, oob, nil
	}

	// Phase 2: deduct. The dry run succeeded under the same lock, so a
	// failure here is an invariant violation, not a race.
	for id, loss := range losses {
		status, err := s.consumeLocked(id, loss)
		if err != nil {
			return StatusOutOfBudget, nil, err
		}
		if status != StatusContinue {
			return StatusOutOfBudget, nil, errors.New("deduction failed after successful dry run")
		}
	}
	return StatusContinue, nil, nil
}

// Clear resets the ledger: every filter is forgotten and will be recreated
// at full capacity on next touch.
func (s *Store) Clear() error {
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

func (s *Store) consumeLocked(id FilterID, loss Budget) (Status, error) {
	remaining, err := s.load(id)
	if err != nil {
		return StatusOutOfBudget, err
	}
	if !remaining.Covers(loss) {
		return StatusOutOfBudget, nil
	}
	if remaining.IsInfinite() {
		// Infinite filters accept everything without bookkeeping.
		return StatusContinue, nil
	}
	if err := s.save(id, remaining.Minus(loss)); err != nil {
		return StatusOutOfBudget, err
	}
	return StatusContinue, nil
}

func (s *Store) load(id FilterID) (Budget, error) {
	raw, err := s.db.Get(id.Key())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			capacity := s.capacities.For(id.Kind)
			if err := s.save(id, capacity); err != nil {
				return Budget{}, err
			}
			s.log.Debug("initialized filter",
				log.String("filter", id.String()),
				log.Float64("capacity", capacity.Value()))
			return capacity, nil
		}
		return Budget{}, err
	}

	var rec filterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt ledger entry must fail closed: treat as exhausted
		// rather than restored to capacity.
		s.log.Warn("corrupt filter record, treating as exhausted",
			log.String("filter", id.String()),
			log.Error(err))
		return Epsilon(0), nil
	}
	if rec.Infinite || rec.Remaining == nil {
		return Infinite(), nil
	}
	return Epsilon(*rec.Remaining), nil
}

func (s *Store) save(id FilterID, b Budget) error {
	rec := filterRecord{}
	if b.IsInfinite() {
		rec.Infinite = true
	} else {
		v := b.Value()
		rec.Remaining = &v
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(id.Key(), raw)
}
