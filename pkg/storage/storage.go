// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"os"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
)

// Namespace prefixes. Impressions and the budget ledger are independent
// keyspaces over one database.
var (
	PrefixImpressions = []byte("impressions")
	PrefixFilters     = []byte("filters")
)

// Storage wraps luxfi's database interface
type Storage struct {
	db database.Database
}

// NewStorage creates a new storage instance using luxfi/database.
// A failed open of the on-disk backend is treated as transient corruption:
// the directory is deleted and the open retried once before the error is
// surfaced.
func NewStorage(dbType string, path string) (*Storage, error) {
	var db database.Database
	var err error

	switch dbType {
	case "memory":
		db = memdb.New()
	default:
		db, err = badgerdb.New(path, nil, "", nil)
		if err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, err
			}
			db, err = badgerdb.New(path, nil, "", nil)
			if err != nil {
				return nil, err
			}
		}
	}

	return &Storage{db: db}, nil
}

// NewMemory creates an in-memory storage instance, for tests.
func NewMemory() *Storage {
	return &Storage{db: memdb.New()}
}

// Namespace returns an isolated keyspace under the given prefix.
func (s *Storage) Namespace(prefix []byte) database.Database {
	return prefixdb.New(prefix, s.db)
}

// Put stores a key-value pair
func (s *Storage) Put(key, value []byte) error {
	return s.db.Put(key, value)
}

// Get retrieves a value by key
func (s *Storage) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Has checks if a key exists
func (s *Storage) Has(key []byte) (bool, error) {
	return s.db.Has(key)
}

// Delete removes a key-value pair
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key)
}

// NewBatch creates a new batch for atomic operations
func (s *Storage) NewBatch() database.Batch {
	return s.db.NewBatch()
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}
