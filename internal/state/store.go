// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package state persists small device-local records in BadgerDB: the minted
// device token (so a restart replays identity without a network round-trip)
// and the last applied playlist manifest (so sync can diff the previous
// pass). Audio bytes never go through badger; they live in the content cache.
package state

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/storetone/storetone/internal/models"
)

// Key prefixes for badger storage.
const (
	tokenKey          = "device:token"
	manifestKeyPrefix = "manifest:"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("state record not found")

// Store is the badger-backed device-local store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the store at the given directory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing badger handle. Used by tests with in-memory
// databases.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveToken persists the device token record.
func (s *Store) SaveToken(token *models.DeviceToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKey), data)
	})
}

// Token returns the persisted device token, or ErrNotFound on first run.
func (s *Store) Token() (*models.DeviceToken, error) {
	var token models.DeviceToken

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &token)
		})
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// SaveManifest records the manifest applied by the latest sync pass.
func (s *Store) SaveManifest(manifest *models.PlaylistManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(manifestKeyPrefix+"last"), data)
	})
}

// LastManifest returns the most recently applied manifest, or ErrNotFound.
func (s *Store) LastManifest() (*models.PlaylistManifest, error) {
	var manifest models.PlaylistManifest

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(manifestKeyPrefix + "last"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get manifest: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &manifest)
		})
	})
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}
