// Package badger provides a store.Store backed by BadgerDB. Writes are
// synced before Set returns so a persisted snapshot survives a crash.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/10yihang/pcdsync/internal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "store")

// Store keeps each key as one badger entry under keyPrefix.
type Store struct {
	db *badger.DB
}

var keyPrefix = []byte("pcdsync/")

// NewStore opens (or creates) the database in dir.
func NewStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(8 << 20).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func dbKey(key string) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+len(key)), keyPrefix...), key...)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return value, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(key), value)
	})
}

// Delete is a no-op for an absent key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(key))
	})
}

// Close reclaims value log space left by overwritten snapshots and closes
// the database.
func (s *Store) Close() error {
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		log.WithError(err).Debug("Value log GC skipped")
	}
	return s.db.Close()
}
