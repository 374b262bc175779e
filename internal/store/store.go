// Package store defines the durable key-value layer the PCD state machine
// persists its snapshot to.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Backend names accepted by configuration.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindBadger = "badger"
	KindBolt   = "bolt"
)

// Store is a single-writer key-value store. Values are opaque bytes and are
// written wholesale; there are no partial updates.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
