// Package file provides a store.Store that keeps one JSON document per key
// in a data directory. Writes go to a temp file that is synced and renamed
// over the target, so a crash leaves either the old or the new document.
package file

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/10yihang/pcdsync/internal/store"
	errs "github.com/10yihang/pcdsync/pkg/errors"
)

const fileExt = ".json"

// Store writes each key to <dataDir>/<key>.json.
type Store struct {
	dataDir string

	mu     sync.Mutex
	closed bool
}

// NewStore creates the data directory if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// Get reads the document for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.ErrClosed
	}

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

// Set atomically replaces the document for key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrClosed
	}

	path := s.path(key)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Delete removes the document for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Close stops accepting operations.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FilePath returns the path a key is stored at.
func (s *Store) FilePath(key string) string {
	return s.path(key)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dataDir, fileName(key))
}

// fileName keeps readable keys as-is and hex-encodes anything that could
// escape the data directory.
func fileName(key string) string {
	for _, c := range key {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum && c != '-' && c != '_' {
			return "x-" + hex.EncodeToString([]byte(key)) + fileExt
		}
	}
	if key == "" {
		return "x-" + fileExt
	}
	return key + fileExt
}
