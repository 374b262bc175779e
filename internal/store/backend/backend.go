// Package backend opens a store.Store by kind name.
package backend

import (
	"fmt"
	"path/filepath"

	"github.com/10yihang/pcdsync/internal/store"
	"github.com/10yihang/pcdsync/internal/store/badger"
	"github.com/10yihang/pcdsync/internal/store/bolt"
	"github.com/10yihang/pcdsync/internal/store/file"
	"github.com/10yihang/pcdsync/internal/store/memory"
)

// Open returns the store of the given kind rooted at dataDir. Each kind gets
// its own subdirectory so backends can share a data dir.
func Open(kind, dataDir string) (store.Store, error) {
	switch kind {
	case store.KindMemory:
		return memory.NewStore(), nil
	case store.KindFile:
		return file.NewStore(filepath.Join(dataDir, "state"))
	case store.KindBadger:
		return badger.NewStore(filepath.Join(dataDir, "badger"))
	case store.KindBolt:
		return bolt.NewStore(filepath.Join(dataDir, "bolt"))
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
