package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/10yihang/pcdsync/internal/pcd"
)

// SpoolSource reads block deltas from a directory of JSON files named
// <height>.json, one BlockDelta per file. The height is taken from the file
// name, so only files in the requested range are read. Other files are
// ignored.
type SpoolSource struct {
	dir string
}

func NewSpoolSource(dir string) *SpoolSource {
	return &SpoolSource{dir: dir}
}

func (s *SpoolSource) Dir() string {
	return s.dir
}

// spoolHeight parses the block height out of a spool file name.
func spoolHeight(name string) (uint64, bool) {
	digits, ok := strings.CutSuffix(name, ".json")
	if !ok || digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	h, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

// Deltas implements DeltaSource.
func (s *SpoolSource) Deltas(ctx context.Context, from, to uint64) ([]pcd.BlockDelta, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type spooled struct {
		height uint64
		path   string
	}
	var files []spooled
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h, ok := spoolHeight(e.Name())
		if !ok {
			log.WithField("file", e.Name()).Debug("Ignoring non-delta file in spool")
			continue
		}
		if h > from && h <= to {
			files = append(files, spooled{height: h, path: filepath.Join(s.dir, e.Name())})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].height < files[j].height })

	out := make([]pcd.BlockDelta, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		var d pcd.BlockDelta
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.path, err)
		}
		if d.BlockHeight != f.height {
			return nil, fmt.Errorf("%s holds block_height %d", f.path, d.BlockHeight)
		}
		out = append(out, d)
	}
	return out, nil
}

// Put writes delta to the spool as <height>.json.
func (s *SpoolSource) Put(delta pcd.BlockDelta) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	data, err := json.MarshalIndent(delta, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%012d.json", delta.BlockHeight))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write delta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename delta: %w", err)
	}
	return nil
}
