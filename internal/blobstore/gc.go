package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nanobackup/nb/internal/metadata"
)

// GCResult reports the outcome of GC.
type GCResult struct {
	FilesRemoved int
	BytesFreed   int64
}

// GC computes the set of (hash, size, slot) tuples referenced by any
// live history state — including config history — and removes every
// blob file under the repository not in that set (spec.md §4.4).
func (s *Store) GC(root *metadata.Root) (GCResult, error) {
	live := make(map[string]struct{})
	root.Walk(func(ref metadata.NodeRef) {
		for _, he := range root.History(ref) {
			st := he.State
			if st.Type == metadata.StateRegular && !st.Inline() {
				live[s.Address(st.Hash, st.Size, st.Slot)] = struct{}{}
			}
		}
	})
	for _, ce := range root.ConfigHistory {
		if ce.Size > InlineLimit {
			live[s.Address(ce.Hash, ce.Size, ce.Slot)] = struct{}{}
		}
	}

	var result GCResult
	err := filepath.WalkDir(s.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isBlobName(d.Name()) {
			return nil
		}
		if _, ok := live[path]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		result.FilesRemoved++
		result.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("gc: %w", err)
	}
	return result, nil
}

// isBlobName reports whether name matches <hex>x<size>x<slot>; used to
// distinguish blob files from tmp-file and any stray directory entries
// while walking the repository.
func isBlobName(name string) bool {
	parts := strings.Split(name, "x")
	if len(parts) != 3 {
		return false
	}
	if _, err := strconv.ParseUint(parts[1], 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(parts[2], 10, 8); err != nil {
		return false
	}
	return true
}
