package metadata

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"
)

// Load parses a metadata file's contents into a fresh Root.
func Load(data []byte) (*Root, error) {
	return Decode(data)
}

// LoadFile reads and parses path. A missing file is not an error: it
// yields a fresh, empty Root, matching a repository's first backup.
func LoadFile(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	r, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Write canonicalizes r (dropping dead backup points, merging and
// renumbering the current backup) and persists it to path using the
// temp-file/fsync/rename/directory-fsync contract spec.md §4.3 mandates.
func (r *Root) Write(path string) error {
	r.Canonicalize()
	data := Encode(r)
	if err := atomicfile.WriteData(path, data, 0o644); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Canonicalize implements the write contract's first two steps:
//
//  1. drop any backup point with ref_count == 0;
//  2. if current_backup.ref_count > 0, prepend it to history with id 0
//     and renumber the rest.
//
// All HistoryEntry.BackupID and ConfigEntry.BackupID references are
// remapped to match. Write calls it before encoding; callers that only
// need the renumbering, without an immediate Write, may call it directly.
func (r *Root) Canonicalize() {
	r.RecomputeRefCounts()
	currentRefs := r.currentBackupRefCount()

	oldToNew := make(map[int]int, len(r.BackupHistory))
	var kept []BackupPoint
	base := 0
	if currentRefs > 0 {
		base = 1
	}
	for i, bp := range r.BackupHistory {
		if !bp.Live() {
			continue
		}
		oldToNew[i] = base + len(kept)
		kept = append(kept, bp)
	}

	newHistory := kept
	if currentRefs > 0 {
		merged := r.CurrentBackup
		merged.RefCount = currentRefs
		newHistory = append([]BackupPoint{merged}, kept...)
	}

	r.walk(func(ref NodeRef) {
		n := &r.nodes[ref]
		for i := range n.History {
			n.History[i].BackupID = remapBackupID(n.History[i].BackupID, oldToNew, currentRefs > 0)
		}
	})
	for i := range r.ConfigHistory {
		r.ConfigHistory[i].BackupID = remapBackupID(r.ConfigHistory[i].BackupID, oldToNew, currentRefs > 0)
	}

	r.BackupHistory = newHistory
	r.CurrentBackup = BackupPoint{}
}

func remapBackupID(id int, oldToNew map[int]int, merged bool) int {
	if id == CurrentBackupID {
		if merged {
			return 0
		}
		return CurrentBackupID
	}
	return oldToNew[id]
}

func (r *Root) currentBackupRefCount() int {
	count := 0
	r.walk(func(ref NodeRef) {
		for _, e := range r.nodes[ref].History {
			if e.BackupID == CurrentBackupID {
				count++
			}
		}
	})
	for _, e := range r.ConfigHistory {
		if e.BackupID == CurrentBackupID {
			count++
		}
	}
	return count
}

// BeginBackup sets the timestamp of the in-progress current backup and
// resets every node's ephemeral hint. Call once at the start of a backup
// run, before Initiate.
func (r *Root) BeginBackup(timestamp int64) {
	r.CurrentBackup = BackupPoint{Timestamp: timestamp}
	r.ResetHints()
}

// Validate re-checks invariants that Canonicalize/mutation code is
// expected to maintain: TotalPathCount matches the arena, and no node
// carries two adjacent identical history states. Nothing in the module
// calls it.
func (r *Root) Validate() error {
	count := 0
	var err error
	r.walk(func(ref NodeRef) {
		count++
		h := r.nodes[ref].History
		for i := 1; i < len(h); i++ {
			if h[i-1].State.Equal(h[i].State) {
				err = fmt.Errorf("%s: adjacent identical history states", r.nodes[ref].Path)
			}
		}
	})
	if err != nil {
		return err
	}
	if count != r.TotalPathCount {
		return fmt.Errorf("total path count mismatch: recorded %d, actual %d", r.TotalPathCount, count)
	}
	return nil
}
