package backup

import (
	"fmt"
	"os"

	"github.com/nanobackup/nb/internal/hashcache"
	"github.com/nanobackup/nb/internal/metadata"
)

// finish applies every node's accumulated hint to the metadata tree,
// extending history and writing blobs as needed (spec.md §4.5's Finish
// phase). It collects every ref up front, since detaching a
// not-part-of-repository node mid-walk would corrupt the arena's
// children slices while still iterating over them.
func (e *Engine) finish() (Stats, error) {
	var refs []metadata.NodeRef
	e.Meta.Walk(func(ref metadata.NodeRef) { refs = append(refs, ref) })

	var stats Stats
	var toDetach []metadata.NodeRef

	for _, ref := range refs {
		hint := e.Meta.Hint(ref)
		switch hint.Class {
		case metadata.HintAdded:
			stats.Added++
			state, err := e.materialize(ref)
			if err != nil {
				return Stats{}, err
			}
			e.Meta.Prepend(ref, metadata.HistoryEntry{BackupID: metadata.CurrentBackupID, State: state})

		case metadata.HintRemoved:
			stats.Removed++
			e.Meta.Prepend(ref, metadata.HistoryEntry{
				BackupID: metadata.CurrentBackupID,
				State:    metadata.State{Type: metadata.StateNonExisting},
			})

		case metadata.HintNotPartOfRepository:
			stats.Dropped++
			toDetach = append(toDetach, ref)

		default: // HintUnchanged
			changed := hint.Has(metadata.FlagContentChanged) || hint.Transition != metadata.TransitionNone
			if changed {
				stats.Changed++
				state, err := e.materialize(ref)
				if err != nil {
					return Stats{}, err
				}
				e.Meta.Prepend(ref, metadata.HistoryEntry{BackupID: metadata.CurrentBackupID, State: state})
				continue
			}

			if hint.Flags&^metadata.FlagAffectsParentTimestamp == 0 {
				stats.Unchanged++
				continue
			}

			// Metadata-only change (owner/permissions/mtime/policy), no
			// content change: how it's recorded depends on the node's
			// current policy (spec.md §4.5 Finish, per-policy history
			// rules).
			stats.Changed++
			if err := e.recordMetadataOnly(ref); err != nil {
				return Stats{}, err
			}
		}
	}

	for _, ref := range toDetach {
		// A descendant of an already-detached node was itself collected
		// into toDetach (e.g. every path under a directory that became
		// not-part-of-repository); Detach already walked it off the tree
		// via its ancestor, so detaching it again would double-count it.
		if _, stillPresent := e.Meta.PathTable[e.Meta.Path(ref)]; !stillPresent {
			continue
		}
		e.Meta.Detach(ref)
	}
	e.Meta.RecomputeRefCounts()

	return stats, nil
}

// recordMetadataOnly applies a metadata-only change (no content change)
// to a node's history according to its policy: Track always grows
// history with the new attributes; Mirror and None collapse to a
// single current state; Copy never records attribute-only changes,
// since a plain copy only cares about content.
func (e *Engine) recordMetadataOnly(ref metadata.NodeRef) error {
	head, ok := e.Meta.Head(ref)
	if !ok {
		return nil
	}
	observed, ok := e.observed[ref]
	if !ok {
		return nil
	}

	updated := head.State
	updated.UID, updated.GID, updated.Mtime = observed.UID, observed.GID, observed.Mtime
	if updated.Type == metadata.StateRegular || updated.Type == metadata.StateDirectory {
		updated.Mode = observed.Mode
	}

	switch e.Meta.Policy(ref) {
	case metadata.PolicyTrack:
		e.Meta.Prepend(ref, metadata.HistoryEntry{BackupID: metadata.CurrentBackupID, State: updated})
	case metadata.PolicyMirror, metadata.PolicyNone:
		e.Meta.ReplaceHead(ref, metadata.HistoryEntry{BackupID: metadata.CurrentBackupID, State: updated})
	case metadata.PolicyCopy:
		// content unchanged under Copy: nothing to record.
	}
	return nil
}

// materialize resolves a node's fully-formed State for this backup,
// hashing and storing regular file bodies larger than the inline limit.
// It applies the hash-avoidance rule (spec.md §4.5): a cache hit keyed
// on (path, size, ino, mtime) is trusted without reopening the file only
// when the node's head state is a regular file with the same size and
// hash; otherwise the file is streamed through the blob store and the
// cache is updated.
func (e *Engine) materialize(ref metadata.NodeRef) (metadata.State, error) {
	state, ok := e.observed[ref]
	if !ok {
		return metadata.State{}, fmt.Errorf("%s: no observed state recorded", e.Meta.Path(ref))
	}
	if state.Type != metadata.StateRegular || state.Inline() {
		return state, nil
	}

	path := e.Meta.Path(ref)
	key := hashcache.Key{Path: path, Size: state.Size, Ino: e.ino[ref], Mtime: state.Mtime}

	if hash, ok := e.Cache.Lookup(key); ok {
		if head, hasHead := e.Meta.Head(ref); hasHead && head.State.Type == metadata.StateRegular &&
			head.State.Size == state.Size && head.State.Hash == hash {
			state.Hash = hash
			state.Slot = head.State.Slot
			return state, nil
		}
		// Cache hit but no matching prior slot on record (first time this
		// content is seen under this path, or the head predates the
		// cache entry): fall through and resolve it properly via Store.
	}

	f, err := os.Open(path)
	if err != nil {
		return metadata.State{}, fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	hash, size, slot, err := e.Store.Store(f)
	if err != nil {
		return metadata.State{}, fmt.Errorf("%s: %w", path, err)
	}
	state.Hash, state.Size, state.Slot = hash, size, slot
	e.Cache.Store(key, hash)
	return state, nil
}
