// Package backup implements change detection and history extension: the
// engine that turns one SearchTree traversal into mutations of a
// MetadataStore tree and new BlobStore entries (spec.md §4.5).
package backup

import (
	"fmt"
	"os"
	"strings"

	"github.com/nanobackup/nb/internal/blobstore"
	"github.com/nanobackup/nb/internal/hashcache"
	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/search"
)

// Engine runs one backup: Initiate annotates the metadata tree with
// hints from a fresh search, Finish mutates history and blob storage to
// match.
type Engine struct {
	Meta  *metadata.Root
	Store *blobstore.Store
	Cache *hashcache.Cache

	seen     map[string]bool
	observed map[metadata.NodeRef]metadata.State
	ino      map[metadata.NodeRef]uint64
	ignored  []string // paths the search tree short-circuited this run under an Ignore policy
}

// New creates an Engine over an already-loaded metadata tree.
func New(meta *metadata.Root, store *blobstore.Store, cache *hashcache.Cache) *Engine {
	return &Engine{Meta: meta, Store: store, Cache: cache}
}

// Stats aggregates non-fatal facts about a completed backup, used by the
// CLI for its summary line.
type Stats struct {
	Added, Removed, Changed, Unchanged, Dropped int
}

// Run performs one full backup cycle: Initiate over tree's traversal,
// then Finish. timestamp is the current backup's timestamp (seconds
// since the epoch). configPath is the repository's own config file,
// whose content is tracked in ConfigHistory alongside the path tree.
func (e *Engine) Run(tree *search.Tree, timestamp int64, configPath string) (Stats, error) {
	e.Meta.BeginBackup(timestamp)
	e.seen = make(map[string]bool)
	e.observed = make(map[metadata.NodeRef]metadata.State)
	e.ino = make(map[metadata.NodeRef]uint64)
	e.ignored = nil

	if err := e.recordConfig(configPath); err != nil {
		return Stats{}, err
	}

	if err := search.Walk(tree, e.initiate); err != nil {
		return Stats{}, err
	}
	e.initiateMissing()

	return e.finish()
}

// recordConfig hashes the repository's config file and appends a
// ConfigEntry bound to the in-progress backup, using the same
// inline/blob-addressed encoding as a regular file body (spec.md
// §4.3's file layout).
func (e *Engine) recordConfig(configPath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}

	entry := metadata.ConfigEntry{BackupID: metadata.CurrentBackupID}
	if uint64(info.Size()) <= blobstore.InlineLimit {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("%s: %w", configPath, err)
		}
		entry.Size = uint64(len(data))
		copy(entry.Hash[:], data)
		e.Meta.ConfigHistory = append(e.Meta.ConfigHistory, entry)
		return nil
	}

	hash, size, slot, err := e.Store.Store(f)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	entry.Size, entry.Hash, entry.Slot = size, hash, slot
	e.Meta.ConfigHistory = append(e.Meta.ConfigHistory, entry)
	return nil
}

func (e *Engine) initiate(res search.Result) error {
	if res.Type == search.ResultEndOfDir {
		return nil
	}
	if res.Type == search.ResultIgnored {
		e.seen[res.Path] = true
		e.ignored = append(e.ignored, res.Path)
		if ref, existed := e.lookup(res.Path); existed {
			e.Meta.SetHint(ref, metadata.Hint{Class: metadata.HintNotPartOfRepository})
			e.markParentAffected(ref)
		}
		return nil
	}
	e.seen[res.Path] = true

	observed, err := observeState(res)
	if err != nil {
		return err
	}

	ref, existed := e.lookup(res.Path)
	if !existed {
		ref = e.Meta.EnsurePath(res.Path)
		e.Meta.SetPolicy(ref, res.EffectivePolicy)
		e.Meta.SetHint(ref, metadata.Hint{Class: metadata.HintAdded})
		e.observed[ref] = observed
		e.recordIno(ref, res)
		e.markParentAffected(ref)
		return nil
	}
	e.observed[ref] = observed
	e.recordIno(ref, res)

	if res.EffectivePolicy != e.Meta.Policy(ref) {
		h := e.Meta.Hint(ref)
		h.Set(metadata.FlagPolicyChanged)
		if losesHistory(e.Meta.Policy(ref), res.EffectivePolicy) {
			h.Set(metadata.FlagLosesHistory)
		}
		e.Meta.SetHint(ref, h)
		e.Meta.SetPolicy(ref, res.EffectivePolicy)
	}

	head, hasHead := e.Meta.Head(ref)
	if !hasHead {
		hint := e.Meta.Hint(ref)
		hint.Class = metadata.HintAdded
		e.Meta.SetHint(ref, hint)
		e.markParentAffected(ref)
		return nil
	}

	if head.State.Type != observed.Type {
		hint := metadata.Hint{Class: metadata.HintUnchanged}
		hint.Transition = transitionFor(head.State.Type, observed.Type)
		hint.Set(metadata.FlagContentChanged)
		e.Meta.SetHint(ref, hint)
		e.markParentAffected(ref)
		return nil
	}

	hint := metadata.Hint{Class: metadata.HintUnchanged}
	diffAttrs(&hint, head.State, observed)
	if head.State.Type == metadata.StateRegular {
		switch {
		case head.State.Size != observed.Size:
			hint.Set(metadata.FlagContentChanged)
		case hint.Has(metadata.FlagMtimeChanged):
			hint.Set(metadata.FlagContentChanged)
		case head.State.Inline() && observed.Inline() && head.State.Hash != observed.Hash:
			hint.Set(metadata.FlagContentChanged)
		}
	}
	e.Meta.SetHint(ref, hint)
	if hint.Has(metadata.FlagContentChanged) {
		e.markParentAffected(ref)
	}
	return nil
}

// initiateMissing handles every previously-known path that the search
// did not yield this run (spec.md §4.5 Initiate step 4).
func (e *Engine) initiateMissing() {
	var missing []metadata.NodeRef
	e.Meta.Walk(func(ref metadata.NodeRef) {
		if e.seen[e.Meta.Path(ref)] {
			return
		}
		if e.Meta.Hint(ref).Class == metadata.HintAdded {
			// allocated this very run via EnsurePath but never independently
			// confirmed missing — added nodes are always "seen" by construction.
			return
		}
		missing = append(missing, ref)
	})

	for _, ref := range missing {
		var class metadata.HintClass
		switch {
		case e.underIgnored(e.Meta.Path(ref)):
			// A node whose path now falls under an Ignore policy is
			// dropped outright, regardless of the policy it was tracked
			// under previously (spec.md §4.5 step 4's Mirror/None
			// handling, extended to Ignore).
			class = metadata.HintNotPartOfRepository
		case e.Meta.Policy(ref) == metadata.PolicyTrack || e.Meta.Policy(ref) == metadata.PolicyCopy:
			class = metadata.HintRemoved
		default: // Mirror, None
			class = metadata.HintNotPartOfRepository
		}
		e.Meta.SetHint(ref, metadata.Hint{Class: class})
		e.markParentAffected(ref)
	}
}

// underIgnored reports whether path is at or below one of the paths the
// search tree short-circuited this run under an Ignore policy.
func (e *Engine) underIgnored(path string) bool {
	for _, p := range e.ignored {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) recordIno(ref metadata.NodeRef, res search.Result) {
	if res.Stat != nil {
		e.ino[ref] = uint64(res.Stat.Ino)
	}
}

func (e *Engine) lookup(path string) (metadata.NodeRef, bool) {
	ref, ok := e.Meta.PathTable[path]
	if !ok {
		return metadata.NoNode, false
	}
	return metadata.NodeRef(ref), true
}

func (e *Engine) markParentAffected(ref metadata.NodeRef) {
	parent := e.Meta.Parent(ref)
	if parent == metadata.NoNode {
		return
	}
	h := e.Meta.Hint(parent)
	h.Set(metadata.FlagAffectsParentTimestamp)
	e.Meta.SetHint(parent, h)
}

func losesHistory(from, to metadata.Policy) bool {
	rank := func(p metadata.Policy) int {
		switch p {
		case metadata.PolicyTrack:
			return 2
		case metadata.PolicyCopy:
			return 1
		default:
			return 0
		}
	}
	return rank(to) < rank(from)
}

func transitionFor(from, to metadata.StateType) metadata.HintTransition {
	switch {
	case from == metadata.StateRegular && to == metadata.StateSymlink:
		return metadata.TransitionRegularToSymlink
	case from == metadata.StateRegular && to == metadata.StateDirectory:
		return metadata.TransitionRegularToDirectory
	case from == metadata.StateRegular && to == metadata.StateNonExisting:
		return metadata.TransitionRegularToNonExisting
	case from == metadata.StateSymlink && to == metadata.StateRegular:
		return metadata.TransitionSymlinkToRegular
	case from == metadata.StateSymlink && to == metadata.StateDirectory:
		return metadata.TransitionSymlinkToDirectory
	case from == metadata.StateSymlink && to == metadata.StateNonExisting:
		return metadata.TransitionSymlinkToNonExisting
	case from == metadata.StateDirectory && to == metadata.StateRegular:
		return metadata.TransitionDirectoryToRegular
	case from == metadata.StateDirectory && to == metadata.StateSymlink:
		return metadata.TransitionDirectoryToSymlink
	case from == metadata.StateDirectory && to == metadata.StateNonExisting:
		return metadata.TransitionDirectoryToNonExisting
	default:
		return metadata.TransitionNone
	}
}

func diffAttrs(h *metadata.Hint, old, new_ metadata.State) {
	if old.UID != new_.UID || old.GID != new_.GID {
		h.Set(metadata.FlagOwnerChanged)
	}
	if old.Mode != new_.Mode {
		h.Set(metadata.FlagPermissionsChanged)
	}
	if old.Mtime != new_.Mtime {
		h.Set(metadata.FlagMtimeChanged)
	}
}

// observeState builds a State from a search.Result, reading a symlink's
// target when necessary. A regular file's body of at most InlineLimit
// bytes is copied into Hash here; for larger files Hash/Slot stay unset
// and are filled in during Finish once the hash-avoidance rule has run.
func observeState(res search.Result) (metadata.State, error) {
	if res.Type == search.ResultNonExisting {
		return metadata.State{Type: metadata.StateNonExisting}, nil
	}

	var uid, gid uint64
	var mtime int64
	if res.Stat != nil {
		uid, gid = uint64(res.Stat.Uid), uint64(res.Stat.Gid)
		mtime = int64(res.Stat.Mtim.Sec)
	} else if res.Info != nil {
		mtime = res.Info.ModTime().Unix()
	}

	switch res.Type {
	case search.ResultRegular:
		s := metadata.State{Type: metadata.StateRegular, UID: uid, GID: gid, Mtime: mtime}
		s.Mode = uint16(res.Info.Mode().Perm())
		s.Size = uint64(res.Info.Size())
		if s.Size <= blobstore.InlineLimit {
			data, err := os.ReadFile(res.Path)
			if err != nil {
				return metadata.State{}, fmt.Errorf("%s: %w", res.Path, err)
			}
			copy(s.Hash[:], data)
		}
		return s, nil
	case search.ResultSymlink:
		target, err := os.Readlink(res.Path)
		if err != nil {
			return metadata.State{}, fmt.Errorf("%s: %w", res.Path, err)
		}
		return metadata.State{Type: metadata.StateSymlink, UID: uid, GID: gid, Mtime: mtime, Target: target}, nil
	case search.ResultDirectory:
		return metadata.State{Type: metadata.StateDirectory, UID: uid, GID: gid, Mtime: mtime, Mode: uint16(res.Info.Mode().Perm())}, nil
	default:
		return metadata.State{Type: metadata.StateNonExisting}, nil
	}
}
