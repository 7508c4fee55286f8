// Package metadata implements nb's in-memory tracked-path tree, its
// versioned append-only history model, and the binary on-disk codec
// described by the repository's `metadata` file.
package metadata

// Policy is the backup policy assigned to a path node.
type Policy uint8

const (
	PolicyNone Policy = iota
	PolicyCopy
	PolicyMirror
	PolicyTrack
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyCopy:
		return "copy"
	case PolicyMirror:
		return "mirror"
	case PolicyTrack:
		return "track"
	case PolicyIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// StateType tags the variant held by a State value.
type StateType uint8

const (
	StateNonExisting StateType = 0
	StateRegular     StateType = 1
	StateSymlink     StateType = 2
	StateDirectory   StateType = 3
)

func (t StateType) String() string {
	switch t {
	case StateNonExisting:
		return "non-existing"
	case StateRegular:
		return "regular"
	case StateSymlink:
		return "symlink"
	case StateDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// inlineHashLimit is the largest file size whose body is stored inline in
// the hash field instead of in the blob store (spec.md §4.4).
const inlineHashLimit = 20

// State is a tagged union of the four path-state variants (spec.md §3.1).
// Only the fields relevant to Type are meaningful; the zero value of the
// others is ignored by the codec and by comparison.
type State struct {
	Type StateType

	// Regular, Symlink, Directory
	UID, GID uint64
	Mtime    int64

	// Regular, Directory
	Mode uint16

	// Regular
	Size uint64
	Hash [inlineHashLimit]byte
	Slot uint8

	// Symlink
	Target string
}

// Equal reports whether two states are identical for the purposes of the
// "no two adjacent history entries with identical state" invariant
// (spec.md §3.1).
func (s State) Equal(o State) bool {
	if s.Type != o.Type {
		return false
	}
	switch s.Type {
	case StateNonExisting:
		return true
	case StateRegular:
		return s.UID == o.UID && s.GID == o.GID && s.Mtime == o.Mtime &&
			s.Mode == o.Mode && s.Size == o.Size && s.Slot == o.Slot &&
			s.hashBytes() == o.hashBytes()
	case StateSymlink:
		return s.UID == o.UID && s.GID == o.GID && s.Mtime == o.Mtime && s.Target == o.Target
	case StateDirectory:
		return s.UID == o.UID && s.GID == o.GID && s.Mtime == o.Mtime && s.Mode == o.Mode
	default:
		return false
	}
}

func (s State) hashBytes() string {
	n := s.hashLen()
	return string(s.Hash[:n])
}

// hashLen is the number of meaningful bytes in Hash: Size itself when the
// body is inlined, or the full SHA-1 width otherwise.
func (s State) hashLen() int {
	if s.Size <= inlineHashLimit {
		return int(s.Size)
	}
	return inlineHashLimit
}

// Inline reports whether the regular file's body is stored inline in Hash
// rather than in the blob store.
func (s State) Inline() bool {
	return s.Size <= inlineHashLimit
}

// HistoryEntry is one link in a path's history, newest-first.
type HistoryEntry struct {
	BackupID int // index into Root.BackupHistory
	State    State
}

// BackupPoint identifies one past backup (spec.md §3.1).
type BackupPoint struct {
	Timestamp int64
	RefCount  int
}

// Live reports whether the backup point is referenced by any history
// entry.
func (b BackupPoint) Live() bool { return b.RefCount > 0 }

// CurrentBackupID is the sentinel BackupID used by history entries bound
// to the in-progress "current backup" until Write merges it into
// BackupHistory and renumbers everything.
const CurrentBackupID = -1

// Hint is the ephemeral per-backup change classification attached to a
// node (spec.md §4.5). It is never serialized.
type Hint struct {
	Class      HintClass
	Transition HintTransition
	Flags      HintFlags
}

// HintClass is the mutually exclusive low nibble of a BackupHint bitset.
type HintClass uint8

const (
	HintNone HintClass = iota
	HintUnchanged
	HintAdded
	HintRemoved
	HintNotPartOfRepository
)

// HintTransition records a type change between the previous head state
// and the freshly observed one.
type HintTransition uint8

const (
	TransitionNone HintTransition = iota
	TransitionRegularToSymlink
	TransitionRegularToDirectory
	TransitionRegularToNonExisting
	TransitionSymlinkToRegular
	TransitionSymlinkToDirectory
	TransitionSymlinkToNonExisting
	TransitionDirectoryToRegular
	TransitionDirectoryToSymlink
	TransitionDirectoryToNonExisting
)

// HintFlags are orthogonal, independently settable bits.
type HintFlags uint16

const (
	FlagOwnerChanged HintFlags = 1 << iota
	FlagPermissionsChanged
	FlagMtimeChanged
	FlagContentChanged
	FlagFreshHash
	FlagPolicyChanged
	FlagLosesHistory
	FlagAffectsParentTimestamp
)

func (h *Hint) Set(f HintFlags) { h.Flags |= f }
func (h Hint) Has(f HintFlags) bool { return h.Flags&f != 0 }
