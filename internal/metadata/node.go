package metadata

import "github.com/nanobackup/nb/internal/pathrepr"

// node is one entry in the path-node arena. Indices, not pointers, link
// parent/child relationships (spec.md §9's "arena of path-node records
// with 32-bit indices").
type node struct {
	Name   string
	Path   string // cached absolute path, not persisted
	Parent int32  // -1 for a root-level node
	Policy Policy

	History []HistoryEntry

	// Children holds this node's subnode indices in first-discovery
	// order. Every node carries a (possibly empty) subnode list on disk
	// (spec.md §4.3's PathNode always ends in a PathList); a leaf simply
	// persists with zero children.
	Children []int32

	Hint Hint // ephemeral, reset at the start of every backup
}

// Root is the in-memory metadata tree (spec.md §3.1's "Metadata root").
type Root struct {
	CurrentBackup  BackupPoint
	BackupHistory  []BackupPoint
	ConfigHistory  []ConfigEntry
	TotalPathCount int

	nodes     []node
	topLevel  []int32
	PathTable map[string]int32 // built at Load time, extended by EnsurePath, pruned by Detach
}

// ConfigEntry records the config file's own content hash at one backup
// point, using the same inline/blob-addressed encoding as a regular
// file's hash (spec.md §4.3 file layout).
type ConfigEntry struct {
	BackupID int
	Size     uint64
	Hash     [inlineHashLimit]byte
	Slot     uint8
}

// New creates an empty metadata tree.
func New() *Root {
	return &Root{PathTable: make(map[string]int32)}
}

// NodeRef is a stable handle to a node in the arena.
type NodeRef int32

const NoNode NodeRef = -1

func (r *Root) node(ref NodeRef) *node { return &r.nodes[ref] }

// Name returns the node's path component.
func (r *Root) Name(ref NodeRef) string { return r.nodes[ref].Name }

// Path returns the node's full absolute path.
func (r *Root) Path(ref NodeRef) string { return r.nodes[ref].Path }

// Policy returns the node's stored policy.
func (r *Root) Policy(ref NodeRef) Policy { return r.nodes[ref].Policy }

// SetPolicy sets the node's stored policy.
func (r *Root) SetPolicy(ref NodeRef, p Policy) { r.nodes[ref].Policy = p }

// Parent returns the node's parent, or NoNode for a top-level node.
func (r *Root) Parent(ref NodeRef) NodeRef { return NodeRef(r.nodes[ref].Parent) }

// Children returns the node's subnode refs.
func (r *Root) Children(ref NodeRef) []NodeRef {
	n := &r.nodes[ref]
	out := make([]NodeRef, len(n.Children))
	for i, c := range n.Children {
		out[i] = NodeRef(c)
	}
	return out
}

// History returns the node's history entries, newest first.
func (r *Root) History(ref NodeRef) []HistoryEntry { return r.nodes[ref].History }

// Head returns the node's newest history entry. ok is false for a node
// with no history yet (freshly allocated, not yet finished).
func (r *Root) Head(ref NodeRef) (HistoryEntry, bool) {
	h := r.nodes[ref].History
	if len(h) == 0 {
		return HistoryEntry{}, false
	}
	return h[0], true
}

// Prepend adds a new history entry to the front of the node's history.
func (r *Root) Prepend(ref NodeRef, entry HistoryEntry) {
	n := &r.nodes[ref]
	n.History = append([]HistoryEntry{entry}, n.History...)
}

// ReplaceHead discards every existing history entry and replaces it
// with entry, collapsing the node to single-state history. Used by
// policies (Mirror, None) that never retain more than the current
// state.
func (r *Root) ReplaceHead(ref NodeRef, entry HistoryEntry) {
	r.nodes[ref].History = []HistoryEntry{entry}
}

// Hint returns the node's ephemeral hint.
func (r *Root) Hint(ref NodeRef) Hint { return r.nodes[ref].Hint }

// SetHint replaces the node's ephemeral hint.
func (r *Root) SetHint(ref NodeRef, h Hint) { r.nodes[ref].Hint = h }

// ResetHints clears every node's hint to HintNone. Called at the start of
// every backup's Initiate phase.
func (r *Root) ResetHints() {
	for i := range r.nodes {
		r.nodes[i].Hint = Hint{}
	}
}

// TopLevel returns the root-level node refs (first path components).
func (r *Root) TopLevel() []NodeRef {
	out := make([]NodeRef, len(r.topLevel))
	for i, c := range r.topLevel {
		out[i] = NodeRef(c)
	}
	return out
}

// EnsurePath walks (creating as needed) the chain of nodes for an
// absolute path, returning the leaf node ref. Newly created intermediate
// nodes default to PolicyNone; the caller is responsible for setting the
// leaf's policy. Every node EnsurePath creates is appended to its
// parent's Children (or to the top level) and registered in PathTable.
func (r *Root) EnsurePath(absPath string) NodeRef {
	if ref, ok := r.PathTable[absPath]; ok {
		return NodeRef(ref)
	}

	trimmed := pathrepr.TrimTrailingSlash(absPath)
	var parent NodeRef = NoNode
	built := ""
	for _, comp := range splitComponents(trimmed) {
		built = pathrepr.Join(built, comp)
		if built == "/"+comp {
			built = "/" + comp
		}
		if ref, ok := r.PathTable[built]; ok {
			parent = NodeRef(ref)
			continue
		}
		ref := r.newNode(parent, comp, built)
		if parent != NoNode {
			r.markHasSubnodes(parent, ref)
		} else {
			r.topLevel = append(r.topLevel, int32(ref))
		}
		r.PathTable[built] = int32(ref)
		parent = ref
	}
	return parent
}

func (r *Root) newNode(parent NodeRef, name, path string) NodeRef {
	p := int32(NoNode)
	if parent != NoNode {
		p = int32(parent)
	}
	r.nodes = append(r.nodes, node{Name: name, Path: path, Parent: p})
	r.TotalPathCount++
	return NodeRef(len(r.nodes) - 1)
}

func (r *Root) markHasSubnodes(parent, child NodeRef) {
	n := &r.nodes[parent]
	n.Children = append(n.Children, int32(child))
}

// addRawNode appends a fully-formed node to the arena without touching
// PathTable (used by the decoder, which calls registerPath for the node
// right afterwards).
func (r *Root) addRawNode(n node) NodeRef {
	r.nodes = append(r.nodes, n)
	return NodeRef(len(r.nodes) - 1)
}

// linkChild appends child to parent's Children list. Used by the decoder
// while assembling a PathList top-down.
func (r *Root) linkChild(parent, child NodeRef) {
	r.nodes[parent].Children = append(r.nodes[parent].Children, int32(child))
}

// registerPath records ref's resolved absolute path in PathTable and
// bumps TotalPathCount. Used by the decoder once a node's Path has been
// computed from its parent.
func (r *Root) registerPath(ref NodeRef, path string) {
	r.nodes[ref].Path = path
	r.PathTable[path] = int32(ref)
	r.TotalPathCount++
}

// addTopLevel records ref as a root-level node.
func (r *Root) addTopLevel(ref NodeRef) {
	r.topLevel = append(r.topLevel, int32(ref))
}

func splitComponents(absPath string) []string {
	if absPath == "" || absPath == "/" {
		return nil
	}
	s := absPath
	if s[0] == '/' {
		s = s[1:]
	}
	var parts []string
	for s != "" {
		head, tail, ok := splitFirst(s)
		if !ok {
			parts = append(parts, s)
			break
		}
		parts = append(parts, head)
		s = tail
	}
	return parts
}

func splitFirst(s string) (head, tail string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// RecomputeRefCounts rebuilds every BackupPoint's RefCount from scratch by
// walking every history entry and config-history entry (spec.md §9:
// "model as derived data").
func (r *Root) RecomputeRefCounts() {
	for i := range r.BackupHistory {
		r.BackupHistory[i].RefCount = 0
	}
	r.walk(func(ref NodeRef) {
		for _, e := range r.nodes[ref].History {
			if e.BackupID >= 0 && e.BackupID < len(r.BackupHistory) {
				r.BackupHistory[e.BackupID].RefCount++
			}
		}
	})
	for _, e := range r.ConfigHistory {
		if e.BackupID >= 0 && e.BackupID < len(r.BackupHistory) {
			r.BackupHistory[e.BackupID].RefCount++
		}
	}
}

// Walk visits every node in the tree, parent before children.
func (r *Root) Walk(visit func(ref NodeRef)) { r.walk(visit) }

func (r *Root) walk(visit func(ref NodeRef)) {
	var rec func(ref NodeRef)
	rec = func(ref NodeRef) {
		visit(ref)
		for _, c := range r.Children(ref) {
			rec(c)
		}
	}
	for _, top := range r.topLevel {
		rec(NodeRef(top))
	}
}

// Detach removes a node (and its subtree) from the tree: unlinks it from
// its parent's Children (or topLevel), decrements TotalPathCount for
// every node in the subtree, and drops it from PathTable. It does not
// touch BackupPoint ref-counts; callers must call RecomputeRefCounts
// afterwards.
func (r *Root) Detach(ref NodeRef) {
	var count int
	r.walkSubtree(ref, func(c NodeRef) {
		count++
		delete(r.PathTable, r.nodes[c].Path)
	})
	r.TotalPathCount -= count

	parent := r.Parent(ref)
	if parent == NoNode {
		r.topLevel = removeIndex(r.topLevel, int32(ref))
		return
	}
	p := &r.nodes[parent]
	p.Children = removeIndex(p.Children, int32(ref))
}

func (r *Root) walkSubtree(ref NodeRef, visit func(NodeRef)) {
	visit(ref)
	for _, c := range r.Children(ref) {
		r.walkSubtree(c, visit)
	}
}

func removeIndex(s []int32, v int32) []int32 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
