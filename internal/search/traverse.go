package search

import (
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/pathrepr"
)

// ResultType tags one SearchResult. It mirrors metadata.StateType plus
// the EndOfDirectory marker that closes out a directory's children.
type ResultType uint8

const (
	ResultNonExisting ResultType = ResultType(metadata.StateNonExisting)
	ResultRegular     ResultType = ResultType(metadata.StateRegular)
	ResultSymlink     ResultType = ResultType(metadata.StateSymlink)
	ResultDirectory   ResultType = ResultType(metadata.StateDirectory)
	ResultEndOfDir    ResultType = 0xFF
	ResultIgnored     ResultType = 0xFE
)

// Result is one event of the traversal iterator (spec.md §4.2).
type Result struct {
	Path            string
	Type            ResultType
	Info            os.FileInfo
	Stat            *syscall.Stat_t
	MatchedNode     *Node // nil when no config node governs this path directly
	EffectivePolicy metadata.Policy
}

// Emit receives one Result. Returning an error aborts the traversal.
type Emit func(Result) error

// Walk performs the depth-first, parent-before-children traversal
// described in spec.md §4.2 and feeds every event to emit.
func Walk(tree *Tree, emit Emit) error {
	for _, root := range tree.Roots() {
		if err := walkNode(tree, root, "/"+root.Name, metadata.PolicyNone, emit); err != nil {
			return err
		}
	}
	return nil
}

func walkNode(tree *Tree, node *Node, path string, parentEffective metadata.Policy, emit Emit) error {
	effective := EffectivePolicy(node, parentEffective)

	// An Ignore policy, like an ignore expression, drops the path and its
	// whole subtree: never lstat'd, never descended into. Emit a single
	// marker event (no stat, no children) so BackupEngine can drop any
	// previously-tracked node at or below this path.
	if effective == metadata.PolicyIgnore {
		node.Matched = true
		return emit(Result{Path: path, Type: ResultIgnored, MatchedNode: node, EffectivePolicy: effective})
	}

	if tree.Ignore.match(path) {
		node.Matched = true
		return nil
	}

	info, statT, rtype, err := lstatResult(path)
	if err != nil {
		return err
	}
	if rtype != ResultNonExisting {
		node.Matched = true
	}

	if (rtype == ResultRegular || rtype == ResultSymlink) && len(node.Children()) > 0 {
		// The config declares subpaths beneath this node, which only
		// makes sense if the node is a directory.
		node.TypeMismatch = true
		node.ActualType = rtype
	}

	if err := emit(Result{Path: path, Type: rtype, Info: info, Stat: statT, MatchedNode: node, EffectivePolicy: effective}); err != nil {
		return err
	}
	if rtype != ResultDirectory {
		return nil
	}

	if tree.Summarize.match(path) {
		return emit(Result{Path: path, Type: ResultEndOfDir, MatchedNode: node, EffectivePolicy: effective})
	}

	if node.Policy == metadata.PolicyNone && !node.SubnodesContainRegex {
		for _, child := range node.Children() {
			childPath := pathrepr.Join(path, child.Name)
			if err := walkNode(tree, child, childPath, effective, emit); err != nil {
				return err
			}
		}
		return emit(Result{Path: path, Type: ResultEndOfDir, MatchedNode: node, EffectivePolicy: effective})
	}

	if err := walkDirEntries(tree, node, path, effective, emit); err != nil {
		return err
	}
	return emit(Result{Path: path, Type: ResultEndOfDir, MatchedNode: node, EffectivePolicy: effective})
}

// walkPlain continues traversal below a point where no further config
// node exists: every descendant inherits effective unchanged, subject
// only to the tree's global ignore/summarize expressions.
func walkPlain(tree *Tree, path string, effective metadata.Policy, emit Emit) error {
	if tree.Ignore.match(path) {
		return nil
	}

	info, statT, rtype, err := lstatResult(path)
	if err != nil {
		return err
	}
	if err := emit(Result{Path: path, Type: rtype, Info: info, Stat: statT, EffectivePolicy: effective}); err != nil {
		return err
	}
	if rtype != ResultDirectory {
		return nil
	}

	if tree.Summarize.match(path) {
		return emit(Result{Path: path, Type: ResultEndOfDir, EffectivePolicy: effective})
	}

	entries, err := readDirSorted(path)
	if err != nil {
		return err
	}
	for _, name := range entries {
		if err := walkPlain(tree, pathrepr.Join(path, name), effective, emit); err != nil {
			return err
		}
	}
	return emit(Result{Path: path, Type: ResultEndOfDir, EffectivePolicy: effective})
}

func walkDirEntries(tree *Tree, node *Node, path string, effective metadata.Policy, emit Emit) error {
	entries, err := readDirSorted(path)
	if err != nil {
		return err
	}
	for _, name := range entries {
		childPath := pathrepr.Join(path, name)
		if child := node.matchChild(name); child != nil {
			if err := walkNode(tree, child, childPath, effective, emit); err != nil {
				return err
			}
			continue
		}
		if err := walkPlain(tree, childPath, effective, emit); err != nil {
			return err
		}
	}
	return nil
}

func readDirSorted(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

func lstatResult(path string) (os.FileInfo, *syscall.Stat_t, ResultType, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, nil, ResultNonExisting, nil
	}
	if err != nil {
		return nil, nil, ResultNonExisting, fmt.Errorf("%s: %w", path, err)
	}

	statT, _ := info.Sys().(*syscall.Stat_t)

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return info, statT, ResultSymlink, nil
	case info.IsDir():
		return info, statT, ResultDirectory, nil
	case info.Mode().IsRegular():
		return info, statT, ResultRegular, nil
	default:
		// Device files, sockets, FIFOs: not a state type nb tracks.
		// Treated as non-existing for policy purposes.
		return info, statT, ResultNonExisting, nil
	}
}
