// Package search compiles a repository's config file into a matcher tree
// and walks the filesystem once per backup, yielding search results in a
// defined parent-before-children order (spec.md §4.2).
package search

import (
	"regexp"

	"github.com/nanobackup/nb/internal/metadata"
)

// ExprList is a shared, owning collection of compiled regexes (the
// ignore list or the summarize list). A single list of each kind lives
// on Tree; nodes hold no reference to it, and the traversal tests every
// path against Tree's lists.
type ExprList struct {
	exprs   []*regexp.Regexp
	sources []string
	lines   []int
	matched []bool
}

func (l *ExprList) add(src string, line int) error {
	re, err := regexp.Compile(src)
	if err != nil {
		return err
	}
	l.exprs = append(l.exprs, re)
	l.sources = append(l.sources, src)
	l.lines = append(l.lines, line)
	l.matched = append(l.matched, false)
	return nil
}

// match tests s against every expression, marking each one that matches
// as having fired and reporting whether any expression matched.
func (l *ExprList) match(s string) bool {
	matched := false
	for i, re := range l.exprs {
		if re.MatchString(s) {
			l.matched[i] = true
			matched = true
		}
	}
	return matched
}

// Unmatched reports the (source, line) of every expression that never
// fired during the last traversal.
func (l *ExprList) Unmatched() []UnmatchedExpr {
	var out []UnmatchedExpr
	for i, m := range l.matched {
		if !m {
			out = append(out, UnmatchedExpr{Source: l.sources[i], Line: l.lines[i]})
		}
	}
	return out
}

// UnmatchedExpr names one ignore/summarize expression that never fired.
type UnmatchedExpr struct {
	Source string
	Line   int
}

// Node is one component of the config's decomposed absolute paths. A
// node either carries a literal Name or a compiled Regex, never both.
type Node struct {
	Name  string
	Regex *regexp.Regexp

	LineNr       int
	PolicyLineNr int // 0 until a policy is explicitly assigned
	Policy       metadata.Policy

	literalChildren map[string]*Node
	childOrder      []string
	regexChildren   []*Node

	SubnodesContainRegex bool
	Matched              bool

	// TypeMismatch and ActualType record that this node matched a real
	// path whose filetype conflicted with what the config implied: a
	// node with declared subnodes can only sensibly apply to a directory
	// (spec.md §7's "matchers that matched but produced an unexpected
	// filetype").
	TypeMismatch bool
	ActualType   ResultType
}

func newNode(name string, regex *regexp.Regexp, lineNr int) *Node {
	return &Node{Name: name, Regex: regex, LineNr: lineNr, literalChildren: make(map[string]*Node)}
}

// IsRegex reports whether the node matches by compiled regex rather than
// literal name.
func (n *Node) IsRegex() bool { return n.Regex != nil }

// Children returns the node's subnodes: literal matches first (in
// first-declared order), then regex matches (in declaration order).
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.literalChildren)+len(n.regexChildren))
	for _, name := range n.childOrder {
		out = append(out, n.literalChildren[name])
	}
	out = append(out, n.regexChildren...)
	return out
}

func (n *Node) matchChild(name string) *Node {
	if c, ok := n.literalChildren[name]; ok {
		c.Matched = true
		return c
	}
	for _, c := range n.regexChildren {
		if c.Regex.MatchString(name) {
			c.Matched = true
			return c
		}
	}
	return nil
}

func (n *Node) childOrNew(name string, lineNr int) *Node {
	if c, ok := n.literalChildren[name]; ok {
		return c
	}
	c := newNode(name, nil, lineNr)
	n.literalChildren[name] = c
	n.childOrder = append(n.childOrder, name)
	return c
}

func (n *Node) regexChildOrNew(src string, re *regexp.Regexp, lineNr int) *Node {
	for _, c := range n.regexChildren {
		if c.Regex.String() == re.String() {
			return c
		}
	}
	c := newNode("", re, lineNr)
	n.regexChildren = append(n.regexChildren, c)
	n.SubnodesContainRegex = true
	return c
}

// Tree is the compiled config: a forest of root-level Nodes (one per
// first path component ever referenced) plus the shared ignore and
// summarize expression lists.
type Tree struct {
	roots      map[string]*Node
	rootOrder  []string
	Ignore     *ExprList
	Summarize  *ExprList
}

func newTree() *Tree {
	return &Tree{
		roots:     make(map[string]*Node),
		Ignore:    &ExprList{},
		Summarize: &ExprList{},
	}
}

// Roots returns the tree's top-level nodes in first-declared order.
func (t *Tree) Roots() []*Node {
	out := make([]*Node, 0, len(t.rootOrder))
	for _, name := range t.rootOrder {
		out = append(out, t.roots[name])
	}
	return out
}

func (t *Tree) rootOrNew(name string, lineNr int) *Node {
	if n, ok := t.roots[name]; ok {
		return n
	}
	n := newNode(name, nil, lineNr)
	t.roots[name] = n
	t.rootOrder = append(t.rootOrder, name)
	return n
}

// EffectivePolicy returns the policy this node carries, inheriting the
// parent's effective policy when the node's own stored policy is None
// (spec.md's PathRepr-adjacent note on policy inheritance; not
// persisted, computed fresh on each traversal).
func EffectivePolicy(node *Node, parentEffective metadata.Policy) metadata.Policy {
	if node == nil || node.Policy == metadata.PolicyNone {
		return parentEffective
	}
	return node.Policy
}

// Validate enforces the invariant that every node reachable through
// Children either has a non-None policy or has some descendant that
// does (spec.md §8's "every node ... has a policy different from None
// or has at least one descendant whose policy differs from None").
func (t *Tree) Validate() error {
	for _, root := range t.Roots() {
		if _, ok := validateNode(root); !ok {
			return &ConfigError{Line: root.LineNr, Msg: "path has no policy and no descendant with a policy: " + root.Name}
		}
	}
	return nil
}

func validateNode(n *Node) (hasPositivePolicy bool, ok bool) {
	self := n.Policy != metadata.PolicyNone
	descendantOK := false
	for _, c := range n.Children() {
		childHas, childOK := validateNode(c)
		if !childOK {
			return false, false
		}
		descendantOK = descendantOK || childHas
	}
	if !self && !descendantOK && len(n.Children()) == 0 {
		return false, false
	}
	return self || descendantOK, true
}
