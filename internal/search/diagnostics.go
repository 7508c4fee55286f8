package search

import "fmt"

// Warning is one non-fatal diagnostic produced after a traversal
// completes (spec.md §7: "matchers that never matched", "ignore/
// summarize expressions that never matched").
type Warning struct {
	Line int
	Msg  string
}

func (w Warning) String() string { return fmt.Sprintf("config: line %d: %s", w.Line, w.Msg) }

// Diagnostics collects every matcher (path node, ignore expression,
// summarize expression) that never fired during the traversal that just
// completed.
func Diagnostics(tree *Tree) []Warning {
	var out []Warning
	for _, root := range tree.Roots() {
		collectUnmatched(root, &out)
	}
	for _, u := range tree.Ignore.Unmatched() {
		out = append(out, Warning{Line: u.Line, Msg: fmt.Sprintf("ignore expression never matched: %q", u.Source)})
	}
	for _, u := range tree.Summarize.Unmatched() {
		out = append(out, Warning{Line: u.Line, Msg: fmt.Sprintf("summarize expression never matched: %q", u.Source)})
	}
	return out
}

func collectUnmatched(n *Node, out *[]Warning) {
	if !n.Matched {
		kind := "string"
		token := n.Name
		if n.IsRegex() {
			kind = "regex"
			token = n.Regex.String()
		}
		*out = append(*out, Warning{Line: n.LineNr, Msg: fmt.Sprintf("%s never matched a file or directory: %q", kind, token)})
	}
	if n.TypeMismatch {
		kind := "string"
		token := n.Name
		if n.IsRegex() {
			kind = "regex"
			token = n.Regex.String()
		}
		*out = append(*out, Warning{Line: n.LineNr, Msg: fmt.Sprintf(
			"%s matched %q but it is %s, not a directory, even though the config declares subpaths beneath it",
			kind, token, resultTypeName(n.ActualType))})
	}
	for _, c := range n.Children() {
		collectUnmatched(c, out)
	}
}

func resultTypeName(t ResultType) string {
	switch t {
	case ResultRegular:
		return "a regular file"
	case ResultSymlink:
		return "a symlink"
	default:
		return "an unexpected filetype"
	}
}
