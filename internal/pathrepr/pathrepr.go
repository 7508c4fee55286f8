// Package pathrepr implements the borrowed/owned path-string abstraction
// nb uses everywhere a filesystem path crosses a component boundary.
//
// A Repr carries its bytes plus a flag recording whether the byte
// immediately past its logical length is already a NUL terminator. Values
// read out of a terminated buffer (e.g. a path assembled for a syscall) can
// be reused as a C string without copying; values built by concatenation
// cannot and must be copied once, lazily, the first time a terminator is
// actually needed.
package pathrepr

import "strings"

// Repr is a path string together with a terminated flag.
type Repr struct {
	data       []byte
	terminated bool
}

// New wraps s as a non-terminated path (the common case: any Go string
// built by concatenation or read from os.FileInfo.Name, etc).
func New(s string) Repr {
	return Repr{data: []byte(s)}
}

// NewTerminated wraps data as a path whose byte at data[len(data)] is
// already NUL. Callers assert this; it is not verified.
func NewTerminated(data []byte) Repr {
	return Repr{data: data, terminated: true}
}

// String returns the path as a Go string.
func (r Repr) String() string { return string(r.data) }

// Len returns the path's length in bytes.
func (r Repr) Len() int { return len(r.data) }

// Equal reports whether two Reprs hold identical bytes (memcmp on
// length+bytes; the terminated flag is not part of identity).
func (r Repr) Equal(other Repr) bool {
	return string(r.data) == string(other.data)
}

// CBytes returns the path's bytes followed by a NUL terminator. If r is
// already terminated and its backing array has room, the existing byte
// past the logical length is reused; otherwise the bytes are copied once
// into a fresh, terminated buffer.
func (r Repr) CBytes() []byte {
	if r.terminated && cap(r.data) > len(r.data) {
		return r.data[:len(r.data)+1]
	}
	buf := make([]byte, len(r.data)+1)
	copy(buf, r.data)
	return buf
}

// IsBlank reports whether s is empty or contains only whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// IsDotElement reports whether s is "." or "..".
func IsDotElement(s string) bool {
	return s == "." || s == ".."
}

// HasDotElement reports whether any '/'-delimited component of path is
// "." or "..".
func HasDotElement(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if IsDotElement(part) {
			return true
		}
	}
	return false
}

// Split splits path at its last maximal run of '/' characters. The run's
// leading slash becomes the separator consumed by the split; any
// remaining slashes in the run stay attached to tail. This means runs of
// '/' are not otherwise collapsed: splitting "/home/foo///bar" yields
// head "/home/foo" and tail "//bar" (one of the three slashes was the
// separator; the other two remain part of tail).
//
// ok is false if path contains no '/' at all, in which case head is ""
// and tail is path unchanged.
func Split(path string) (head, tail string, ok bool) {
	end := strings.LastIndexByte(path, '/')
	if end < 0 {
		return "", path, false
	}
	start := end
	for start > 0 && path[start-1] == '/' {
		start--
	}
	return path[:start], path[start+1:], true
}

// Join appends child to parent, inserting exactly one '/' between them.
// Slashes already present at the end of parent or the start of child are
// kept as they are.
func Join(parent, child string) string {
	return parent + "/" + child
}

// TrimTrailingSlash removes any trailing '/' characters from path.
func TrimTrailingSlash(path string) string {
	return strings.TrimRight(path, "/")
}

// IsParentOf reports whether parent is a path prefix of path followed by
// a '/' (i.e. parent is path's direct or indirect ancestor directory,
// not merely a string prefix).
func IsParentOf(parent, path string) bool {
	if len(path) <= len(parent) || !strings.HasPrefix(path, parent) {
		return false
	}
	return path[len(parent)] == '/'
}
