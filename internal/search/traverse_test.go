package search

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanobackup/nb/internal/metadata"
)

func TestWalkEmitsParentBeforeChildren(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "files"))
	mustWrite(t, filepath.Join(root, "files", "a.txt"), "hello")

	config := "[copy]\n" + root + "\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var order []string
	err = Walk(tree, func(r Result) error {
		if r.Type != ResultEndOfDir {
			order = append(order, r.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	// The traversal also emits every ancestor component of root itself
	// (t.TempDir() nests several levels deep); only check that root, its
	// "files" subdir, and "a.txt" appear, strictly in that order.
	want := []string{root, filepath.Join(root, "files"), filepath.Join(root, "files", "a.txt")}
	var got []string
	for _, p := range order {
		for _, w := range want {
			if p == w {
				got = append(got, p)
			}
		}
	}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want to find %v among it", order, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWalkSummarizeStopsDescent(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "cache"))
	mustWrite(t, filepath.Join(root, "cache", "ignored.txt"), "x")

	config := "[track]\n" + root + "\nsummarize ^" + filepath.Join(root, "cache") + "$\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var saw []string
	err = Walk(tree, func(r Result) error {
		if r.Type != ResultEndOfDir {
			saw = append(saw, r.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, p := range saw {
		if strings.Contains(p, "ignored.txt") {
			t.Fatalf("expected summarize to stop descent, but saw %q", p)
		}
	}
}

func TestWalkNoneFastPathLstatsOnlyNamedChildren(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "keep"))
	mustWrite(t, filepath.Join(root, "keep", "a.txt"), "hello")
	mustWrite(t, filepath.Join(root, "unrelated.txt"), "should not be visited")

	// The root carries PolicyNone implicitly (structural filler): only
	// "keep" is named, so "unrelated.txt" should never be emitted even
	// though it lives alongside "keep" in the same real directory.
	config := "[copy]\n" + filepath.Join(root, "keep") + "\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var saw []string
	err = Walk(tree, func(r Result) error {
		if r.Type != ResultEndOfDir {
			saw = append(saw, r.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, p := range saw {
		if strings.Contains(p, "unrelated.txt") {
			t.Fatalf("fast path should not have visited unrelated.txt, saw %v", saw)
		}
	}
}

func TestWalkIgnoreSkipsMatchedPath(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "hello")
	mustWrite(t, filepath.Join(root, "b.tmp"), "world")

	config := "[track]\n" + root + "\nignore \\.tmp$\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var saw []string
	err = Walk(tree, func(r Result) error {
		if r.Type != ResultEndOfDir {
			saw = append(saw, r.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, p := range saw {
		if strings.HasSuffix(p, ".tmp") {
			t.Fatalf("expected ignore expression to exclude %q", p)
		}
	}
}

func TestWalkIgnorePolicySkipsSubtreeWithoutTouchingDisk(t *testing.T) {
	root := t.TempDir()
	// "stale" is named in the config under [ignore] but never created on
	// disk; if walkNode lstat'd it, it would yield ResultNonExisting
	// instead of the single ResultIgnored event checked below. root's own
	// node stays implicit PolicyNone (satisfied by "stale"'s own policy),
	// which keeps its intermediate ancestors on the fast path that
	// iterates configured children directly rather than scanning real
	// directory entries.
	config := "[ignore]\n" + filepath.Join(root, "stale") + "\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var saw []Result
	err = Walk(tree, func(r Result) error {
		saw = append(saw, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	var ignoredEvents int
	for _, r := range saw {
		if strings.Contains(r.Path, "stale") {
			if r.Type != ResultIgnored {
				t.Fatalf("expected the ignored path to yield ResultIgnored, got %v", r.Type)
			}
			ignoredEvents++
		}
	}
	if ignoredEvents != 1 {
		t.Fatalf("expected exactly one event for the ignored path, got %d", ignoredEvents)
	}
}

func TestWalkIgnorePolicyNeverDescendsIntoSubtree(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "cache"))
	mustWrite(t, filepath.Join(root, "cache", "a.txt"), "hello")

	config := "[ignore]\n" + filepath.Join(root, "cache") + "\n" +
		"[track]\n" + root + "\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	var saw []string
	err = Walk(tree, func(r Result) error {
		saw = append(saw, r.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, p := range saw {
		if strings.Contains(p, "a.txt") {
			t.Fatalf("expected an Ignore policy to skip its entire subtree, but saw %q", p)
		}
	}
}

func TestEffectivePolicyInheritsFromParent(t *testing.T) {
	parent := &Node{Policy: metadata.PolicyTrack}
	child := &Node{Policy: metadata.PolicyNone}
	if got := EffectivePolicy(child, EffectivePolicy(parent, metadata.PolicyNone)); got != metadata.PolicyTrack {
		t.Fatalf("EffectivePolicy = %v, want Track", got)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
