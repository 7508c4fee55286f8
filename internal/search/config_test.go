package search

import (
	"strings"
	"testing"

	"github.com/nanobackup/nb/internal/metadata"
)

func TestParseConfigBasic(t *testing.T) {
	config := "[copy]\n/tmp/files\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	roots := tree.Roots()
	if len(roots) != 1 || roots[0].Name != "tmp" {
		t.Fatalf("roots = %+v", roots)
	}
	files := roots[0].matchChild("files")
	if files == nil {
		t.Fatal("expected a \"files\" child of \"tmp\"")
	}
	if files.Policy != metadata.PolicyCopy {
		t.Fatalf("policy = %v, want Copy", files.Policy)
	}
}

func TestParseConfigStripsBOMAndCRLF(t *testing.T) {
	config := "\xEF\xBB\xBF[mirror]\r\n/data\r\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(tree.Roots()) != 1 || tree.Roots()[0].Name != "data" {
		t.Fatalf("roots = %+v", tree.Roots())
	}
}

func TestParseConfigIgnoreAndSummarize(t *testing.T) {
	config := "[track]\n/data\nignore \\.tmp$\nsummarize ^/data/cache$\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !tree.Ignore.match("foo.tmp") {
		t.Fatal("expected ignore expression to match foo.tmp")
	}
	if !tree.Summarize.match("/data/cache") {
		t.Fatal("expected summarize expression to match /data/cache")
	}
}

func TestParseConfigRegexComponent(t *testing.T) {
	config := "[track]\n/data/{[a-z]+\\.log}\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	data := tree.Roots()[0]
	child := data.matchChild("access.log")
	if child == nil {
		t.Fatal("expected regex child to match \"access.log\"")
	}
	if data.matchChild("ACCESS") != nil {
		t.Fatal("regex child should not match non-conforming names")
	}
}

func TestParseConfigRejectsPathBeforePolicy(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("/tmp/files\n"))
	if err == nil {
		t.Fatal("expected error for path before any [policy] header")
	}
}

func TestParseConfigRejectsRedefinedPolicy(t *testing.T) {
	config := "[copy]\n/data\n[mirror]\n/data\n"
	_, err := ParseConfig(strings.NewReader(config))
	if err == nil {
		t.Fatal("expected error for redefining a path's policy")
	}
}

func TestParseConfigRejectsDotElement(t *testing.T) {
	config := "[copy]\n/data/../etc\n"
	_, err := ParseConfig(strings.NewReader(config))
	if err == nil {
		t.Fatal("expected error for '..' path element")
	}
}

func TestParseConfigRejectsUnknownPolicy(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("[bogus]\n/data\n"))
	if err == nil {
		t.Fatal("expected error for unknown policy header")
	}
}

func TestParseConfigCommentsAndBlankLines(t *testing.T) {
	config := "# a comment\n\n[copy]\n# another\n/data\n"
	tree, err := ParseConfig(strings.NewReader(config))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(tree.Roots()) != 1 {
		t.Fatalf("roots = %+v", tree.Roots())
	}
}

func TestParseConfigRejectsNoPolicyAncestor(t *testing.T) {
	// A [none] node with no descendant carrying a real policy is invalid.
	config := "[none]\n/data\n"
	_, err := ParseConfig(strings.NewReader(config))
	if err == nil {
		t.Fatal("expected validation error for a policy-less leaf")
	}
}
