// Package testfs provides test infrastructure for building a scratch
// repository and filesystem tree under t.TempDir() and driving one
// backup cycle over it, for use by package tests throughout the
// module.
package testfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanobackup/nb/internal/backup"
	"github.com/nanobackup/nb/internal/blobstore"
	"github.com/nanobackup/nb/internal/hashcache"
	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/search"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// Dir wraps a temporary directory tree with small builder helpers.
type Dir struct {
	t    *testing.T
	Root string
}

// NewDir creates a fresh temporary directory.
func NewDir(t *testing.T) *Dir {
	t.Helper()
	return &Dir{t: t, Root: t.TempDir()}
}

// Path joins rel onto the directory's root.
func (d *Dir) Path(rel string) string {
	return filepath.Join(d.Root, rel)
}

// WriteFile creates rel (and its parent directories) with content.
func (d *Dir) WriteFile(rel, content string) string {
	d.t.Helper()
	path := d.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		d.t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

// Mkdir creates rel as a directory.
func (d *Dir) Mkdir(rel string) string {
	d.t.Helper()
	path := d.Path(rel)
	if err := os.MkdirAll(path, 0o755); err != nil {
		d.t.Fatalf("mkdir %s: %v", rel, err)
	}
	return path
}

// Symlink creates a symlink at rel pointing to target.
func (d *Dir) Symlink(target, rel string) string {
	d.t.Helper()
	path := d.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.t.Fatalf("mkdir for symlink %s: %v", rel, err)
	}
	if err := os.Symlink(target, path); err != nil {
		d.t.Fatalf("symlink %s: %v", rel, err)
	}
	return path
}

// Remove removes rel.
func (d *Dir) Remove(rel string) {
	d.t.Helper()
	if err := os.RemoveAll(d.Path(rel)); err != nil {
		d.t.Fatalf("remove %s: %v", rel, err)
	}
}

// Chtimes sets rel's mtime.
func (d *Dir) Chtimes(rel string, mtime int64) {
	d.t.Helper()
	t := unixTime(mtime)
	if err := os.Chtimes(d.Path(rel), t, t); err != nil {
		d.t.Fatalf("chtimes %s: %v", rel, err)
	}
}

// Repo wraps a scratch repository directory: a config file, a
// metadata file, and a blob store all rooted at the same directory
// (spec.md §6's CLI repository layout).
type Repo struct {
	t    *testing.T
	Dir  string
	conf string
}

// NewRepo creates a repository directory containing a config file with
// the given content.
func NewRepo(t *testing.T, config string) *Repo {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "config")
	if err := os.WriteFile(confPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &Repo{t: t, Dir: dir, conf: confPath}
}

func (r *Repo) metadataPath() string { return filepath.Join(r.Dir, "metadata") }

// WriteConfig overwrites the repository's config file.
func (r *Repo) WriteConfig(config string) {
	r.t.Helper()
	if err := os.WriteFile(r.conf, []byte(config), 0o644); err != nil {
		r.t.Fatalf("write config: %v", err)
	}
}

// Load reads the repository's current metadata (a fresh, empty Root on
// first call).
func (r *Repo) Load() *metadata.Root {
	r.t.Helper()
	root, err := metadata.LoadFile(r.metadataPath())
	if err != nil {
		r.t.Fatalf("load metadata: %v", err)
	}
	return root
}

// Store returns a BlobStore rooted at the repository directory.
func (r *Repo) Store() *blobstore.Store {
	return blobstore.New(r.Dir)
}

// Backup parses the repository's current config, loads its metadata,
// runs one BackupEngine cycle at timestamp, writes the result back, and
// returns the resulting Stats and the freshly-loaded Root so the test
// can inspect it before the next backup.
func (r *Repo) Backup(timestamp int64) (backup.Stats, *metadata.Root) {
	r.t.Helper()

	f, err := os.Open(r.conf)
	if err != nil {
		r.t.Fatalf("open config: %v", err)
	}
	tree, err := search.ParseConfig(f)
	f.Close()
	if err != nil {
		r.t.Fatalf("parse config: %v", err)
	}

	root := r.Load()
	store := r.Store()
	cache, err := hashcache.Open("")
	if err != nil {
		r.t.Fatalf("open hash cache: %v", err)
	}
	defer func() { _ = cache.Close() }()

	engine := backup.New(root, store, cache)
	stats, err := engine.Run(tree, timestamp, r.conf)
	if err != nil {
		r.t.Fatalf("run backup: %v", err)
	}

	if err := root.Write(r.metadataPath()); err != nil {
		r.t.Fatalf("write metadata: %v", err)
	}

	return stats, r.Load()
}
