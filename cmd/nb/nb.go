package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nanobackup/nb/internal/backup"
	"github.com/nanobackup/nb/internal/blobstore"
	"github.com/nanobackup/nb/internal/hashcache"
	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/restore"
	"github.com/nanobackup/nb/internal/search"
)

func nowUnix() int64 { return time.Now().Unix() }

var hashCacheFile string

// dispatch implements nb's positional CLI surface: `nb <repo>` backs
// up, `nb <repo> gc` garbage-collects, `nb <repo> <backup-id>
// [<path>]` restores (spec.md §6).
func dispatch(args []string) error {
	repo := args[0]
	if err := validateRepo(repo); err != nil {
		return err
	}

	switch {
	case len(args) == 1:
		return runBackup(repo)
	case args[1] == "gc":
		return runGC(repo)
	default:
		backupID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%q is neither \"gc\" nor a backup id", args[1])
		}
		var prefix string
		if len(args) == 3 {
			prefix = args[2]
		}
		return runRestore(repo, backupID, prefix)
	}
}

func validateRepo(repo string) error {
	info, err := os.Stat(repo)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", repo)
	}
	if _, err := os.Stat(configPath(repo)); err != nil {
		return fmt.Errorf("%s: missing config file", repo)
	}
	return nil
}

func configPath(repo string) string   { return filepath.Join(repo, "config") }
func metadataPath(repo string) string { return filepath.Join(repo, "metadata") }

func runBackup(repo string) error {
	f, err := os.Open(configPath(repo))
	if err != nil {
		return err
	}
	tree, err := search.ParseConfig(f)
	f.Close()
	if err != nil {
		return err
	}

	meta, err := metadata.LoadFile(metadataPath(repo))
	if err != nil {
		return err
	}

	store := blobstore.New(repo)

	cache, err := hashcache.Open(hashCacheFile)
	if err != nil {
		return fmt.Errorf("open hash cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	engine := backup.New(meta, store, cache)
	stats, err := engine.Run(tree, nowUnix(), configPath(repo))
	if err != nil {
		return err
	}

	for _, w := range search.Diagnostics(tree) {
		fmt.Fprintln(os.Stderr, "nb: warning:", w.String())
	}

	if err := meta.Write(metadataPath(repo)); err != nil {
		return err
	}

	fmt.Printf("added %d, changed %d, removed %d, unchanged %d, dropped %d\n",
		stats.Added, stats.Changed, stats.Removed, stats.Unchanged, stats.Dropped)
	return nil
}

func runGC(repo string) error {
	meta, err := metadata.LoadFile(metadataPath(repo))
	if err != nil {
		return err
	}
	store := blobstore.New(repo)

	result, err := store.GC(meta)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d files, freed %d bytes\n", result.FilesRemoved, result.BytesFreed)
	return nil
}

func runRestore(repo string, backupID int, prefix string) error {
	meta, err := metadata.LoadFile(metadataPath(repo))
	if err != nil {
		return err
	}
	store := blobstore.New(repo)

	dest, err := os.Getwd()
	if err != nil {
		return err
	}

	result, err := restore.Run(meta, store, backupID, prefix, dest)
	if err != nil {
		return err
	}
	fmt.Printf("restored %d files, %d symlinks, %d directories, skipped %d\n",
		result.FilesRestored, result.SymlinksRestored, result.DirsRestored, result.Skipped)
	return nil
}
