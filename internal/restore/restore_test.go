package restore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nanobackup/nb/internal/restore"
	"github.com/nanobackup/nb/internal/testfs"
)

func TestRestoreRegularFileAsOfEachBackup(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "version one")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	repo.Backup(1700000000)

	dir.WriteFile("a.txt", "version two, which is long enough to be a real blob")
	_, root := repo.Backup(1700003600)

	store := repo.Store()
	destLatest := t.TempDir()
	result, err := restore.Run(root, store, 0, "", destLatest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FilesRestored == 0 {
		t.Fatalf("expected at least one file restored, got %+v", result)
	}
	got, err := os.ReadFile(filepath.Join(destLatest, dir.Path("a.txt")))
	if err != nil {
		t.Fatalf("ReadFile latest: %v", err)
	}
	if string(got) != "version two, which is long enough to be a real blob" {
		t.Fatalf("latest content = %q", got)
	}

	destOld := t.TempDir()
	if _, err := restore.Run(root, store, 1, "", destOld); err != nil {
		t.Fatalf("Run as of 1: %v", err)
	}
	got, err = os.ReadFile(filepath.Join(destOld, dir.Path("a.txt")))
	if err != nil {
		t.Fatalf("ReadFile old: %v", err)
	}
	if string(got) != "version one" {
		t.Fatalf("as-of-1 content = %q, want %q", got, "version one")
	}
}

func TestRestoreSkipsRemovedPath(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	repo.Backup(1700000000)

	dir.Remove("a.txt")
	_, root := repo.Backup(1700000100)

	store := repo.Store()
	dest := t.TempDir()
	result, err := restore.Run(root, store, 0, "", dest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Skipped == 0 {
		t.Fatalf("expected the removed path to be skipped, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dest, dir.Path("a.txt"))); !os.IsNotExist(err) {
		t.Fatalf("expected no file restored for a removed path, stat err = %v", err)
	}
}

func TestRestorePrefixFiltersOtherPaths(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("keep/a.txt", "keep me")
	dir.WriteFile("skip/b.txt", "skip me")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	_, root := repo.Backup(1700000000)

	store := repo.Store()
	dest := t.TempDir()
	if _, err := restore.Run(root, store, 0, dir.Path("keep"), dest); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, dir.Path("keep/a.txt"))); err != nil {
		t.Fatalf("expected keep/a.txt restored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, dir.Path("skip/b.txt"))); !os.IsNotExist(err) {
		t.Fatalf("expected skip/b.txt excluded by prefix filter, stat err = %v", err)
	}
}

func TestRestoreSymlinkAndDirectory(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.Mkdir("d")
	dir.WriteFile("d/real.txt", "target content")
	dir.Symlink("real.txt", "d/link")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	_, root := repo.Backup(1700000000)

	store := repo.Store()
	dest := t.TempDir()
	result, err := restore.Run(root, store, 0, "", dest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SymlinksRestored == 0 {
		t.Fatalf("expected a symlink restored, got %+v", result)
	}
	if result.DirsRestored == 0 {
		t.Fatalf("expected a directory restored, got %+v", result)
	}

	target, err := os.Readlink(filepath.Join(dest, dir.Path("d/link")))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "real.txt" {
		t.Fatalf("symlink target = %q, want %q", target, "real.txt")
	}

	info, err := os.Stat(filepath.Join(dest, dir.Path("d")))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected restored directory, err=%v", err)
	}
}
