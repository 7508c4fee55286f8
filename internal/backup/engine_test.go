package backup_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanobackup/nb/internal/blobstore"
	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/testfs"
)

func TestBackupEmptyStartInlinesSmallFile(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	stats, root := repo.Backup(1700000000)

	if stats.Added == 0 {
		t.Fatalf("expected at least one Added path, got %+v", stats)
	}

	ref, ok := root.PathTable[dir.Path("a.txt")]
	if !ok {
		t.Fatalf("metadata missing %s", dir.Path("a.txt"))
	}
	head, ok := root.Head(metadata.NodeRef(ref))
	if !ok {
		t.Fatal("expected a history entry for a.txt")
	}
	if head.State.Type != metadata.StateRegular || head.State.Size != 5 {
		t.Fatalf("head state = %+v", head.State)
	}
	if !head.State.Inline() {
		t.Fatal("a 5-byte file should be stored inline")
	}

	// The config file itself is longer than InlineLimit here, so its
	// ConfigHistory entry is stored as a blob; no other blob may exist.
	allowed := map[string]bool{
		filepath.Join(repo.Dir, "config"):   true,
		filepath.Join(repo.Dir, "metadata"): true,
	}
	for _, ce := range root.ConfigHistory {
		if ce.Size > blobstore.InlineLimit {
			allowed[repo.Store().Address(ce.Hash, ce.Size, ce.Slot)] = true
		}
	}
	err := filepath.WalkDir(repo.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !allowed[path] {
			t.Fatalf("expected no file-body blobs for an inline-only backup, found %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir: %v", err)
	}
}

func TestBackupBoundaryBlobIsStoredAsRealBlob(t *testing.T) {
	dir := testfs.NewDir(t)
	content := strings.Repeat("z", 21) // one byte past InlineLimit
	dir.WriteFile("big.bin", content)

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	_, root := repo.Backup(1700000000)

	ref, ok := root.PathTable[dir.Path("big.bin")]
	if !ok {
		t.Fatalf("metadata missing big.bin")
	}
	head, ok := root.Head(metadata.NodeRef(ref))
	if !ok {
		t.Fatal("expected a history entry for big.bin")
	}
	if head.State.Inline() {
		t.Fatal("a 21-byte file must not be stored inline")
	}

	store := repo.Store()
	f, err := store.Open(head.State.Hash, head.State.Size, head.State.Slot)
	if err != nil {
		t.Fatalf("Open blob: %v", err)
	}
	defer f.Close()
	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != content {
		t.Fatalf("blob content = %q, want %q", got, content)
	}
}

func TestBackupRemovalUnderMirrorCollapsesHistory(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[mirror]\n"+dir.Root+"\n")
	repo.Backup(1700000000)

	dir.Remove("a.txt")
	_, root := repo.Backup(1700000100)

	if _, ok := root.PathTable[dir.Path("a.txt")]; ok {
		t.Fatal("expected a.txt detached from the tree under Mirror after removal")
	}
}

func TestBackupRemovalUnderTrackRetainsHistory(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	repo.Backup(1700000000)

	dir.Remove("a.txt")
	_, root := repo.Backup(1700000100)

	ref, ok := root.PathTable[dir.Path("a.txt")]
	if !ok {
		t.Fatal("expected a.txt to remain in the tree under Track after removal")
	}
	head, ok := root.Head(metadata.NodeRef(ref))
	if !ok {
		t.Fatal("expected a history entry recording the removal")
	}
	if head.State.Type != metadata.StateNonExisting {
		t.Fatalf("head state type = %v, want NonExisting", head.State.Type)
	}

	history := root.History(metadata.NodeRef(ref))
	if len(history) < 2 {
		t.Fatalf("expected history to retain the prior Regular entry, got %d entries", len(history))
	}
	if history[1].State.Type != metadata.StateRegular {
		t.Fatalf("prior entry type = %v, want Regular", history[1].State.Type)
	}
}

func TestBackupUnchangedFileStaysUnchanged(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	repo.Backup(1700000000)

	stats, root := repo.Backup(1700003600)
	if stats.Unchanged == 0 {
		t.Fatalf("expected at least one Unchanged path, got %+v", stats)
	}

	ref, ok := root.PathTable[dir.Path("a.txt")]
	if !ok {
		t.Fatal("metadata missing a.txt")
	}
	if len(root.History(metadata.NodeRef(ref))) != 1 {
		t.Fatal("expected no new history entry for an unchanged file")
	}
}

func TestBackupNewPathUnderIgnoreIsNeverTracked(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("keep/a.txt", "hello")
	dir.WriteFile("skip/b.txt", "world")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Path("keep")+"\n[ignore]\n"+dir.Path("skip")+"\n")
	_, root := repo.Backup(1700000000)

	if _, ok := root.PathTable[dir.Path("keep/a.txt")]; !ok {
		t.Fatal("expected the tracked path to be recorded")
	}
	if _, ok := root.PathTable[dir.Path("skip/b.txt")]; ok {
		t.Fatal("expected a path under an Ignore policy to never be tracked")
	}
	if _, ok := root.PathTable[dir.Path("skip")]; ok {
		t.Fatal("expected an Ignore policy's own path to never be tracked")
	}
}

func TestBackupPolicyChangedToIgnoreDropsPreviouslyTrackedSubtree(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("watched/a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	_, root := repo.Backup(1700000000)
	if _, ok := root.PathTable[dir.Path("watched/a.txt")]; !ok {
		t.Fatal("expected watched/a.txt tracked after the first backup")
	}

	repo.WriteConfig("[ignore]\n" + dir.Path("watched") + "\n[track]\n" + dir.Root + "\n")
	stats, root := repo.Backup(1700000100)

	if stats.Dropped == 0 {
		t.Fatalf("expected at least one Dropped path, got %+v", stats)
	}
	if _, ok := root.PathTable[dir.Path("watched")]; ok {
		t.Fatal("expected watched/ detached once reconfigured as Ignore")
	}
	if _, ok := root.PathTable[dir.Path("watched/a.txt")]; ok {
		t.Fatal("expected watched/a.txt detached along with its now-ignored parent")
	}
}

func TestBackupRecordsConfigHistory(t *testing.T) {
	dir := testfs.NewDir(t)
	dir.WriteFile("a.txt", "hello")

	repo := testfs.NewRepo(t, "[track]\n"+dir.Root+"\n")
	_, root := repo.Backup(1700000000)

	if len(root.ConfigHistory) != 1 {
		t.Fatalf("ConfigHistory length = %d, want 1", len(root.ConfigHistory))
	}
}
