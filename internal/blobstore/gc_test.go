package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanobackup/nb/internal/metadata"
)

func TestGCRemovesUnreferencedBlobsKeepsLive(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	liveContent := strings.Repeat("a", 100)
	liveHash, liveSize, liveSlot, err := s.Store(strings.NewReader(liveContent))
	if err != nil {
		t.Fatalf("store live: %v", err)
	}

	deadContent := strings.Repeat("b", 100)
	deadHash, deadSize, deadSlot, err := s.Store(strings.NewReader(deadContent))
	if err != nil {
		t.Fatalf("store dead: %v", err)
	}
	deadAddr := s.Address(deadHash, deadSize, deadSlot)

	root := metadata.New()
	ref := root.EnsurePath("/a/live.bin")
	root.SetPolicy(ref, metadata.PolicyTrack)
	root.Prepend(ref, metadata.HistoryEntry{
		BackupID: 0,
		State: metadata.State{
			Type: metadata.StateRegular, Size: liveSize, Hash: liveHash, Slot: liveSlot,
		},
	})

	result, err := s.GC(root)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.FilesRemoved != 1 {
		t.Fatalf("FilesRemoved = %d, want 1", result.FilesRemoved)
	}
	if result.BytesFreed != int64(deadSize) {
		t.Fatalf("BytesFreed = %d, want %d", result.BytesFreed, deadSize)
	}

	if _, err := os.Stat(deadAddr); !os.IsNotExist(err) {
		t.Fatalf("expected dead blob removed, stat err = %v", err)
	}
	liveAddr := s.Address(liveHash, liveSize, liveSlot)
	if _, err := os.Stat(liveAddr); err != nil {
		t.Fatalf("expected live blob retained: %v", err)
	}
}

func TestGCRetainsConfigHistoryBlob(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	content := strings.Repeat("c", 100)
	hash, size, slot, err := s.Store(strings.NewReader(content))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	root := metadata.New()
	root.ConfigHistory = []metadata.ConfigEntry{{BackupID: 0, Size: size, Hash: hash, Slot: slot}}

	result, err := s.GC(root)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.FilesRemoved != 0 {
		t.Fatalf("FilesRemoved = %d, want 0", result.FilesRemoved)
	}
	if _, err := os.Stat(s.Address(hash, size, slot)); err != nil {
		t.Fatalf("expected config-history blob retained: %v", err)
	}
}

func TestIsBlobNameIgnoresTmpFile(t *testing.T) {
	if isBlobName("tmp-file") {
		t.Fatal("tmp-file must not be treated as a blob name")
	}
	if !isBlobName("0123456789abcdef0123456789x100x0") {
		t.Fatal("expected well-formed blob name to be recognized")
	}
}

func TestGCIgnoresStrayTmpFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := os.WriteFile(filepath.Join(dir, "tmp-file"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write stray tmp-file: %v", err)
	}

	root := metadata.New()
	if _, err := s.GC(root); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tmp-file")); err != nil {
		t.Fatalf("expected stray tmp-file left alone: %v", err)
	}
}
