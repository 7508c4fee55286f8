// Package restore implements nb's `nb <repo> <backup-id> [<path>]`
// surface. spec.md names the restore driver as an out-of-scope external
// collaborator, so this package stays deliberately thin: resolve each
// tracked path's state as of a given backup id and recreate it under a
// destination directory.
package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanobackup/nb/internal/blobstore"
	"github.com/nanobackup/nb/internal/metadata"
)

// Result tallies what Run did, for the CLI's summary line.
type Result struct {
	FilesRestored, SymlinksRestored, DirsRestored, Skipped int
}

// Run restores every tracked path at or below prefix (or the whole
// tree, if prefix is empty) as it stood at backupID, writing the
// result under destDir using each path's original absolute path
// joined onto destDir.
func Run(root *metadata.Root, store *blobstore.Store, backupID int, prefix, destDir string) (Result, error) {
	var result Result
	var walkErr error

	root.Walk(func(ref metadata.NodeRef) {
		if walkErr != nil {
			return
		}
		path := root.Path(ref)
		if prefix != "" && path != prefix && !strings.HasPrefix(path, prefix+"/") {
			return
		}

		entry, ok := stateAsOf(root, ref, backupID)
		if !ok || entry.Type == metadata.StateNonExisting {
			result.Skipped++
			return
		}

		dest := filepath.Join(destDir, path)
		if err := restoreOne(store, dest, entry); err != nil {
			walkErr = fmt.Errorf("%s: %w", path, err)
			return
		}

		switch entry.Type {
		case metadata.StateRegular:
			result.FilesRestored++
		case metadata.StateSymlink:
			result.SymlinksRestored++
		case metadata.StateDirectory:
			result.DirsRestored++
		}
	})

	if walkErr != nil {
		return Result{}, walkErr
	}
	return result, nil
}

// stateAsOf returns the state a node held at backupID: the newest
// history entry whose BackupID is >= backupID, i.e. not newer than that
// backup point (history is stored newest-first, and BackupID 0 is the
// most recent backup point per spec.md §3.1's "newest = 0").
func stateAsOf(root *metadata.Root, ref metadata.NodeRef, backupID int) (metadata.State, bool) {
	for _, e := range root.History(ref) {
		if e.BackupID >= backupID {
			return e.State, true
		}
	}
	return metadata.State{}, false
}

func restoreOne(store *blobstore.Store, dest string, state metadata.State) error {
	switch state.Type {
	case metadata.StateDirectory:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return os.Chmod(dest, os.FileMode(state.Mode))

	case metadata.StateSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		_ = os.Remove(dest)
		return os.Symlink(state.Target, dest)

	case metadata.StateRegular:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return writeRegular(store, dest, state)

	default:
		return nil
	}
}

func writeRegular(store *blobstore.Store, dest string, state metadata.State) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(state.Mode))
	if err != nil {
		return err
	}
	defer out.Close()

	if state.Inline() {
		_, err := out.Write(state.Hash[:state.Size])
		return err
	}

	in, err := store.Open(state.Hash, state.Size, state.Slot)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(out, in)
	return err
}
