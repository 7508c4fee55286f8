// Package blobstore implements nb's content-addressed blob repository:
// storage, collision-slot resolution, atomic writes, integrity checking,
// and garbage collection (spec.md §4.4).
package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// InlineLimit is the largest file size stored inline in metadata rather
// than in the blob repository.
const InlineLimit = 20

// Store is a content-addressed blob repository rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store { return &Store{Dir: dir} }

// Address returns the on-disk path for blob (hash, size, slot):
// <repo>/<hex[0]>/<hex[1..3]>/<hex[3..40]>x<size>x<slot> (spec.md §4.4).
func (s *Store) Address(hash [sha1.Size]byte, size uint64, slot uint8) string {
	h := hex.EncodeToString(hash[:])
	return filepath.Join(s.Dir, h[0:1], h[1:3], fmt.Sprintf("%sx%dx%d", h[3:40], size, slot))
}

// Store writes the bytes read from r into the repository, returning the
// content hash, size, and the resolved collision slot. Callers must only
// call Store for bodies larger than InlineLimit; smaller bodies are kept
// inline in metadata and never reach the blob store.
func (s *Store) Store(r io.Reader) (hash [sha1.Size]byte, size uint64, slot uint8, err error) {
	tmpPath := filepath.Join(s.Dir, "tmp-file")
	h := sha1.New()
	n, err := s.writeTemp(tmpPath, io.TeeReader(r, h))
	if err != nil {
		return hash, 0, 0, err
	}
	copy(hash[:], h.Sum(nil))
	size = uint64(n)

	for {
		addr := s.Address(hash, size, slot)
		existing, err := os.Open(addr)
		if os.IsNotExist(err) {
			if err := s.finalize(tmpPath, addr); err != nil {
				return hash, 0, 0, err
			}
			return hash, size, slot, nil
		}
		if err != nil {
			return hash, 0, 0, err
		}
		same, cmpErr := sameContents(existing, tmpPath)
		existing.Close()
		if cmpErr != nil {
			return hash, 0, 0, cmpErr
		}
		if same {
			os.Remove(tmpPath)
			return hash, size, slot, nil
		}
		slot++
	}
}

func (s *Store) writeTemp(tmpPath string, r io.Reader) (int64, error) {
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

func (s *Store) finalize(tmpPath, addr string) error {
	if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, addr); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(addr))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func sameContents(existing *os.File, tmpPath string) (bool, error) {
	tmp, err := os.Open(tmpPath)
	if err != nil {
		return false, err
	}
	defer tmp.Close()

	const bufSize = 64 * 1024
	var be, bt [bufSize]byte
	for {
		ne, ee := existing.Read(be[:])
		nt, et := tmp.Read(bt[:])
		if ne != nt || string(be[:ne]) != string(bt[:nt]) {
			return false, nil
		}
		if ee == io.EOF && et == io.EOF {
			return true, nil
		}
		if ee != nil && ee != io.EOF {
			return false, ee
		}
		if et != nil && et != io.EOF {
			return false, et
		}
		if ee == io.EOF || et == io.EOF {
			return ee == et, nil
		}
	}
}

// Open opens the blob at (hash, size, slot) for reading.
func (s *Store) Open(hash [sha1.Size]byte, size uint64, slot uint8) (*os.File, error) {
	return os.Open(s.Address(hash, size, slot))
}
