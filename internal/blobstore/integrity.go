package blobstore

import (
	"crypto/sha1"
	"io"
	"strconv"

	"github.com/nanobackup/nb/internal/metadata"
	"github.com/nanobackup/nb/internal/progress"
)

// Check walks every regular history state with size > InlineLimit,
// re-hashes the corresponding blob, and reports the full path of any
// node whose stored state fails to verify. A path node is reported at
// most once even if multiple of its history entries are corrupt
// (spec.md §4.4).
func (s *Store) Check(root *metadata.Root, showProgress bool) []string {
	var bad []string
	var checked, total int64
	root.Walk(func(ref metadata.NodeRef) { total++ })

	bar := progress.New(showProgress, total)
	bar.Describe(checkStatus{checked, total})

	root.Walk(func(ref metadata.NodeRef) {
		checked++
		bar.Set(uint64(checked))
		failed := false
		for _, he := range root.History(ref) {
			st := he.State
			if st.Type != metadata.StateRegular || st.Inline() {
				continue
			}
			if !s.verifyOne(st) {
				failed = true
			}
		}
		if failed {
			bad = append(bad, root.Path(ref))
		}
	})
	bar.Finish(checkStatus{checked, total})
	return bad
}

type checkStatus struct{ checked, total int64 }

func (c checkStatus) String() string {
	return "checked " + strconv.FormatInt(c.checked, 10) + "/" + strconv.FormatInt(c.total, 10) + " path nodes"
}

func (s *Store) verifyOne(st metadata.State) bool {
	f, err := s.Open(st.Hash, st.Size, st.Slot)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return false
	}
	if uint64(n) != st.Size {
		return false
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum == st.Hash
}
