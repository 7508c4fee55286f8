package metadata

import (
	"bytes"
	"fmt"
	"strings"
)

// Encode serializes r into nb's binary metadata format (spec.md §4.3).
// The caller (Write) is responsible for the atomic-file contract; Encode
// only produces bytes.
func Encode(r *Root) []byte {
	var buf []byte
	buf = putVaruint(buf, uint64(len(r.BackupHistory)))
	for _, bp := range r.BackupHistory {
		buf = putInt64(buf, bp.Timestamp)
	}

	buf = putVaruint(buf, uint64(len(r.ConfigHistory)))
	for _, ce := range r.ConfigHistory {
		buf = putVaruint(buf, uint64(ce.BackupID))
		buf = putVaruint(buf, ce.Size)
		buf = appendHashSlot(buf, ce.Size, ce.Hash, ce.Slot)
	}

	buf = putVaruint(buf, uint64(r.TotalPathCount))
	buf = encodePathList(buf, r, r.topLevel)
	return buf
}

func appendHashSlot(buf []byte, size uint64, hash [inlineHashLimit]byte, slot uint8) []byte {
	if size > inlineHashLimit {
		buf = append(buf, hash[:]...)
		buf = append(buf, slot)
		return buf
	}
	return append(buf, hash[:size]...)
}

func encodePathList(buf []byte, r *Root, refs []int32) []byte {
	buf = putVaruint(buf, uint64(len(refs)))
	for _, idx := range refs {
		buf = encodePathNode(buf, r, NodeRef(idx))
	}
	return buf
}

func encodePathNode(buf []byte, r *Root, ref NodeRef) []byte {
	n := &r.nodes[ref]
	buf = putVaruint(buf, uint64(len(n.Name)))
	buf = append(buf, n.Name...)
	buf = append(buf, byte(n.Policy))
	buf = putVaruint(buf, uint64(len(n.History)))
	for _, he := range n.History {
		buf = encodeHistoryEntry(buf, he)
	}
	buf = encodePathList(buf, r, n.Children)
	return buf
}

func encodeHistoryEntry(buf []byte, he HistoryEntry) []byte {
	buf = putVaruint(buf, uint64(he.BackupID))
	buf = append(buf, byte(he.State.Type))
	s := he.State
	switch s.Type {
	case StateNonExisting:
	case StateRegular:
		buf = putVaruint(buf, s.UID)
		buf = putVaruint(buf, s.GID)
		buf = putInt64(buf, s.Mtime)
		buf = append(buf, byte(s.Mode), byte(s.Mode>>8))
		buf = putVaruint(buf, s.Size)
		buf = appendHashSlot(buf, s.Size, s.Hash, s.Slot)
	case StateSymlink:
		buf = putVaruint(buf, s.UID)
		buf = putVaruint(buf, s.GID)
		buf = putInt64(buf, s.Mtime)
		buf = putVaruint(buf, uint64(len(s.Target)))
		buf = append(buf, s.Target...)
	case StateDirectory:
		buf = putVaruint(buf, s.UID)
		buf = putVaruint(buf, s.GID)
		buf = putInt64(buf, s.Mtime)
		buf = append(buf, byte(s.Mode), byte(s.Mode>>8))
	}
	return buf
}

// Decode parses data into a fresh Root, enforcing every validation rule
// spec.md §4.3 names. Path components (and thus PathTable/node.Path) are
// resolved top-down as the tree is walked, since the wire format only
// carries each node's bare name.
func Decode(data []byte) (*Root, error) {
	c := newCursor(data)
	r := New()

	bhLen, err := c.varuint()
	if err != nil {
		return nil, err
	}
	r.BackupHistory = make([]BackupPoint, bhLen)
	for i := range r.BackupHistory {
		ts, err := c.int64()
		if err != nil {
			return nil, err
		}
		r.BackupHistory[i].Timestamp = ts
	}

	chLen, err := c.varuint()
	if err != nil {
		return nil, err
	}
	r.ConfigHistory = make([]ConfigEntry, chLen)
	for i := range r.ConfigHistory {
		bid, err := c.varuint()
		if err != nil {
			return nil, err
		}
		if bid >= bhLen {
			return nil, fmt.Errorf("backup id is out of range")
		}
		size, err := c.varuint()
		if err != nil {
			return nil, err
		}
		hash, slot, err := decodeHashSlot(c, size)
		if err != nil {
			return nil, err
		}
		r.ConfigHistory[i] = ConfigEntry{BackupID: int(bid), Size: size, Hash: hash, Slot: slot}
	}

	totalPathCount, err := c.varuint()
	if err != nil {
		return nil, err
	}

	top, err := decodePathList(c, r, "", bhLen)
	if err != nil {
		return nil, err
	}
	r.topLevel = top

	if !c.atEOF() {
		return nil, errTrailingBytes(c.remaining())
	}
	if int(totalPathCount) != r.TotalPathCount {
		return nil, fmt.Errorf("unneeded trailing bytes")
	}

	return r, nil
}

func decodeHashSlot(c *cursor, size uint64) (hash [inlineHashLimit]byte, slot uint8, err error) {
	if size > inlineHashLimit {
		b, err := c.take(inlineHashLimit)
		if err != nil {
			return hash, 0, err
		}
		copy(hash[:], b)
		s, err := c.byte()
		if err != nil {
			return hash, 0, err
		}
		return hash, s, nil
	}
	b, err := c.take(int(size))
	if err != nil {
		return hash, 0, err
	}
	copy(hash[:], b)
	return hash, 0, nil
}

func decodePathList(c *cursor, r *Root, parentPath string, bhLen uint64) ([]int32, error) {
	count, err := c.varuint()
	if err != nil {
		return nil, err
	}
	refs := make([]int32, 0, count)
	var parent NodeRef = NoNode
	if parentPath != "" {
		parent = NodeRef(r.PathTable[parentPath])
	}
	for i := uint64(0); i < count; i++ {
		ref, err := decodePathNode(c, r, parentPath, parent, bhLen)
		if err != nil {
			return nil, err
		}
		refs = append(refs, int32(ref))
	}
	return refs, nil
}

func decodePathNode(c *cursor, r *Root, parentPath string, parent NodeRef, bhLen uint64) (NodeRef, error) {
	nameLen, err := c.varuint()
	if err != nil {
		return NoNode, err
	}
	if nameLen == 0 {
		return NoNode, fmt.Errorf("filename with length zero")
	}
	nameBytes, err := c.take(int(nameLen))
	if err != nil {
		return NoNode, err
	}
	name := string(nameBytes)
	if bytes.IndexByte(nameBytes, 0) >= 0 {
		return NoNode, fmt.Errorf("filename with null-bytes")
	}
	if strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return NoNode, fmt.Errorf("invalid filename")
	}

	policyByte, err := c.byte()
	if err != nil {
		return NoNode, err
	}

	p := int32(NoNode)
	if parent != NoNode {
		p = int32(parent)
	}
	path := "/" + name
	if parentPath != "" {
		path = parentPath + "/" + name
	}
	ref := r.addRawNode(node{Name: name, Parent: p, Policy: Policy(policyByte)})
	r.registerPath(ref, path)
	if parent == NoNode {
		r.addTopLevel(ref)
	} else {
		r.linkChild(parent, ref)
	}

	historyLen, err := c.varuint()
	if err != nil {
		return NoNode, err
	}
	history := make([]HistoryEntry, historyLen)
	for i := range history {
		he, err := decodeHistoryEntry(c, bhLen)
		if err != nil {
			return NoNode, err
		}
		history[i] = he
	}
	r.nodes[ref].History = history

	children, err := decodePathList(c, r, path, bhLen)
	if err != nil {
		return NoNode, err
	}
	r.nodes[ref].Children = children

	return ref, nil
}

func decodeHistoryEntry(c *cursor, bhLen uint64) (HistoryEntry, error) {
	bid, err := c.varuint()
	if err != nil {
		return HistoryEntry{}, err
	}
	if bid >= bhLen {
		return HistoryEntry{}, fmt.Errorf("backup id is out of range")
	}
	typeByte, err := c.byte()
	if err != nil {
		return HistoryEntry{}, err
	}

	var s State
	s.Type = StateType(typeByte)
	switch s.Type {
	case StateNonExisting:
	case StateRegular:
		if err := decodeOwnerAndTime(c, &s); err != nil {
			return HistoryEntry{}, err
		}
		mode, err := c.take(2)
		if err != nil {
			return HistoryEntry{}, err
		}
		s.Mode = uint16(mode[0]) | uint16(mode[1])<<8
		size, err := c.varuint()
		if err != nil {
			return HistoryEntry{}, err
		}
		s.Size = size
		hash, slot, err := decodeHashSlot(c, size)
		if err != nil {
			return HistoryEntry{}, err
		}
		s.Hash, s.Slot = hash, slot
	case StateSymlink:
		if err := decodeOwnerAndTime(c, &s); err != nil {
			return HistoryEntry{}, err
		}
		targetLen, err := c.varuint()
		if err != nil {
			return HistoryEntry{}, err
		}
		target, err := c.take(int(targetLen))
		if err != nil {
			return HistoryEntry{}, err
		}
		s.Target = string(target)
	case StateDirectory:
		if err := decodeOwnerAndTime(c, &s); err != nil {
			return HistoryEntry{}, err
		}
		mode, err := c.take(2)
		if err != nil {
			return HistoryEntry{}, err
		}
		s.Mode = uint16(mode[0]) | uint16(mode[1])<<8
	default:
		return HistoryEntry{}, fmt.Errorf("invalid path state type")
	}

	return HistoryEntry{BackupID: int(bid), State: s}, nil
}

func decodeOwnerAndTime(c *cursor, s *State) error {
	uid, err := c.varuint()
	if err != nil {
		return err
	}
	gid, err := c.varuint()
	if err != nil {
		return err
	}
	mtime, err := c.int64()
	if err != nil {
		return err
	}
	s.UID, s.GID, s.Mtime = uid, gid, mtime
	return nil
}
