// Package hashcache provides a self-cleaning, persistent (path, size,
// ino, mtime) → sha1 cache so BackupEngine can skip re-hashing files
// whose identity hasn't changed since the last backup.
package hashcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketName = "hashes"
	hashSize   = 20 // sha1.Size
)

// Cache wraps a self-cleaning BoltDB pair: an existing (read-only)
// database and a fresh (write-only) one. Only entries actually looked
// up or stored during a run survive into the next generation, so the
// cache never accumulates stale keys for files that no longer exist.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading and creates a fresh
// one for writing. An empty path disables the cache entirely (every
// Lookup misses, every Store is a no-op).
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create hashcache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new hashcache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and, if the write database closed
// cleanly, atomically replaces the old cache file with the new one.
func (c *Cache) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(c.path+".new", c.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const keyVersion byte = 1

// Key identifies the filesystem object a hash was computed for. Any
// field changing invalidates the cached hash.
type Key struct {
	Path  string
	Size  uint64
	Ino   uint64
	Mtime int64
}

func makeKey(k Key) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(k.Path)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, k.Size)
	_ = binary.Write(buf, binary.BigEndian, k.Ino)
	_ = binary.Write(buf, binary.BigEndian, k.Mtime)
	return buf.Bytes()
}

// Lookup returns the cached sha1 for k, or ok=false on a miss. A hit is
// copied into the write database (self-cleaning).
func (c *Cache) Lookup(k Key) (hash [hashSize]byte, ok bool) {
	if !c.enabled || c.readDB == nil {
		return hash, false
	}

	key := makeKey(k)
	var found []byte
	_ = c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if data := b.Get(key); len(data) == hashSize {
			found = append([]byte(nil), data...)
		}
		return nil
	})
	if found == nil {
		return hash, false
	}
	copy(hash[:], found)
	c.Store(k, hash)
	return hash, true
}

// Store records hash for k in the write database.
func (c *Cache) Store(k Key, hash [hashSize]byte) {
	if !c.enabled || c.writeDB == nil {
		return
	}
	_ = c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(k), hash[:])
	})
}
