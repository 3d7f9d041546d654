// Package store persists the blocks written by the page cache.
// Blocks are addressed by the inode number of their object and
// their page index.
package store

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrNoSuchKey is returned by Get when no block was written yet.
	ErrNoSuchKey = errors.New("no such block")
)

// Batch collects modifications that are applied at once on Flush.
type Batch interface {
	// Put sets the block at (ino, index) to `data`.
	Put(ino, index uint64, data []byte)

	// Delete removes the block at (ino, index).
	Delete(ino, index uint64)

	// Len is the number of operations in the batch.
	Len() int

	// Flush applies all operations.
	Flush() error

	// Rollback forgets all operations.
	Rollback()
}

// Store is a persistent block store.
type Store interface {
	// Get returns the block at (ino, index) or ErrNoSuchKey.
	Get(ino, index uint64) ([]byte, error)

	// Batch starts a new batch. Batches are independent of each other.
	Batch() Batch

	// DeleteRange removes all blocks of `ino` in [from, to).
	DeleteRange(ino, from, to uint64) error

	// Close releases all resources. The store is unusable afterwards.
	Close() error
}

const keySize = 16

// blockKey encodes (ino, index) so that keys sort by ino, then index.
func blockKey(ino, index uint64) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[:8], ino)
	binary.BigEndian.PutUint64(key[8:], index)
	return key
}

func parseBlockKey(key []byte) (ino, index uint64, ok bool) {
	if len(key) != keySize {
		return 0, 0, false
	}

	return binary.BigEndian.Uint64(key[:8]), binary.BigEndian.Uint64(key[8:]), true
}

// Open returns the store selected by `backend` ("memory" or "badger").
func Open(backend, path string) (Store, error) {
	switch backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(path)
	default:
		return nil, errors.New("unknown store backend: " + backend)
	}
}
