package store

import (
	"sync"

	"github.com/google/btree"
)

type block struct {
	ino   uint64
	index uint64
	data  []byte
}

func (b *block) Less(than btree.Item) bool {
	o := than.(*block)
	if b.ino != o.ino {
		return b.ino < o.ino
	}

	return b.index < o.index
}

// MemoryStore keeps all blocks in memory. Useful for tests and benchmarks.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: btree.New(32)}
}

// Get is part of the Store interface.
func (ms *MemoryStore) Get(ino, index uint64) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	item := ms.tree.Get(&block{ino: ino, index: index})
	if item == nil {
		return nil, ErrNoSuchKey
	}

	return append([]byte{}, item.(*block).data...), nil
}

// Len returns the number of stored blocks.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	return ms.tree.Len()
}

// DeleteRange is part of the Store interface.
func (ms *MemoryStore) DeleteRange(ino, from, to uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	doomed := []btree.Item{}
	ms.tree.AscendRange(
		&block{ino: ino, index: from},
		&block{ino: ino, index: to},
		func(item btree.Item) bool {
			doomed = append(doomed, item)
			return true
		},
	)

	for _, item := range doomed {
		ms.tree.Delete(item)
	}

	return nil
}

// Close is part of the Store interface.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.tree.Clear(false)
	return nil
}

// Batch is part of the Store interface.
func (ms *MemoryStore) Batch() Batch {
	return &memoryBatch{ms: ms}
}

type memoryOp struct {
	blk    block
	delete bool
}

type memoryBatch struct {
	ms  *MemoryStore
	ops []memoryOp
}

func (mb *memoryBatch) Put(ino, index uint64, data []byte) {
	mb.ops = append(mb.ops, memoryOp{
		blk: block{ino: ino, index: index, data: append([]byte{}, data...)},
	})
}

func (mb *memoryBatch) Delete(ino, index uint64) {
	mb.ops = append(mb.ops, memoryOp{
		blk:    block{ino: ino, index: index},
		delete: true,
	})
}

func (mb *memoryBatch) Len() int {
	return len(mb.ops)
}

func (mb *memoryBatch) Flush() error {
	mb.ms.mu.Lock()
	defer mb.ms.mu.Unlock()

	for idx := range mb.ops {
		op := &mb.ops[idx]
		if op.delete {
			mb.ms.tree.Delete(&op.blk)
			continue
		}

		blk := op.blk
		mb.ms.tree.ReplaceOrInsert(&blk)
	}

	mb.ops = nil
	return nil
}

func (mb *memoryBatch) Rollback() {
	mb.ops = nil
}
