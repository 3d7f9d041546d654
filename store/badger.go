package store

import (
	"sync"

	"github.com/dgraph-io/badger"
	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BadgerStore keeps the blocks in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at `path`.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path

	db, err := badger.Open(opts)
	if err != nil {
		return nil, e.Wrapf(err, "failed to open badger store at %s", path)
	}

	return &BadgerStore{db: db}, nil
}

// Get is part of the Store interface.
func (bs *BadgerStore) Get(ino, index uint64) ([]byte, error) {
	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(ino, index))
		if err == badger.ErrKeyNotFound {
			return ErrNoSuchKey
		}

		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, err
	}

	return data, nil
}

// DeleteRange is part of the Store interface.
func (bs *BadgerStore) DeleteRange(ino, from, to uint64) error {
	keys := [][]byte{}
	prefix := blockKey(ino, 0)[:8]

	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(blockKey(ino, from)); iter.ValidForPrefix(prefix); iter.Next() {
			key := iter.Item().KeyCopy(nil)
			if _, index, ok := parseBlockKey(key); !ok || index >= to {
				break
			}

			keys = append(keys, key)
		}

		return nil
	})

	if err != nil {
		return err
	}

	batch := bs.newBatch()
	for _, key := range keys {
		batch.add(key, nil, true)
	}

	return batch.Flush()
}

// Close is part of the Store interface.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

// Batch is part of the Store interface.
func (bs *BadgerStore) Batch() Batch {
	return bs.newBatch()
}

func (bs *BadgerStore) newBatch() *badgerBatch {
	return &badgerBatch{db: bs.db}
}

// badgerBatch opens its write transaction on the first operation.
type badgerBatch struct {
	mu  sync.Mutex
	db  *badger.DB
	txn *badger.Txn
	n   int
	err error
}

func (bb *badgerBatch) add(key, val []byte, del bool) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	if bb.err != nil {
		return
	}

	if bb.txn == nil {
		bb.txn = bb.db.NewTransaction(true)
	}

	apply := func() error {
		if del {
			return bb.txn.Delete(key)
		}

		return bb.txn.Set(key, val)
	}

	err := apply()
	if err == badger.ErrTxnTooBig {
		// Commit what we have and continue in a fresh transaction.
		if err = bb.txn.Commit(nil); err == nil {
			bb.txn = bb.db.NewTransaction(true)
			err = apply()
		}
	}

	if err != nil {
		bb.err = err
		return
	}

	bb.n++
}

func (bb *badgerBatch) Put(ino, index uint64, data []byte) {
	bb.add(blockKey(ino, index), append([]byte{}, data...), false)
}

func (bb *badgerBatch) Delete(ino, index uint64) {
	bb.add(blockKey(ino, index), nil, true)
}

func (bb *badgerBatch) Len() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	return bb.n
}

func (bb *badgerBatch) Flush() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	txn := bb.txn
	bb.txn = nil
	bb.n = 0

	if bb.err != nil {
		err := bb.err
		bb.err = nil
		if txn != nil {
			txn.Discard()
		}

		return err
	}

	if txn == nil {
		return nil
	}

	if err := txn.Commit(nil); err != nil {
		return e.Wrap(err, "failed to commit batch")
	}

	return nil
}

func (bb *badgerBatch) Rollback() {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	if bb.n > 0 {
		log.Debugf("store: rolling back %d operations", bb.n)
	}

	if bb.txn != nil {
		bb.txn.Discard()
	}

	bb.txn = nil
	bb.n = 0
	bb.err = nil
}
