package store

import (
	"io/ioutil"
	"testing"

	"github.com/sahib/f2cache/util/testutil"
	"github.com/stretchr/testify/require"
)

func withStores(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		st := NewMemoryStore()
		fn(t, st)
		require.NoError(t, st.Close())
	})

	t.Run("badger", func(t *testing.T) {
		tmpDir, err := ioutil.TempDir("", "f2cache-store")
		require.NoError(t, err)
		defer testutil.Remover(t, tmpDir)

		st, err := NewBadgerStore(tmpDir)
		require.NoError(t, err)
		fn(t, st)
		require.NoError(t, st.Close())
	})
}

func TestStorePutGet(t *testing.T) {
	withStores(t, func(t *testing.T, st Store) {
		_, err := st.Get(1, 0)
		require.Equal(t, ErrNoSuchKey, err)

		data := testutil.CreateDummyBuf(4096)
		batch := st.Batch()
		batch.Put(1, 0, data)
		batch.Put(1, 1, data[:10])
		require.Equal(t, 2, batch.Len())

		// not visible before flush:
		_, err = st.Get(1, 0)
		require.Equal(t, ErrNoSuchKey, err)

		require.NoError(t, batch.Flush())
		require.Equal(t, 0, batch.Len())

		got, err := st.Get(1, 0)
		require.NoError(t, err)
		require.Equal(t, data, got)

		got, err = st.Get(1, 1)
		require.NoError(t, err)
		require.Equal(t, data[:10], got)

		batch.Delete(1, 0)
		require.NoError(t, batch.Flush())
		_, err = st.Get(1, 0)
		require.Equal(t, ErrNoSuchKey, err)

		// empty flush is fine:
		require.NoError(t, batch.Flush())
	})
}

func TestStoreBatchCopiesData(t *testing.T) {
	withStores(t, func(t *testing.T, st Store) {
		data := []byte{1, 2, 3}
		batch := st.Batch()
		batch.Put(2, 7, data)
		data[0] = 42
		require.NoError(t, batch.Flush())

		got, err := st.Get(2, 7)
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, got)
	})
}

func TestStoreRollback(t *testing.T) {
	withStores(t, func(t *testing.T, st Store) {
		batch := st.Batch()
		batch.Put(1, 0, []byte("hello"))
		batch.Rollback()
		require.Equal(t, 0, batch.Len())
		require.NoError(t, batch.Flush())

		_, err := st.Get(1, 0)
		require.Equal(t, ErrNoSuchKey, err)
	})
}

func TestStoreDeleteRange(t *testing.T) {
	withStores(t, func(t *testing.T, st Store) {
		batch := st.Batch()
		for ino := uint64(1); ino <= 3; ino++ {
			for index := uint64(0); index < 10; index++ {
				batch.Put(ino, index, []byte{byte(ino), byte(index)})
			}
		}

		require.NoError(t, batch.Flush())
		require.NoError(t, st.DeleteRange(2, 4, ^uint64(0)))

		for ino := uint64(1); ino <= 3; ino++ {
			for index := uint64(0); index < 10; index++ {
				_, err := st.Get(ino, index)
				if ino == 2 && index >= 4 {
					require.Equal(t, ErrNoSuchKey, err)
				} else {
					require.NoError(t, err)
				}
			}
		}

		require.NoError(t, st.DeleteRange(1, 0, 2))
		_, err := st.Get(1, 1)
		require.Equal(t, ErrNoSuchKey, err)
		_, err = st.Get(1, 2)
		require.NoError(t, err)
	})
}

func TestStoreOpen(t *testing.T) {
	st, err := Open("memory", "")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Open("floppy", "")
	require.Error(t, err)
}

func TestBlockKey(t *testing.T) {
	ino, index, ok := parseBlockKey(blockKey(3, 5))
	require.True(t, ok)
	require.Equal(t, uint64(3), ino)
	require.Equal(t, uint64(5), index)

	_, _, ok = parseBlockKey([]byte("short"))
	require.False(t, ok)
}
