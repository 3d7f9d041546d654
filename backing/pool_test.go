package backing

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/util/testutil"
	"github.com/stretchr/testify/require"
)

var _ pagecache.BackingMemory = &Memory{}

func withPool(t *testing.T, maxRegions int64, swap bool, fn func(p *Pool)) {
	for _, algo := range []AlgorithmType{AlgoNone, AlgoSnappy, AlgoLZ4} {
		opts := Options{
			MaxMemory:   maxRegions * regionSize,
			Compression: algo,
		}

		if swap {
			tmpDir, err := ioutil.TempDir("", "f2cache-swap")
			require.NoError(t, err)
			defer os.RemoveAll(tmpDir)
			opts.SwapDir = tmpDir
		}

		t.Run(algo.String(), func(t *testing.T) {
			pool, err := NewPool(opts)
			require.NoError(t, err)

			fn(pool)

			require.NoError(t, pool.Close())
			if swap {
				_, err = os.Stat(opts.SwapDir)
				require.True(t, os.IsNotExist(err))
			}
		})

		if !swap {
			// compression does not matter without swap.
			break
		}
	}
}

// fill pins `offset`, writes a pattern and unpins it again.
func fill(t *testing.T, mem *Memory, offset uint64, seed byte) []byte {
	_, err := mem.LockRegion(offset)
	require.NoError(t, err)

	data, err := mem.MapRegion(offset)
	require.NoError(t, err)

	expect := testutil.CreateDummyBuf(regionSize)
	for idx := range expect {
		expect[idx] ^= seed
	}

	copy(data, expect)
	require.NoError(t, mem.UnlockRegion(offset, false))
	return expect
}

func TestPoolLockUnlock(t *testing.T) {
	withPool(t, 0, false, func(p *Pool) {
		mem := p.Memory(1)

		wasResident, err := mem.LockRegion(0)
		require.NoError(t, err)
		require.False(t, wasResident)

		data, err := mem.MapRegion(0)
		require.NoError(t, err)
		require.Len(t, data, regionSize)
		data[0] = 42

		require.NoError(t, mem.UnlockRegion(0, false))
		_, err = mem.MapRegion(0)
		require.Equal(t, ErrNotResident, err)
		require.Equal(t, ErrNotPinned, mem.UnlockRegion(0, false))

		wasResident, err = mem.LockRegion(0)
		require.NoError(t, err)
		require.True(t, wasResident)

		data, err = mem.MapRegion(0)
		require.NoError(t, err)
		require.Equal(t, byte(42), data[0])

		require.NoError(t, mem.UnlockRegion(0, true))
		wasResident, err = mem.LockRegion(0)
		require.NoError(t, err)
		require.False(t, wasResident)
		require.NoError(t, mem.UnlockRegion(0, true))

		_, err = mem.LockRegion(13)
		require.Error(t, err)

		require.Equal(t, 0, p.Stats().Regions)
	})
}

func TestPoolMultiplePins(t *testing.T) {
	withPool(t, 1, false, func(p *Pool) {
		mem := p.Memory(1)
		for idx := 0; idx < 2; idx++ {
			_, err := mem.LockRegion(0)
			require.NoError(t, err)
		}

		require.NoError(t, mem.UnlockRegion(0, true))
		require.Equal(t, 1, p.Stats().Pinned)

		// still pinned, evict must not have dropped it:
		_, err := mem.MapRegion(0)
		require.NoError(t, err)
		require.NoError(t, mem.UnlockRegion(0, false))
	})
}

func TestPoolDropWithoutSwap(t *testing.T) {
	withPool(t, 2, false, func(p *Pool) {
		mem := p.Memory(1)
		for idx := uint64(0); idx < 4; idx++ {
			fill(t, mem, idx*regionSize, byte(idx))
		}

		stats := p.Stats()
		require.Equal(t, int64(2), stats.Dropped)
		require.Equal(t, int64(2*regionSize), stats.Resident)

		// oldest ones are gone:
		wasResident, err := mem.LockRegion(0)
		require.NoError(t, err)
		require.False(t, wasResident)
		require.NoError(t, mem.UnlockRegion(0, false))

		wasResident, err = mem.LockRegion(3 * regionSize)
		require.NoError(t, err)
		require.True(t, wasResident)
		require.NoError(t, mem.UnlockRegion(3*regionSize, false))
	})
}

func TestPoolPinnedExceedsBudget(t *testing.T) {
	withPool(t, 1, false, func(p *Pool) {
		mem := p.Memory(1)
		for idx := uint64(0); idx < 3; idx++ {
			_, err := mem.LockRegion(idx * regionSize)
			require.NoError(t, err)
		}

		require.Equal(t, int64(3*regionSize), p.Stats().Resident)
		require.Equal(t, int64(0), p.Stats().Dropped)

		for idx := uint64(0); idx < 3; idx++ {
			require.NoError(t, mem.UnlockRegion(idx*regionSize, false))
		}

		require.Equal(t, int64(regionSize), p.Stats().Resident)
	})
}

func TestPoolSwap(t *testing.T) {
	withPool(t, 2, true, func(p *Pool) {
		memA, memB := p.Memory(1), p.Memory(2)

		expected := map[uint64][]byte{}
		for idx := uint64(0); idx < 4; idx++ {
			expected[idx] = fill(t, memA, idx*regionSize, byte(idx))
		}

		fill(t, memB, 0, 0xFF)

		stats := p.Stats()
		require.Equal(t, int64(3), stats.SwapOuts)
		require.Equal(t, 3, stats.Swapped)
		require.Equal(t, int64(0), stats.Dropped)

		for idx := uint64(0); idx < 4; idx++ {
			wasResident, err := memA.LockRegion(idx * regionSize)
			require.NoError(t, err)
			require.True(t, wasResident)

			data, err := memA.MapRegion(idx * regionSize)
			require.NoError(t, err)
			require.Equal(t, expected[idx], data)
			require.NoError(t, memA.UnlockRegion(idx*regionSize, false))
		}

		require.True(t, p.Stats().SwapIns >= 3)
	})
}

func TestPoolForget(t *testing.T) {
	withPool(t, 2, true, func(p *Pool) {
		memA, memB := p.Memory(1), p.Memory(2)
		for idx := uint64(0); idx < 4; idx++ {
			fill(t, memA, idx*regionSize, 1)
		}

		fill(t, memB, 0, 2)
		_, err := memA.LockRegion(5 * regionSize)
		require.NoError(t, err)

		require.Equal(t, 1, p.Forget(1))
		require.Equal(t, 2, p.Stats().Regions)
		require.Equal(t, 0, p.Stats().Swapped)

		require.NoError(t, memA.UnlockRegion(5*regionSize, true))
		require.Equal(t, 0, p.Forget(1))
		require.Equal(t, 1, p.Stats().Regions)
	})
}

func TestParseSize(t *testing.T) {
	size, err := ParseSize("0")
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	size, err = ParseSize("")
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	size, err = ParseSize("64MiB")
	require.NoError(t, err)
	require.Equal(t, int64(64*1024*1024), size)

	_, err = ParseSize("lots")
	require.Error(t, err)
}

func TestAlgoFromString(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4"} {
		algo, err := AlgoFromString(name)
		require.NoError(t, err)
		require.Equal(t, name, algo.String())
	}

	_, err := AlgoFromString("zstd")
	require.Error(t, err)
}
