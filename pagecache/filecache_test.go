package pagecache

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestFileCacheRecycleKeepsDirty(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.GetPage(0)
		require.NoError(t, err)

		first := lp.Page
		copy(lp.Data(), bytes.Repeat([]byte{0xAB}, PageSize))
		lp.SetDirty()
		lp.Release()

		require.Equal(t, 1, fx.fc.Len())

		// Memory pressure must not touch dirty content:
		require.Equal(t, 0, fx.mem.dropUnpinned())

		lp, err = fx.fc.GetPage(0)
		require.NoError(t, err)
		defer lp.Release()

		require.True(t, first == lp.Page)
		require.True(t, lp.IsDirty())
		require.Equal(t, bytes.Repeat([]byte{0xAB}, PageSize), lp.Data())
		require.Equal(t, int64(1), fx.counters.get(CountDirtyData))
		require.Equal(t, int64(1), fx.owner.dirtyPages.Load())
	})
}

func TestFileCacheConcurrentCreate(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		const workers = 16

		start := make(chan struct{})
		pages := make([]*Page, workers)

		wg := &sync.WaitGroup{}
		for idx := 0; idx < workers; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				<-start

				lp, err := fx.fc.GetPage(5)
				require.NoError(t, err)
				pages[idx] = lp.Page
				lp.Release()
			}(idx)
		}

		close(start)
		wg.Wait()

		require.Equal(t, 1, fx.fc.Len())
		for idx := 1; idx < workers; idx++ {
			require.True(t, pages[0] == pages[idx])
		}
	})
}

func TestFileCacheConcurrentStress(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		const (
			workers = 8
			rounds  = 200
			npages  = 16
		)

		wg := &sync.WaitGroup{}
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()

				rnd := rand.New(rand.NewSource(seed))
				for round := 0; round < rounds; round++ {
					index := uint64(rnd.Intn(npages))
					switch rnd.Intn(4) {
					case 0:
						fx.fc.Writeback(WritebackOperation{ToWrite: 4})
					case 1:
						fx.fc.InvalidatePages(index, index+1)
					default:
						lp, err := fx.fc.GetPage(index)
						require.NoError(t, err)
						require.Equal(t, index, lp.Index())
						lp.Data()[0] = byte(round)
						lp.SetDirty()
						lp.Release()
					}
				}
			}(int64(w))
		}

		wg.Wait()

		require.True(t, fx.fc.Len() <= npages)

		// everything is inactive now, so everything gets written:
		fx.fc.Writeback(WritebackOperation{})
		require.Equal(t, int64(0), fx.counters.get(CountDirtyData))
		require.Equal(t, int64(0), fx.owner.dirtyPages.Load())

		seen := make(map[*Page]uint64)
		for index := uint64(0); index < npages; index++ {
			lp, err := fx.fc.FindPage(index)
			if err == ErrNotFound {
				continue
			}

			require.NoError(t, err)
			_, ok := seen[lp.Page]
			require.False(t, ok)
			seen[lp.Page] = index
			lp.Release()
		}
	})
}

func TestFileCacheWaitForPageLock(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.GetPage(1)
		require.NoError(t, err)

		got := make(chan *LockedPage)
		go func() {
			lp2, err := fx.fc.GetPage(1)
			require.NoError(t, err)
			got <- lp2
		}()

		select {
		case <-got:
			t.Fatalf("got page while locked elsewhere")
		case <-time.After(20 * time.Millisecond):
		}

		first := lp.Page
		lp.Release()

		lp2 := <-got
		require.True(t, first == lp2.Page)
		lp2.Release()
	})
}

// A lookup that races with the last Release() of a page has to wait
// until the page went back to the index and then resurrect it.
func TestFileCacheWaitForRecycle(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		dirtyPage(t, fx.fc, 0, 0xCD)

		lp, err := fx.fc.GetPage(0)
		require.NoError(t, err)
		p := lp.Unlock()

		// The last reference is gone, but the page is not inactive yet.
		p.refs.Store(0)

		got := make(chan *LockedPage)
		go func() {
			lp2, err := fx.fc.GetPage(0)
			require.NoError(t, err)
			got <- lp2
		}()

		select {
		case <-got:
			t.Fatalf("got page while it was being recycled")
		case <-time.After(20 * time.Millisecond):
		}

		p.recycle()

		lp2 := <-got
		defer lp2.Release()

		require.True(t, p == lp2.Page)
		require.Equal(t, int32(1), lp2.refs.Load())
		require.True(t, lp2.IsDirty())
		require.Equal(t, bytes.Repeat([]byte{0xCD}, PageSize), lp2.Data())
		require.Equal(t, 1, fx.fc.Len())
		require.Equal(t, int64(1), fx.counters.get(CountDirtyData))
	})
}

// A lookup waiting for the page lock gets a new page
// when the holder evicted the old one meanwhile.
func TestFileCacheEvictedWhileWaiting(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.GetPage(3)
		require.NoError(t, err)
		lp.SetUptodate()
		first := lp.Page

		got := make(chan *LockedPage)
		go func() {
			lp2, err := fx.fc.GetPage(3)
			require.NoError(t, err)
			got <- lp2
		}()

		// The waiter holds a reference while it blocks on the page lock.
		require.Eventually(t, func() bool {
			return first.refs.Load() == 2
		}, time.Second, time.Millisecond)

		select {
		case <-got:
			t.Fatalf("got page while locked elsewhere")
		case <-time.After(20 * time.Millisecond):
		}

		fx.fc.Evict(lp)
		lp.Release()

		lp2 := <-got
		defer lp2.Release()

		require.False(t, first == lp2.Page)
		require.Equal(t, uint64(3), lp2.Index())
		require.False(t, lp2.IsUptodate())
		require.Equal(t, int32(0), first.refs.Load())
		require.Equal(t, 1, fx.fc.Len())
	})
}

func TestFileCacheFindPage(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.FindPage(7)
		require.Equal(t, ErrNotFound, err)
		require.Nil(t, lp)
		require.Equal(t, 0, fx.fc.Len())

		dirtyPage(t, fx.fc, 7, 1)

		lp, err = fx.fc.FindPage(7)
		require.NoError(t, err)
		require.True(t, lp.IsDirty())
		lp.Release()
	})
}

func TestFileCacheGetPages(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		pages, err := fx.fc.GetPages(2, 6)
		require.NoError(t, err)
		require.Len(t, pages, 4)

		for idx, lp := range pages {
			require.Equal(t, uint64(idx+2), lp.Index())
			require.True(t, lp.IsLocked())
		}

		releaseAll(pages)
		require.Equal(t, 4, fx.fc.Len())
	})
}

func TestFileCacheEvict(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.GetPage(0)
		require.NoError(t, err)
		lp.SetUptodate()

		fx.fc.Evict(lp)
		require.Equal(t, 0, fx.fc.Len())
		require.False(t, lp.IsPinned())
		require.False(t, lp.IsUptodate())
		lp.Release()

		// dirty pages need to be written first:
		lp, err = fx.fc.GetPage(1)
		require.NoError(t, err)
		lp.SetDirty()
		require.Panics(t, func() { fx.fc.Evict(lp) })
		require.Equal(t, 1, fx.fc.Len())
		lp.Release()
	})
}

func TestFileCacheInvalidatePages(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		for index := uint64(0); index < 6; index++ {
			dirtyPage(t, fx.fc, index, byte(index))
		}

		fx.fc.InvalidatePages(2, MaxIndex)
		require.Equal(t, 2, fx.fc.Len())
		require.Equal(t, int64(2), fx.counters.get(CountDirtyData))
		require.Equal(t, int64(2), fx.owner.dirtyPages.Load())

		_, err := fx.fc.FindPage(2)
		require.Equal(t, ErrNotFound, err)

		// recreated pages start out empty:
		lp, err := fx.fc.GetPage(3)
		require.NoError(t, err)
		require.False(t, lp.IsDirty())
		require.Equal(t, make([]byte, PageSize), lp.Data())
		lp.Release()
	})
}

func TestFileCacheClearDirtyPages(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		for index := uint64(0); index < 4; index++ {
			dirtyPage(t, fx.fc, index, 1)
		}

		require.Equal(t, 3, fx.fc.ClearDirtyPages(1, 10))
		require.Equal(t, 0, fx.fc.ClearDirtyPages(1, 10))
		require.Equal(t, 4, fx.fc.Len())
		require.Equal(t, int64(1), fx.counters.get(CountDirtyData))
	})
}

func TestFileCacheResetDirty(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	withFileCache(t, func(fx *cacheFixture) {
		dirtyPage(t, fx.fc, 4, 1)
		for index := uint64(5); index < 8; index++ {
			lp, err := fx.fc.GetPage(index)
			require.NoError(t, err)
			lp.SetUptodate()
			lp.Release()
		}

		hook.Reset()
		fx.fc.Reset()

		require.Equal(t, 0, fx.fc.Len())
		require.Equal(t, int64(0), fx.counters.get(CountDirtyData))
		require.Equal(t, int64(0), fx.owner.dirtyPages.Load())
		require.Equal(t, 0, fx.owner.numWritten())

		warnings := 0
		for _, entry := range hook.AllEntries() {
			if entry.Level == log.WarnLevel {
				warnings++
			}
		}

		require.Equal(t, 1, warnings)
	})
}

func TestFileCacheResetWaitsForWriteback(t *testing.T) {
	withFileCache(t, func(fx *cacheFixture) {
		lp, err := fx.fc.GetPage(0)
		require.NoError(t, err)
		lp.SetUptodate()
		lp.SetWriteback()
		p := lp.Unlock()

		fx.flusher.onFlush = func() {
			p.ClearWriteback()
		}

		// Reset can only get the page after the last reference is gone.
		p.Release()
		fx.fc.Reset()
		require.Equal(t, 0, fx.fc.Len())
		require.Equal(t, int64(0), fx.counters.get(CountWriteback))
	})
}
