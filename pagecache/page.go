package pagecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Page is a single cached unit of an object's content.
//
// A Page is always created by its FileCache. References are counted
// explicitly: every reference handed out has to be given back by Release().
type Page struct {
	// mu is the page lock. It guards the content and all dirty transitions.
	mu     sync.Mutex
	locked atomic.Bool

	flags atomic.Uint32
	refs  atomic.Int32

	index uint64

	// cache is not owning: the page is owned by the index of cache.
	cache *FileCache

	// data is only valid while FlagMapped is set.
	data []byte

	// wbDone is closed when writeback finishes.
	wbMu   sync.Mutex
	wbDone chan struct{}
}

func newPage(fc *FileCache, index uint64) *Page {
	return &Page{
		cache: fc,
		index: index,
	}
}

func (p *Page) String() string {
	return fmt.Sprintf("<page %d refs=%d %s>", p.index, p.refs.Load(), p.Flags())
}

// Index is the position of the page in units of PageSize.
func (p *Page) Index() uint64 {
	return p.index
}

// Offset is the byte offset of the page in its object.
func (p *Page) Offset() uint64 {
	return p.index * PageSize
}

// Cache returns the FileCache the page belongs to.
func (p *Page) Cache() *FileCache {
	return p.cache
}

// Data returns the content of the page.
// Only valid while the page is locked and mapped.
func (p *Page) Data() []byte {
	return p.data
}

/////////////////////////
// LOCKING & REFERENCES //
/////////////////////////

// Lock takes the page lock. It may block.
func (p *Page) Lock() {
	p.mu.Lock()
	p.locked.Store(true)
}

// TryLock takes the page lock if it is free.
func (p *Page) TryLock() bool {
	if !p.mu.TryLock() {
		return false
	}

	p.locked.Store(true)
	return true
}

// Unlock releases the page lock.
func (p *Page) Unlock() {
	if !p.locked.Swap(false) {
		panic(fmt.Sprintf("bug: unlock of unlocked page %d", p.index))
	}

	p.mu.Unlock()
}

// IsLocked is true while somebody holds the page lock.
func (p *Page) IsLocked() bool {
	return p.locked.Load()
}

func (p *Page) assertLocked(op string) {
	if !p.IsLocked() {
		panic(fmt.Sprintf("bug: %s on unlocked page %d", op, p.index))
	}
}

// Ref takes another reference. The caller must already hold one.
func (p *Page) Ref() {
	if !p.tryRef() {
		panic(fmt.Sprintf("bug: Ref() on unreferenced page %d", p.index))
	}
}

// tryRef takes a reference unless the page is being recycled.
func (p *Page) tryRef() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}

		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. Dropping the last one recycles the page.
func (p *Page) Release() {
	n := p.refs.Add(-1)
	if n > 0 {
		return
	}

	if n < 0 {
		panic(fmt.Sprintf("bug: page %d released too often", p.index))
	}

	p.recycle()
}

// recycle is called when the last reference was dropped. An indexed page
// goes back to its FileCache as bare entry, any other page is destroyed.
func (p *Page) recycle() {
	if p.IsLocked() {
		panic(fmt.Sprintf("bug: page %d recycled while locked", p.index))
	}

	if p.cache.contains(p) {
		// Dirty pages keep their pin. Otherwise the memory manager
		// might drop content that was never written.
		if !p.IsDirty() {
			if err := p.UnpinBackingMemory(false); err != nil {
				log.WithError(err).Warnf("page cache: failed to unpin page %d", p.index)
			}
		}

		if p.cache.downgrade(p) {
			return
		}
	}

	p.destroy()
}

func (p *Page) destroy() {
	if p.IsLocked() || p.IsWriteback() || p.IsPinned() {
		panic(fmt.Sprintf("bug: destroying busy page %s", p))
	}

	if p.IsDirty() {
		log.Warnf("page cache: page %d of evicted object is still dirty", p.index)
		p.clearDirty()
	}

	p.data = nil
}

//////////////////
// DIRTY STATE  //
//////////////////

// SetDirty marks the page as modified. The caller must hold the page lock.
// It returns true if the page was dirty already.
func (p *Page) SetDirty() bool {
	p.assertLocked("SetDirty")
	if p.IsDirty() {
		return true
	}

	p.SetUptodate()
	if p.setFlag(FlagDirty) {
		return true
	}

	owner := p.cache.owner
	owner.IncreaseDirtyPageCount()
	p.cache.env.Counters.IncPageCount(owner.PageType().DirtyCountType())
	owner.MarkDirty()
	return false
}

// ClearDirtyForIo clears the dirty flag right before the content is handed
// to storage, so that a concurrent modification makes the page dirty again.
// It returns false if the page was not dirty.
func (p *Page) ClearDirtyForIo() bool {
	p.assertLocked("ClearDirtyForIo")
	return p.clearDirty()
}

func (p *Page) clearDirty() bool {
	if !p.clearFlag(FlagDirty) {
		return false
	}

	owner := p.cache.owner
	owner.DecreaseDirtyPageCount()
	p.cache.env.Counters.DecPageCount(owner.PageType().DirtyCountType())
	return true
}

// Invalidate drops the content of the page, dirty or not.
// Used by truncation and hole punching.
func (p *Page) Invalidate() {
	p.assertLocked("Invalidate")
	p.clearDirty()
	p.ClearColdData()
	if p.ClearMmapped() && p.data != nil {
		memzero(p.data)
	}

	p.ClearUptodate()
}

// ZeroSegment zeroes the content in [from, to).
func (p *Page) ZeroSegment(from, to int) {
	p.assertLocked("ZeroSegment")
	if from < 0 || to > len(p.data) || from > to {
		panic(fmt.Sprintf("bug: zero segment [%d-%d) out of page bounds", from, to))
	}

	memzero(p.data[from:to])
}

func memzero(buf []byte) {
	for idx := range buf {
		buf[idx] = 0
	}
}

///////////////
// WRITEBACK //
///////////////

// SetWriteback marks the page as being written.
func (p *Page) SetWriteback() {
	p.assertLocked("SetWriteback")

	p.wbMu.Lock()
	defer p.wbMu.Unlock()

	if p.setFlag(FlagWriteback) {
		return
	}

	p.wbDone = make(chan struct{})
	p.cache.env.Counters.IncPageCount(CountWriteback)
}

// ClearWriteback is called when the write finished and wakes up waiters.
func (p *Page) ClearWriteback() {
	p.wbMu.Lock()
	if !p.clearFlag(FlagWriteback) {
		p.wbMu.Unlock()
		return
	}

	close(p.wbDone)
	p.wbDone = nil
	p.wbMu.Unlock()

	p.cache.env.Counters.DecPageCount(CountWriteback)
}

// WaitOnWriteback blocks until the page is not under writeback anymore.
// The writer queue is kicked first, so we do not wait for the next
// regular flush.
func (p *Page) WaitOnWriteback() {
	p.wbMu.Lock()
	done := p.wbDone
	p.wbMu.Unlock()

	if done == nil {
		return
	}

	p.cache.env.Flusher.ScheduleFlush(nil, p.cache.owner.PageType())
	<-done
}

////////////////////
// BACKING MEMORY //
////////////////////

// PinBackingMemory pins the backing region of the page once.
// If the region lost its content, the page is no longer up to date.
func (p *Page) PinBackingMemory() error {
	p.assertLocked("PinBackingMemory")
	if p.IsPinned() {
		return nil
	}

	wasResident, err := p.cache.mem.LockRegion(p.Offset())
	if err != nil {
		return e.Wrapf(err, "failed to pin page %d", p.index)
	}

	p.setFlag(FlagPinned)
	if !wasResident {
		if p.IsDirty() {
			log.Warnf("page cache: dirty page %d lost its content", p.index)
		}

		p.ClearUptodate()
		p.clearFlag(FlagMapped)
		p.data = nil
	}

	return nil
}

// UnpinBackingMemory drops the pin taken by PinBackingMemory. With `evict`
// set the content is discarded, which is only allowed for clean pages.
// The caller must either hold the page lock or the last reference.
func (p *Page) UnpinBackingMemory(evict bool) error {
	if !p.IsPinned() {
		return nil
	}

	if evict && p.IsDirty() {
		panic(fmt.Sprintf("bug: evicting backing memory of dirty page %d", p.index))
	}

	// The mapping is only valid while pinned.
	p.clearFlag(FlagPinned)
	p.clearFlag(FlagMapped)
	p.data = nil
	if evict {
		p.ClearUptodate()
	}

	if err := p.cache.mem.UnlockRegion(p.Offset(), evict); err != nil {
		return e.Wrapf(err, "failed to unpin page %d", p.index)
	}

	return nil
}

// EnsureResident pins and maps the backing memory of the page.
func (p *Page) EnsureResident() error {
	if err := p.PinBackingMemory(); err != nil {
		return err
	}

	if p.IsMapped() {
		return nil
	}

	data, err := p.cache.mem.MapRegion(p.Offset())
	if err != nil {
		return e.Wrapf(err, "failed to map page %d", p.index)
	}

	if len(data) < PageSize {
		return fmt.Errorf("backing memory of page %d is too small: %d", p.index, len(data))
	}

	p.data = data[:PageSize]
	p.setFlag(FlagMapped)
	return nil
}
