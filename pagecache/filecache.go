package pagecache

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
)

// degree of the btree holding the pages.
// 32 is what the btree docs recommend for in-memory use.
const treeDegree = 32

type slotState int

const (
	// slotActive pages are referenced by somebody outside of the index.
	slotActive = slotState(iota)
	// slotInactive pages are only referenced by the index itself.
	slotInactive
)

// slot is the btree item holding a page.
type slot struct {
	index uint64
	page  *Page
	state slotState
}

func (s *slot) Less(than btree.Item) bool {
	return s.index < than.(*slot).index
}

// FileCache caches the pages of a single owner.
type FileCache struct {
	// mu guards tree and the state of all slots.
	mu sync.RWMutex

	// recycled is signaled whenever an active page became inactive.
	recycled *sync.Cond

	tree  *btree.BTree
	owner Owner
	mem   BackingMemory
	env   Env
}

// New creates an empty FileCache for `owner`.
func New(owner Owner, mem BackingMemory, env Env) *FileCache {
	fc := &FileCache{
		tree:  btree.New(treeDegree),
		owner: owner,
		mem:   mem,
		env:   env.withDefaults(),
	}

	fc.recycled = sync.NewCond(&fc.mu)
	return fc
}

// Owner returns the object whose pages are cached.
func (fc *FileCache) Owner() Owner {
	return fc.owner
}

// Len returns the number of indexed pages, active or not.
func (fc *FileCache) Len() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	return fc.tree.Len()
}

func (fc *FileCache) slotUnsafe(index uint64) *slot {
	item := fc.tree.Get(&slot{index: index})
	if item == nil {
		return nil
	}

	return item.(*slot)
}

// lowerBoundUnsafe returns the first slot with an index >= `index`.
func (fc *FileCache) lowerBoundUnsafe(index uint64) *slot {
	var found *slot
	fc.tree.AscendGreaterOrEqual(&slot{index: index}, func(item btree.Item) bool {
		found = item.(*slot)
		return false
	})

	return found
}

func (fc *FileCache) containsUnsafe(p *Page) bool {
	s := fc.slotUnsafe(p.index)
	return s != nil && s.page == p
}

func (fc *FileCache) contains(p *Page) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	return fc.containsUnsafe(p)
}

func (fc *FileCache) addPageUnsafe(p *Page) error {
	if fc.slotUnsafe(p.index) != nil {
		return ErrExists
	}

	fc.tree.ReplaceOrInsert(&slot{
		index: p.index,
		page:  p,
		state: slotActive,
	})

	return nil
}

// acquireUnsafe turns the index reference of `s` into a strong reference.
// If the page is in the middle of being recycled, it waits until it is
// inactive and returns false. The index lock was dropped in that case.
func (fc *FileCache) acquireUnsafe(s *slot) (*Page, bool) {
	p := s.page
	if s.state == slotInactive {
		// Nobody else can reference it, so this cannot race.
		if n := p.refs.Load(); n != 0 {
			panic(fmt.Sprintf("bug: inactive page %d has %d references", p.index, n))
		}

		s.state = slotActive
		p.refs.Store(1)
		return p, true
	}

	if p.tryRef() {
		return p, true
	}

	fc.recycled.Wait()
	return nil, false
}

// lockPageUnsafe locks the referenced page `p`. If that would block, the
// index lock is dropped while waiting. Returns false if the page got evicted
// meanwhile; the reference is given up then.
func (fc *FileCache) lockPageUnsafe(p *Page) bool {
	if p.TryLock() {
		return true
	}

	fc.mu.Unlock()
	p.Lock()
	fc.mu.Lock()

	if fc.containsUnsafe(p) {
		return true
	}

	p.Unlock()

	// Releasing might need the index lock.
	fc.mu.Unlock()
	p.Release()
	fc.mu.Lock()
	return false
}

// lookupUnsafe returns the locked page at `index` or nil if none is indexed.
func (fc *FileCache) lookupUnsafe(index uint64) *Page {
	for {
		s := fc.slotUnsafe(index)
		if s == nil {
			return nil
		}

		p, ok := fc.acquireUnsafe(s)
		if !ok {
			continue
		}

		if fc.lockPageUnsafe(p) {
			return p
		}
	}
}

func (fc *FileCache) getPage(index uint64) *LockedPage {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for {
		if p := fc.lookupUnsafe(index); p != nil {
			return &LockedPage{Page: p}
		}

		p := newPage(fc, index)
		p.refs.Store(1)

		// Not visible to anyone yet; cannot block.
		p.Lock()
		if err := fc.addPageUnsafe(p); err != nil {
			p.Unlock()
			continue
		}

		return &LockedPage{Page: p}
	}
}

// GetPage returns the locked page at `index`. It is created if needed.
// If the backing memory of the page cannot be made resident, an error is
// returned and no page is handed out. Note that the returned page might
// not be up to date.
func (fc *FileCache) GetPage(index uint64) (*LockedPage, error) {
	lp := fc.getPage(index)
	if err := lp.EnsureResident(); err != nil {
		lp.Release()
		return nil, err
	}

	return lp, nil
}

// GetPages returns the locked pages in [start, end).
func (fc *FileCache) GetPages(start, end uint64) ([]*LockedPage, error) {
	pages := []*LockedPage{}
	for index := start; index < end; index++ {
		lp, err := fc.GetPage(index)
		if err != nil {
			releaseAll(pages)
			return nil, err
		}

		pages = append(pages, lp)
	}

	return pages, nil
}

// FindPage is like GetPage, but returns ErrNotFound if no page is cached.
func (fc *FileCache) FindPage(index uint64) (*LockedPage, error) {
	fc.mu.Lock()
	p := fc.lookupUnsafe(index)
	fc.mu.Unlock()

	if p == nil {
		return nil, ErrNotFound
	}

	lp := &LockedPage{Page: p}
	if err := lp.EnsureResident(); err != nil {
		lp.Release()
		return nil, err
	}

	return lp, nil
}

func releaseAll(pages []*LockedPage) {
	for _, lp := range pages {
		lp.Release()
	}
}

// getLockedPagesUnsafe returns all cached pages in [start, end), locked.
func (fc *FileCache) getLockedPagesUnsafe(start, end uint64) []*LockedPage {
	pages := []*LockedPage{}
	key := start
	for key < end {
		s := fc.lowerBoundUnsafe(key)
		if s == nil || s.index >= end {
			break
		}

		// The tree might change whenever the lock is dropped.
		// Start over at the same key then.
		p, ok := fc.acquireUnsafe(s)
		if !ok {
			continue
		}

		if !fc.lockPageUnsafe(p) {
			continue
		}

		pages = append(pages, &LockedPage{Page: p})
		if p.index == MaxIndex {
			break
		}

		key = p.index + 1
	}

	return pages
}

// evictUnsafe removes `p` from the index and gives up its backing memory.
// Active pages must be locked by the caller. Dirty pages are only evicted
// when `force` is set; their dirty state is dropped.
func (fc *FileCache) evictUnsafe(p *Page, force bool) {
	s := fc.slotUnsafe(p.index)
	if s == nil || s.page != p {
		return
	}

	if s.state == slotActive && !p.IsLocked() {
		panic(fmt.Sprintf("bug: evicting active page %d without holding it", p.index))
	}

	if p.IsDirty() {
		if !force {
			panic(fmt.Sprintf("bug: evicting dirty page %d", p.index))
		}

		p.clearDirty()
	}

	if err := p.UnpinBackingMemory(true); err != nil {
		log.WithError(err).Warnf("page cache: failed to evict backing memory of page %d", p.index)
	}

	fc.tree.Delete(s)
	if s.state == slotInactive {
		p.destroy()
	}

	fc.recycled.Broadcast()
}

// Evict removes the page held by `lp` from the cache.
// The page must be clean. `lp` still has to be released.
func (fc *FileCache) Evict(lp *LockedPage) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.evictUnsafe(lp.Page, false)
}

// downgrade puts a page whose last reference was dropped back into the
// index as bare entry. Returns false if the page is not indexed anymore.
func (fc *FileCache) downgrade(p *Page) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	s := fc.slotUnsafe(p.index)
	if s == nil || s.page != p {
		return false
	}

	if n := p.refs.Load(); n != 0 {
		panic(fmt.Sprintf("bug: downgrade of referenced page %d (%d refs)", p.index, n))
	}

	s.state = slotInactive
	fc.recycled.Broadcast()
	return true
}

// cleanupPages locks all pages in [start, end), calls `fn` on each of them
// without holding the index lock, and evicts them afterwards.
// Returns the number of dropped pages.
func (fc *FileCache) cleanupPages(start, end uint64, fn func(lp *LockedPage)) int {
	fc.mu.Lock()
	pages := fc.getLockedPagesUnsafe(start, end)
	fc.mu.Unlock()

	if len(pages) == 0 {
		return 0
	}

	for _, lp := range pages {
		fn(lp)
	}

	fc.mu.Lock()
	for _, lp := range pages {
		fc.evictUnsafe(lp.Page, false)
	}
	fc.mu.Unlock()

	releaseAll(pages)
	return len(pages)
}

// InvalidatePages drops all cached pages in [start, end), dirty or not.
func (fc *FileCache) InvalidatePages(start, end uint64) {
	fc.cleanupPages(start, end, func(lp *LockedPage) {
		lp.WaitOnWriteback()
		lp.Invalidate()
	})
}

// ClearDirtyPages clears the dirty state of all pages in [start, end),
// without writing them. Returns the number of pages that were dirty.
func (fc *FileCache) ClearDirtyPages(start, end uint64) int {
	fc.mu.Lock()
	pages := fc.getLockedPagesUnsafe(start, end)
	fc.mu.Unlock()

	cleared := 0
	for _, lp := range pages {
		lp.WaitOnWriteback()
		if lp.ClearDirtyForIo() {
			cleared++
		}

		lp.ClearMmapped()
	}

	releaseAll(pages)
	return cleared
}

// Reset evicts all pages. It is called when the owner goes away, so no
// page should be dirty at this point. If one is, it is dropped with a warning.
func (fc *FileCache) Reset() {
	for {
		dropped := fc.cleanupPages(0, MaxIndex, func(lp *LockedPage) {
			lp.WaitOnWriteback()
			if lp.IsDirty() {
				log.WithFields(log.Fields{
					"index": lp.Index(),
					"type":  fc.owner.PageType(),
				}).Warnf("page cache: unexpected dirty page on reset")
				lp.Invalidate()
			}

			lp.ClearMmapped()
		})

		if dropped == 0 {
			return
		}
	}
}
