package vfs

import (
	"sync"

	"github.com/google/btree"
)

type dirtyItem struct {
	ino uint64
	v   *Vnode
}

func (di *dirtyItem) Less(than btree.Item) bool {
	return di.ino < than.(*dirtyItem).ino
}

// VnodeCache maps inode numbers to vnodes.
//
// Like pages, vnodes are not forgotten when the last handle is closed. As
// long as they are still linked they stay in the cache as inactive entries
// (with all of their cached pages) until they are looked up again. Unlinked
// vnodes are evicted on last close.
//
// The cache also remembers which vnodes have unwritten state.
type VnodeCache struct {
	mu     sync.Mutex
	vnodes map[uint64]*Vnode
	dirty  *btree.BTree

	// evict is called without holding mu when an unlinked vnode
	// lost its last reference. It is not in the cache anymore then.
	evict func(v *Vnode)
}

// NewVnodeCache returns an empty cache. `evict` is called for every
// vnode that was unlinked and closed.
func NewVnodeCache(evict func(v *Vnode)) *VnodeCache {
	return &VnodeCache{
		vnodes: make(map[uint64]*Vnode),
		dirty:  btree.New(treeDegree),
		evict:  evict,
	}
}

// insert adds a new vnode with one reference.
func (vc *VnodeCache) insert(v *Vnode) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if _, ok := vc.vnodes[v.ino]; ok {
		panic("bug: vnode inserted twice")
	}

	v.refs = 1
	v.active.Store(true)
	vc.vnodes[v.ino] = v
}

// insertOrLookup is like insert, but returns the cached vnode
// with a new reference if there is one already.
func (vc *VnodeCache) insertOrLookup(v *Vnode) (*Vnode, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if other, ok := vc.vnodes[v.ino]; ok {
		other.refs++
		other.active.Store(true)
		return other, true
	}

	v.refs = 1
	v.active.Store(true)
	vc.vnodes[v.ino] = v
	return v, false
}

// Lookup returns the vnode of `ino` with a new reference.
// Inactive vnodes are resurrected.
func (vc *VnodeCache) Lookup(ino uint64) (*Vnode, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	v, ok := vc.vnodes[ino]
	if !ok {
		return nil, false
	}

	v.refs++
	v.active.Store(true)
	return v, true
}

// Release drops a reference of `v`. When it was the last one, `v` is
// either downgraded to an inactive entry or, if unlinked, evicted.
func (vc *VnodeCache) Release(v *Vnode) {
	vc.mu.Lock()
	if v.refs <= 0 {
		vc.mu.Unlock()
		panic("bug: vnode released too often")
	}

	v.refs--
	if v.refs > 0 {
		vc.mu.Unlock()
		return
	}

	// Vnodes that were only held stay quiet.
	wasActive := v.active.Swap(false)
	if v.Nlink() > 0 {
		vc.mu.Unlock()
		if wasActive {
			v.downgrade()
		}

		return
	}

	delete(vc.vnodes, v.ino)
	vc.dirty.Delete(&dirtyItem{ino: v.ino})
	vc.mu.Unlock()

	if vc.evict != nil {
		vc.evict(v)
	}
}

// Len returns the number of cached vnodes, active or not.
func (vc *VnodeCache) Len() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return len(vc.vnodes)
}

// Snapshot returns all cached vnodes, split by their state.
func (vc *VnodeCache) Snapshot() (inactive, active []*Vnode) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for _, v := range vc.vnodes {
		if v.refs > 0 {
			active = append(active, v)
		} else {
			inactive = append(inactive, v)
		}
	}

	return inactive, active
}

// hold references all cached vnodes, inactive ones first. Other than
// Lookup it does not resurrect inactive vnodes; it only keeps them from
// being evicted. Every returned vnode has to be released.
func (vc *VnodeCache) hold() []*Vnode {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	inactive, active := []*Vnode{}, []*Vnode{}
	for _, v := range vc.vnodes {
		if v.refs > 0 {
			active = append(active, v)
		} else {
			inactive = append(inactive, v)
		}

		v.refs++
	}

	return append(inactive, active...)
}

// AddDirty remembers `v` as having unwritten state.
func (vc *VnodeCache) AddDirty(v *Vnode) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if _, ok := vc.vnodes[v.ino]; !ok {
		// Already evicted.
		return
	}

	vc.dirty.ReplaceOrInsert(&dirtyItem{ino: v.ino, v: v})
}

// RemoveDirty forgets `v` as dirty, if `cond` agrees.
// `cond` is called with the cache locked, so it must not call into it.
func (vc *VnodeCache) RemoveDirty(v *Vnode, cond func() bool) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if cond != nil && !cond() {
		return false
	}

	return vc.dirty.Delete(&dirtyItem{ino: v.ino}) != nil
}

// IsDirty tells if `v` is remembered as dirty.
func (vc *VnodeCache) IsDirty(v *Vnode) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.dirty.Has(&dirtyItem{ino: v.ino})
}

// NumDirty returns the number of dirty vnodes.
func (vc *VnodeCache) NumDirty() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return vc.dirty.Len()
}

// ForDirtyVnodesIf calls `fn` for all dirty vnodes, ordered by inode,
// for which `pred` returns true. Each vnode is referenced during `fn`.
// The first error stops the iteration.
func (vc *VnodeCache) ForDirtyVnodesIf(pred func(v *Vnode) bool, fn func(v *Vnode) error) error {
	vc.mu.Lock()
	vnodes := []*Vnode{}
	vc.dirty.Ascend(func(item btree.Item) bool {
		v := item.(*dirtyItem).v
		if pred == nil || pred(v) {
			v.refs++
			v.active.Store(true)
			vnodes = append(vnodes, v)
		}

		return true
	})
	vc.mu.Unlock()

	var err error
	for _, v := range vnodes {
		if err == nil {
			err = fn(v)
		}

		vc.Release(v)
	}

	return err
}
