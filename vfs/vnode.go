package vfs

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	e "github.com/pkg/errors"
	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/store"
	"github.com/sahib/f2cache/writer"
	log "github.com/sirupsen/logrus"
)

// Vnode is a single object of the filesystem (a file, a directory or one of
// the internal node and meta objects). It owns the FileCache of its content.
type Vnode struct {
	fs    *Filesystem
	ino   uint64
	pt    pagecache.PageType
	cache *pagecache.FileCache

	// rw serializes modifications of the content against each other.
	// Readers may run in parallel.
	rw sync.RWMutex

	// mu guards size and nlink.
	mu    sync.Mutex
	size  uint64
	nlink uint64

	// refs is guarded by the mutex of the VnodeCache.
	refs   int
	active atomic.Bool

	dirtyPages atomic.Int64
	inodeDirty atomic.Bool
	cold       atomic.Bool
	internal   bool
	writeErrMu sync.Mutex
	writeErr   error
	lostWrites atomic.Int64
}

func newVnode(fs *Filesystem, ino uint64, pt pagecache.PageType) *Vnode {
	v := &Vnode{
		fs:  fs,
		ino: ino,
		pt:  pt,
	}

	v.cache = pagecache.New(v, fs.pool.Memory(ino), pagecache.Env{
		Counters: fs.counters,
		Flusher:  fs,
		Reclaim:  fs,
	})

	return v
}

func (v *Vnode) String() string {
	return fmt.Sprintf("<vnode %d %s size=%d nlink=%d>", v.ino, v.pt, v.Size(), v.Nlink())
}

// Ino is the inode number of the vnode.
func (v *Vnode) Ino() uint64 {
	return v.ino
}

// Cache returns the page cache of the vnode.
func (v *Vnode) Cache() *pagecache.FileCache {
	return v.cache
}

// Size returns the current size in bytes.
func (v *Vnode) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.size
}

// Nlink returns the number of links to the vnode.
func (v *Vnode) Nlink() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.nlink
}

// DirtyPages returns the number of dirty pages of the vnode.
func (v *Vnode) DirtyPages() int64 {
	return v.dirtyPages.Load()
}

// SetCold marks the content as rarely modified.
// Its pages are written after the hot ones.
func (v *Vnode) SetCold(cold bool) {
	v.cold.Store(cold)
}

func (v *Vnode) setSize(size uint64) {
	v.mu.Lock()
	v.size = size
	v.mu.Unlock()

	v.markInodeDirty()
}

func (v *Vnode) markInodeDirty() {
	if v.internal {
		return
	}

	v.inodeDirty.Store(true)
	v.fs.vcache.AddDirty(v)
}

func (v *Vnode) isClean() bool {
	return v.dirtyPages.Load() == 0 && !v.inodeDirty.Load()
}

///////////////////////////
// pagecache.Owner       //
///////////////////////////

// WriteDirtyPage hands a copy of the page to the writer queue.
// The page stays under writeback until the copy was persisted.
func (v *Vnode) WriteDirtyPage(lp *pagecache.LockedPage, isReclaim bool) error {
	// Only one write per page may be in flight.
	lp.WaitOnWriteback()

	if lp.Offset() >= v.Size() {
		lp.ClearDirtyForIo()
		return e.Wrapf(pagecache.ErrOutOfRange, "page %d of vnode %d", lp.Index(), v.ino)
	}

	if err := lp.EnsureResident(); err != nil {
		return err
	}

	if !lp.ClearDirtyForIo() {
		return nil
	}

	data := make([]byte, pagecache.PageSize)
	copy(data, lp.Data())

	lp.SetWriteback()

	// The writer holds its own reference until it is done.
	p := lp.Page
	p.Ref()

	if isReclaim {
		log.Debugf("vfs: reclaiming page %d of vnode %d", p.Index(), v.ino)
	}

	v.fs.writer.Enqueue(writer.Op{
		Type:  v.pt,
		Ino:   v.ino,
		Index: p.Index(),
		Data:  data,
		Cold:  p.IsColdData(),
		Done: func(err error) {
			if err != nil {
				v.setWriteError(err)
				log.WithError(err).WithFields(log.Fields{
					"ino":   v.ino,
					"index": p.Index(),
				}).Errorf("vfs: lost async write")
			}

			p.ClearWriteback()
			p.Release()
		},
	})

	return nil
}

// IncreaseDirtyPageCount is part of pagecache.Owner.
func (v *Vnode) IncreaseDirtyPageCount() {
	v.dirtyPages.Add(1)
}

// DecreaseDirtyPageCount is part of pagecache.Owner.
func (v *Vnode) DecreaseDirtyPageCount() {
	if v.dirtyPages.Add(-1) < 0 {
		panic(fmt.Sprintf("bug: dirty page count of vnode %d dropped below zero", v.ino))
	}
}

// MarkDirty is part of pagecache.Owner.
func (v *Vnode) MarkDirty() {
	if v.internal {
		return
	}

	v.fs.vcache.AddDirty(v)
}

// PageType is part of pagecache.Owner.
func (v *Vnode) PageType() pagecache.PageType {
	return v.pt
}

// IsActive is part of pagecache.Owner.
func (v *Vnode) IsActive() bool {
	return v.internal || v.active.Load()
}

func (v *Vnode) setWriteError(err error) {
	v.lostWrites.Add(1)

	v.writeErrMu.Lock()
	defer v.writeErrMu.Unlock()

	if v.writeErr == nil {
		v.writeErr = err
	}
}

// takeWriteError returns the first failed async write since the last call.
func (v *Vnode) takeWriteError() error {
	v.writeErrMu.Lock()
	defer v.writeErrMu.Unlock()

	err := v.writeErr
	v.writeErr = nil
	return err
}

/////////////
// CONTENT //
/////////////

// fillPage reads the content of `lp` from the store, if needed.
func (v *Vnode) fillPage(lp *pagecache.LockedPage) error {
	if lp.IsUptodate() {
		return nil
	}

	// A write of the old content might still be queued.
	lp.WaitOnWriteback()

	data, err := v.fs.st.Get(v.ino, lp.Index())
	switch err {
	case nil:
		n := copy(lp.Data(), data)
		lp.ZeroSegment(n, pagecache.PageSize)
	case store.ErrNoSuchKey:
		lp.ZeroSegment(0, pagecache.PageSize)
	default:
		return e.Wrapf(err, "failed to read page %d of vnode %d", lp.Index(), v.ino)
	}

	lp.SetUptodate()
	return nil
}

// ReadAt reads len(buf) bytes at `off`. It returns io.EOF when less
// than that could be read because the end was hit.
func (v *Vnode) ReadAt(buf []byte, off int64) (int, error) {
	if err := v.fs.checkOpen(); err != nil {
		return 0, err
	}

	v.rw.RLock()
	defer v.rw.RUnlock()

	size := v.Size()
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}

	if uint64(off) >= size {
		return 0, io.EOF
	}

	want := buf
	if uint64(off)+uint64(len(buf)) > size {
		want = buf[:size-uint64(off)]
	}

	n := 0
	for n < len(want) {
		pos := uint64(off) + uint64(n)
		lp, err := v.cache.GetPage(pos / pagecache.PageSize)
		if err != nil {
			return n, err
		}

		if err := v.fillPage(lp); err != nil {
			lp.Release()
			return n, err
		}

		n += copy(want[n:], lp.Data()[pos%pagecache.PageSize:])
		lp.Release()
	}

	if n < len(buf) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes `buf` at `off`, growing the vnode if needed.
func (v *Vnode) WriteAt(buf []byte, off int64) (int, error) {
	if err := v.fs.checkOpen(); err != nil {
		return 0, err
	}

	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}

	v.rw.Lock()
	defer v.rw.Unlock()

	// Grow first; writeback drops dirty pages beyond the end.
	if end := uint64(off) + uint64(len(buf)); end > v.Size() {
		v.setSize(end)
	}

	n := 0
	for n < len(buf) {
		pos := uint64(off) + uint64(n)
		inPage := pos % pagecache.PageSize

		lp, err := v.cache.GetPage(pos / pagecache.PageSize)
		if err != nil {
			return n, err
		}

		// Partial writes need the rest of the page.
		if inPage != 0 || uint64(len(buf)-n) < pagecache.PageSize {
			if err := v.fillPage(lp); err != nil {
				lp.Release()
				return n, err
			}
		}

		n += copy(lp.Data()[inPage:], buf[n:])
		lp.SetDirty()
		lp.Release()
	}

	return n, nil
}

// Truncate sets the size of the vnode to `size`. Content beyond is dropped.
func (v *Vnode) Truncate(size uint64) error {
	if err := v.fs.checkOpen(); err != nil {
		return err
	}

	v.rw.Lock()
	defer v.rw.Unlock()

	return v.truncate(size)
}

func (v *Vnode) truncate(size uint64) error {
	old := v.Size()
	v.setSize(size)
	if size >= old {
		return nil
	}

	if err := v.truncatePartialPage(size); err != nil {
		return err
	}

	first := (size + pagecache.PageSize - 1) / pagecache.PageSize
	return v.dropPages(first, pagecache.MaxIndex)
}

// truncatePartialPage zeroes the part of the last page that is beyond `size`.
func (v *Vnode) truncatePartialPage(size uint64) error {
	inPage := size % pagecache.PageSize
	if inPage == 0 {
		return nil
	}

	lp, err := v.cache.GetPage(size / pagecache.PageSize)
	if err != nil {
		return err
	}

	defer lp.Release()

	if err := v.fillPage(lp); err != nil {
		return err
	}

	lp.ZeroSegment(int(inPage), pagecache.PageSize)
	lp.SetDirty()
	return nil
}

// dropPages forgets the content in the page range [start, end).
func (v *Vnode) dropPages(start, end uint64) error {
	// Waits for writes in flight, so the store is not written after.
	v.cache.InvalidatePages(start, end)
	if err := v.fs.st.DeleteRange(v.ino, start, end); err != nil {
		return e.Wrapf(err, "failed to drop blocks of vnode %d", v.ino)
	}

	return nil
}

// TruncateHole drops the content of the pages in [start, end).
// The size does not change.
func (v *Vnode) TruncateHole(start, end uint64) error {
	if err := v.fs.checkOpen(); err != nil {
		return err
	}

	if start >= end {
		return nil
	}

	v.rw.Lock()
	defer v.rw.Unlock()

	return v.dropPages(start, end)
}

func (v *Vnode) markCold(lp *pagecache.LockedPage) {
	if v.cold.Load() {
		lp.SetColdData()
	} else {
		lp.ClearColdData()
	}
}

// writeback writes all dirty pages and the inode record of the vnode.
// With `sync` set it waits until all of it was persisted.
func (v *Vnode) writeback(sync bool) error {
	v.fs.writebackAll(v, sync)

	if err := v.fs.writeInode(v); err != nil {
		return err
	}

	v.fs.vcache.RemoveDirty(v, v.isClean)
	return nil
}

// SyncFile persists the content and the inode of the vnode.
// Writes that failed in the background since the last call are reported.
func (v *Vnode) SyncFile() error {
	if err := v.fs.checkOpen(); err != nil {
		return err
	}

	if err := v.writeback(true); err != nil {
		return err
	}

	v.fs.writer.Flush(v.fs.node.pt)
	v.fs.node.cache.Writeback(pagecache.WritebackOperation{
		Start: v.ino,
		End:   v.ino + 1,
		Sync:  true,
	})

	err := v.takeWriteError()
	if nodeErr := v.fs.node.takeWriteError(); nodeErr != nil && err == nil {
		err = e.Wrapf(nodeErr, "failed to write inode %d", v.ino)
	}

	return err
}

// Unlink drops a link. The content is removed when the last
// handle is closed after the last link went away.
func (v *Vnode) Unlink() error {
	v.mu.Lock()
	if v.nlink == 0 {
		v.mu.Unlock()
		return ErrNoSuchVnode
	}

	v.nlink--
	v.mu.Unlock()

	v.markInodeDirty()
	return nil
}

// Release closes a handle of the vnode.
func (v *Vnode) Release() {
	v.fs.vcache.Release(v)
}

// downgrade is called when a linked vnode lost its last handle.
// The pages stay cached for the next lookup.
func (v *Vnode) downgrade() {
	if n := v.DirtyPages(); n > 0 {
		log.WithFields(log.Fields{
			"ino":   v.ino,
			"dirty": n,
		}).Warnf("vfs: vnode closed with dirty pages")
	}
}

// destroy removes all traces of an unlinked vnode.
func (v *Vnode) destroy() error {
	v.rw.Lock()
	defer v.rw.Unlock()

	var err error
	if truncErr := v.truncate(0); truncErr != nil {
		err = truncErr
	}

	v.cache.Reset()
	v.fs.pool.Forget(v.ino)
	v.inodeDirty.Store(false)

	if delErr := v.fs.deleteInode(v); delErr != nil && err == nil {
		err = delErr
	}

	return err
}
