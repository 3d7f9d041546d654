// Package vfs ties the page cache to the objects of a filesystem.
//
// Every object is a Vnode with its own FileCache. Regular files and
// directories are created and opened through the Filesystem; two
// internal objects hold the inode records (node object) and the
// checkpoint (meta object). All pages are written through a shared
// writer queue into a block store.
package vfs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	e "github.com/pkg/errors"
	"github.com/sahib/config"
	"github.com/sahib/f2cache/backing"
	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/stats"
	"github.com/sahib/f2cache/store"
	"github.com/sahib/f2cache/writer"
	log "github.com/sirupsen/logrus"
)

const (
	treeDegree = 16

	// syncRounds bounds how often writebackAll retries pages
	// that were skipped while a queued write still referenced them.
	syncRounds = 3
)

var (
	// ErrNoSuchVnode is returned when opening an inode that does not exist.
	ErrNoSuchVnode = errors.New("no such vnode")

	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("filesystem is closed")
)

// Options configure a Filesystem.
type Options struct {
	Backing backing.Options
	Writer  writer.Options

	// PagesPerPass limits the pages written per object in one
	// writeback pass of checkpoint and reclaim.
	PagesPerPass uint64
}

// OptionsFromConfig reads the options out of `cfg`.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	maxMemory, err := backing.ParseSize(cfg.String("backing.max_memory"))
	if err != nil {
		return Options{}, e.Wrap(err, "backing.max_memory")
	}

	algo, err := backing.AlgoFromString(cfg.String("backing.compression"))
	if err != nil {
		return Options{}, e.Wrap(err, "backing.compression")
	}

	return Options{
		Backing: backing.Options{
			MaxMemory:   maxMemory,
			SwapDir:     cfg.String("backing.swap_dir"),
			Compression: algo,
		},
		Writer: writer.Options{
			Workers:            int(cfg.Int("writer.workers")),
			BatchSize:          int(cfg.Int("writer.batch_size")),
			MaxWritesPerSecond: float64(cfg.Int("writer.max_writes_per_second")),
		},
		PagesPerPass: uint64(cfg.Int("writeback.pages_per_pass")),
	}, nil
}

// Filesystem is the glue between the vnodes and the shared parts:
// the writer queue, the backing memory, the counters and the store.
type Filesystem struct {
	st        store.Store
	ownsStore bool
	opts      Options

	writer   *writer.Writer
	pool     *backing.Pool
	counters *stats.Counters
	vcache   *VnodeCache

	node *Vnode
	meta *Vnode

	// cpMu is held during a checkpoint; there is only one at a time.
	cpMu          sync.Mutex
	checkpointing atomic.Bool
	cpVersion     atomic.Uint64

	nextIno atomic.Uint64
	closed  atomic.Bool
}

// New returns a filesystem that persists into `st`.
// The last checkpoint in `st` is loaded, if any.
func New(st store.Store, opts Options) (*Filesystem, error) {
	pool, err := backing.NewPool(opts.Backing)
	if err != nil {
		return nil, e.Wrap(err, "failed to create backing pool")
	}

	if opts.PagesPerPass == 0 {
		opts.PagesPerPass = 1024
	}

	fs := &Filesystem{
		st:       st,
		opts:     opts,
		writer:   writer.New(st, opts.Writer),
		pool:     pool,
		counters: stats.NewCounters(),
	}

	fs.vcache = NewVnodeCache(fs.evict)
	fs.node = fs.newInternalVnode(nodeIno, pagecache.PageTypeNode)
	fs.meta = fs.newInternalVnode(metaIno, pagecache.PageTypeMeta)
	fs.nextIno.Store(firstIno)

	if err := fs.loadCheckpoint(); err != nil {
		fs.writer.Close()
		pool.Close()
		return nil, err
	}

	return fs, nil
}

// Open opens the store configured in `cfg` and a filesystem on top of it.
// The store is closed together with the filesystem.
func Open(cfg *config.Config) (*Filesystem, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.String("store.backend"), cfg.String("store.path"))
	if err != nil {
		return nil, e.Wrap(err, "failed to open store")
	}

	fs, err := New(st, opts)
	if err != nil {
		st.Close()
		return nil, err
	}

	fs.ownsStore = true
	return fs, nil
}

func (fs *Filesystem) newInternalVnode(ino uint64, pt pagecache.PageType) *Vnode {
	v := newVnode(fs, ino, pt)
	v.internal = true
	v.nlink = 1
	v.size = pagecache.MaxIndex
	return v
}

func (fs *Filesystem) checkOpen() error {
	if fs.closed.Load() {
		return ErrClosed
	}

	return nil
}

// Counters returns the page counters of the filesystem.
func (fs *Filesystem) Counters() *stats.Counters {
	return fs.counters
}

// Pool returns the backing memory of the filesystem.
func (fs *Filesystem) Pool() *backing.Pool {
	return fs.pool
}

// Vnodes returns the vnode cache.
func (fs *Filesystem) Vnodes() *VnodeCache {
	return fs.vcache
}

// CanReclaim is part of pagecache.ReclaimGate.
// Reclaim is not allowed while a checkpoint is written.
func (fs *Filesystem) CanReclaim() bool {
	return !fs.checkpointing.Load() && !fs.closed.Load()
}

// ScheduleFlush is part of pagecache.Flusher.
func (fs *Filesystem) ScheduleFlush(done chan<- struct{}, pt pagecache.PageType) {
	fs.writer.ScheduleFlush(done, pt)
}

/////////////
// INODES  //
/////////////

func (fs *Filesystem) readNodePage(ino uint64) (*pagecache.LockedPage, error) {
	lp, err := fs.node.cache.GetPage(ino)
	if err != nil {
		return nil, err
	}

	if err := fs.node.fillPage(lp); err != nil {
		lp.Release()
		return nil, err
	}

	return lp, nil
}

// writeInode puts the inode record of `v` into the node object.
func (fs *Filesystem) writeInode(v *Vnode) error {
	if !v.inodeDirty.Swap(false) {
		return nil
	}

	lp, err := fs.readNodePage(v.ino)
	if err != nil {
		v.inodeDirty.Store(true)
		return e.Wrapf(err, "failed to write inode %d", v.ino)
	}

	defer lp.Release()

	ir := inodeRecord{Size: v.Size(), Nlink: v.Nlink(), Type: v.pt}
	ir.marshal(lp.Data()[:inodeRecordSize])
	lp.SetDirty()
	return nil
}

// deleteInode drops the inode record and all blocks of `v`.
func (fs *Filesystem) deleteInode(v *Vnode) error {
	fs.node.cache.InvalidatePages(v.ino, v.ino+1)

	errCh := make(chan error, 1)
	fs.writer.Enqueue(writer.Op{
		Type:  pagecache.PageTypeNode,
		Ino:   nodeIno,
		Index: v.ino,
		Done:  func(err error) { errCh <- err },
	})

	fs.writer.Flush(pagecache.PageTypeNode)
	if err := <-errCh; err != nil {
		return e.Wrapf(err, "failed to delete inode %d", v.ino)
	}

	return nil
}

// Create makes a new object with one link and returns it opened.
// `pt` must be PageTypeData (files) or PageTypeDentry (directories).
func (fs *Filesystem) Create(pt pagecache.PageType) (*Vnode, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	if pt != pagecache.PageTypeData && pt != pagecache.PageTypeDentry {
		return nil, fmt.Errorf("cannot create objects of type %s", pt)
	}

	v := newVnode(fs, fs.nextIno.Add(1)-1, pt)
	v.nlink = 1
	fs.vcache.insert(v)
	v.markInodeDirty()

	log.Debugf("vfs: created %v", v)
	return v, nil
}

// Lookup opens the object `ino`. Cached vnodes are reused,
// others are loaded from their inode record.
func (fs *Filesystem) Lookup(ino uint64) (*Vnode, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	if v, ok := fs.vcache.Lookup(ino); ok {
		return v, nil
	}

	if ino < firstIno {
		return nil, ErrNoSuchVnode
	}

	lp, err := fs.readNodePage(ino)
	if err != nil {
		return nil, err
	}

	ir := inodeRecord{}
	ir.unmarshal(lp.Data()[:inodeRecordSize])
	lp.Release()

	if ir.Nlink == 0 {
		return nil, ErrNoSuchVnode
	}

	v := newVnode(fs, ino, ir.Type)
	v.size = ir.Size
	v.nlink = ir.Nlink

	// Somebody else might have loaded it meanwhile.
	if other, ok := fs.vcache.insertOrLookup(v); ok {
		return other, nil
	}

	return v, nil
}

// evict is called by the vnode cache for unlinked, closed vnodes.
func (fs *Filesystem) evict(v *Vnode) {
	if err := v.destroy(); err != nil {
		log.WithError(err).Warnf("vfs: failed to destroy vnode %d", v.ino)
	}
}

////////////////
// CHECKPOINT //
////////////////

func (fs *Filesystem) loadCheckpoint() error {
	lp, err := fs.meta.cache.GetPage(0)
	if err != nil {
		return err
	}

	defer lp.Release()

	if err := fs.meta.fillPage(lp); err != nil {
		return e.Wrap(err, "failed to read checkpoint")
	}

	cr := checkpointRecord{}
	cr.unmarshal(lp.Data()[:checkpointRecordSize])
	if cr.Version == 0 {
		return nil
	}

	fs.cpVersion.Store(cr.Version)
	fs.nextIno.Store(cr.NextIno)

	log.WithFields(log.Fields{
		"version":  cr.Version,
		"next_ino": cr.NextIno,
		"stamp":    time.Unix(0, cr.Stamp).Format(time.RFC3339),
	}).Debugf("vfs: loaded checkpoint")
	return nil
}

// writebackAll writes all dirty pages of `v` in passes of PagesPerPass.
// Pages that are still referenced by a queued write are skipped by the
// page cache, so the queue of `v` is drained before every round.
func (fs *Filesystem) writebackAll(v *Vnode, sync bool) {
	for round := 0; round < syncRounds; round++ {
		fs.writer.Flush(v.pt)

		for {
			written := v.cache.Writeback(pagecache.WritebackOperation{
				ToWrite:  fs.opts.PagesPerPass,
				Sync:     sync,
				Callback: v.markCold,
			})

			if written < fs.opts.PagesPerPass {
				break
			}
		}

		if v.DirtyPages() == 0 {
			return
		}
	}
}

// SyncFs writes a checkpoint: all dirty vnodes are written (directories
// first, then files), followed by the inode records and the checkpoint
// record. Reclaim is blocked meanwhile.
func (fs *Filesystem) SyncFs() error {
	if err := fs.checkOpen(); err != nil {
		return err
	}

	fs.cpMu.Lock()
	defer fs.cpMu.Unlock()

	fs.checkpointing.Store(true)
	defer fs.checkpointing.Store(false)

	for _, pt := range []pagecache.PageType{pagecache.PageTypeDentry, pagecache.PageTypeData} {
		pt := pt
		isType := func(v *Vnode) bool { return v.pt == pt }
		err := fs.vcache.ForDirtyVnodesIf(isType, func(v *Vnode) error {
			fs.writebackAll(v, false)
			if err := fs.writeInode(v); err != nil {
				return err
			}

			fs.vcache.RemoveDirty(v, v.isClean)
			return nil
		})

		if err != nil {
			return e.Wrap(err, "checkpoint failed")
		}
	}

	fs.writebackAll(fs.node, false)
	fs.writer.Flush()

	if err := fs.writeCheckpoint(); err != nil {
		return err
	}

	if err := fs.node.takeWriteError(); err != nil {
		return e.Wrap(err, "failed to write inodes")
	}

	return fs.meta.takeWriteError()
}

func (fs *Filesystem) writeCheckpoint() error {
	lp, err := fs.meta.cache.GetPage(0)
	if err != nil {
		return e.Wrap(err, "failed to write checkpoint")
	}

	cr := checkpointRecord{
		Version: fs.cpVersion.Add(1),
		NextIno: fs.nextIno.Load(),
		Stamp:   time.Now().UnixNano(),
	}

	if !lp.IsUptodate() {
		lp.ZeroSegment(0, pagecache.PageSize)
	}

	cr.marshal(lp.Data()[:checkpointRecordSize])
	lp.SetDirty()
	lp.Release()

	fs.meta.cache.Writeback(pagecache.WritebackOperation{Sync: true})
	log.Debugf("vfs: wrote checkpoint %d", cr.Version)
	return nil
}

// Version returns the version of the last checkpoint.
func (fs *Filesystem) Version() uint64 {
	return fs.cpVersion.Load()
}

/////////////
// RECLAIM //
/////////////

// Reclaim writes up to `pages` dirty pages to give back memory, starting
// with the vnodes nobody has opened. Clean pages that are not used are
// dropped on the way. Reclaim stops early when a checkpoint starts.
// It returns the number of written pages.
func (fs *Filesystem) Reclaim(pages uint64) uint64 {
	if pages == 0 {
		pages = fs.opts.PagesPerPass
	}

	vnodes := fs.vcache.hold()
	defer func() {
		for _, v := range vnodes {
			v.Release()
		}
	}()

	written := uint64(0)
	for _, v := range vnodes {
		if written >= pages || !fs.CanReclaim() {
			break
		}

		written += v.cache.Writeback(pagecache.WritebackOperation{
			ToWrite:      pages - written,
			Reclaim:      true,
			ReleasePages: true,
			Callback:     v.markCold,
		})
	}

	return written
}

// Close writes a last checkpoint and releases all resources.
// Vnodes that are still open are dropped with a warning.
func (fs *Filesystem) Close() error {
	if fs.closed.Load() {
		return nil
	}

	syncErr := fs.SyncFs()
	fs.closed.Store(true)

	inactive, active := fs.vcache.Snapshot()
	if len(active) > 0 {
		log.Warnf("vfs: closing with %d open vnodes", len(active))
	}

	for _, v := range append(inactive, active...) {
		v.cache.Reset()
	}

	fs.node.cache.Reset()
	fs.meta.cache.Reset()

	if err := fs.writer.Close(); err != nil && syncErr == nil {
		syncErr = err
	}

	if err := fs.pool.Close(); err != nil && syncErr == nil {
		syncErr = err
	}

	if fs.ownsStore {
		if err := fs.st.Close(); err != nil && syncErr == nil {
			syncErr = err
		}
	}

	return syncErr
}
