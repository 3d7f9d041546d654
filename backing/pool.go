// Package backing implements the memory that holds the content of cached
// pages. All regions of a filesystem share one Pool with a common memory
// budget. Regions that are not pinned by a page are kept in a LRU list;
// when the budget is exceeded the oldest of them are moved to a swap
// directory (if configured) or dropped.
package backing

import (
	"container/list"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/sahib/f2cache/pagecache"
	log "github.com/sirupsen/logrus"
)

const regionSize = pagecache.PageSize

var (
	// ErrNotResident is returned when mapping a region that is not pinned.
	ErrNotResident = errors.New("region is not resident")

	// ErrNotPinned is returned when unpinning a region that has no pins.
	ErrNotPinned = errors.New("region is not pinned")
)

type regionKey struct {
	ino    uint64
	offset uint64
}

func (rk regionKey) String() string {
	shard := byte(rk.ino) ^ byte(rk.offset/regionSize)
	return filepath.Join(
		fmt.Sprintf("%02x", shard),
		fmt.Sprintf("%016x-%016x", rk.ino, rk.offset),
	)
}

type region struct {
	data    []byte
	pins    int
	swapped bool

	// link is set while the region is resident and unpinned.
	link *list.Element
}

// Options configure a Pool.
type Options struct {
	// MaxMemory is the budget for resident regions in bytes.
	// 0 means no limit.
	MaxMemory int64

	// SwapDir is where regions go when memory is full.
	// If empty, those regions are dropped.
	SwapDir string

	// Compression is used for swapped regions.
	Compression AlgorithmType
}

// Stats is a snapshot of the state of a Pool.
type Stats struct {
	Resident int64
	Regions  int
	Pinned   int
	Swapped  int
	SwapIns  int64
	SwapOuts int64
	Dropped  int64
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"resident=%s regions=%d pinned=%d swapped=%d (in=%d out=%d) dropped=%d",
		humanize.IBytes(uint64(s.Resident)),
		s.Regions, s.Pinned, s.Swapped, s.SwapIns, s.SwapOuts, s.Dropped,
	)
}

// Pool manages the regions of all objects of one filesystem.
type Pool struct {
	mu      sync.Mutex
	regions map[uint64]map[uint64]*region
	lru     *list.List
	swap    *swapDir
	opts    Options
	stats   Stats
}

// NewPool returns a new Pool. If opts.SwapDir is set, it is created.
func NewPool(opts Options) (*Pool, error) {
	swap, err := newSwapDir(opts.SwapDir, opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Pool{
		regions: make(map[uint64]map[uint64]*region),
		lru:     list.New(),
		swap:    swap,
		opts:    opts,
	}, nil
}

// ParseSize parses human readable sizes like "512M".
// "0" and "" mean no limit.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}

	return int64(size), nil
}

// Memory returns the view on the regions of object `ino`.
func (p *Pool) Memory(ino uint64) *Memory {
	return &Memory{pool: p, ino: ino}
}

func (p *Pool) lookup(key regionKey) *region {
	if regions, ok := p.regions[key.ino]; ok {
		return regions[key.offset]
	}

	return nil
}

func (p *Pool) insert(key regionKey, r *region) {
	regions, ok := p.regions[key.ino]
	if !ok {
		regions = make(map[uint64]*region)
		p.regions[key.ino] = regions
	}

	regions[key.offset] = r
	p.stats.Regions++
}

func (p *Pool) remove(key regionKey, r *region) {
	if r.link != nil {
		p.lru.Remove(r.link)
		r.link = nil
	}

	if r.data != nil {
		r.data = nil
		p.stats.Resident -= regionSize
	}

	if r.swapped {
		p.swap.Del(key)
		r.swapped = false
		p.stats.Swapped--
	}

	regions := p.regions[key.ino]
	delete(regions, key.offset)
	if len(regions) == 0 {
		delete(p.regions, key.ino)
	}

	p.stats.Regions--
}

func (p *Pool) swapIn(key regionKey, r *region) bool {
	r.swapped = false
	p.stats.Swapped--

	data, err := p.swap.Get(key)
	p.swap.Del(key)
	if err != nil || len(data) != regionSize {
		log.WithError(err).Warnf("backing: failed to swap in %v", key)
		return false
	}

	r.data = data
	p.stats.SwapIns++
	return true
}

func (p *Pool) lock(key regionKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.lookup(key)
	if r == nil {
		r = &region{}
		p.insert(key, r)
	}

	wasResident := true
	if r.data == nil {
		if !r.swapped || !p.swapIn(key, r) {
			r.data = make([]byte, regionSize)
			wasResident = false
		}

		p.stats.Resident += regionSize
	}

	if r.link != nil {
		p.lru.Remove(r.link)
		r.link = nil
	}

	r.pins++
	p.stats.Pinned++
	p.shrink()
	return wasResident
}

func (p *Pool) unlock(key regionKey, evict bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.lookup(key)
	if r == nil || r.pins == 0 {
		return ErrNotPinned
	}

	r.pins--
	p.stats.Pinned--
	if r.pins > 0 {
		return nil
	}

	if evict {
		p.remove(key, r)
		return nil
	}

	r.link = p.lru.PushBack(key)
	p.shrink()
	return nil
}

func (p *Pool) mapRegion(key regionKey) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.lookup(key)
	if r == nil || r.pins == 0 || r.data == nil {
		return nil, ErrNotResident
	}

	return r.data, nil
}

// shrink moves unpinned regions out of memory until the budget fits.
// Pinned regions may exceed the budget.
func (p *Pool) shrink() {
	if p.opts.MaxMemory <= 0 {
		return
	}

	for p.stats.Resident > p.opts.MaxMemory {
		oldest := p.lru.Front()
		if oldest == nil {
			return
		}

		key := p.lru.Remove(oldest).(regionKey)
		r := p.lookup(key)
		if r == nil {
			// lru and map got out of sync; very likely a bug.
			log.Errorf("backing: region %v in lru, but not in map", key)
			continue
		}

		r.link = nil
		if p.swap != nil {
			err := p.swap.Set(key, r.data)
			if err == nil {
				r.data = nil
				r.swapped = true
				p.stats.Resident -= regionSize
				p.stats.Swapped++
				p.stats.SwapOuts++
				continue
			}

			log.WithError(err).Warnf("backing: failed to swap out %v", key)
		}

		p.remove(key, r)
		p.stats.Dropped++
	}
}

// Forget drops all unpinned regions of `ino`.
// It returns the number of regions that are still pinned.
func (p *Pool) Forget(ino uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pinned := 0
	for offset, r := range p.regions[ino] {
		if r.pins > 0 {
			pinned++
			continue
		}

		p.remove(regionKey{ino: ino, offset: offset}, r)
	}

	if pinned > 0 {
		log.Warnf("backing: %d regions of %d are still pinned", pinned, ino)
	}

	return pinned
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats
}

// Close drops all regions and removes the swap directory.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stats.Pinned > 0 {
		log.Warnf("backing: closing with %d pinned regions", p.stats.Pinned)
	}

	p.regions = make(map[uint64]map[uint64]*region)
	p.lru.Init()
	p.stats = Stats{}
	return p.swap.Close()
}

// Memory is the backing memory of a single object.
type Memory struct {
	pool *Pool
	ino  uint64
}

// LockRegion pins the region at `offset`.
func (m *Memory) LockRegion(offset uint64) (bool, error) {
	if offset%regionSize != 0 {
		return false, fmt.Errorf("backing: unaligned offset %d", offset)
	}

	return m.pool.lock(regionKey{ino: m.ino, offset: offset}), nil
}

// UnlockRegion drops a pin of the region at `offset`.
func (m *Memory) UnlockRegion(offset uint64, evict bool) error {
	return m.pool.unlock(regionKey{ino: m.ino, offset: offset}, evict)
}

// MapRegion returns the content of a pinned region.
func (m *Memory) MapRegion(offset uint64) ([]byte, error) {
	return m.pool.mapRegion(regionKey{ino: m.ino, offset: offset})
}
