package pagecache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// memRegion is a single region of fakeMemory.
type memRegion struct {
	data []byte
	pins int
}

// fakeMemory keeps all regions in a map. Regions without pins
// can be dropped with dropUnpinned() to simulate memory pressure.
type fakeMemory struct {
	mu      sync.Mutex
	regions map[uint64]*memRegion
	lockErr error
	evicted int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{regions: make(map[uint64]*memRegion)}
}

func (m *fakeMemory) LockRegion(offset uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockErr != nil {
		return false, m.lockErr
	}

	r, ok := m.regions[offset]
	if !ok {
		r = &memRegion{data: make([]byte, PageSize)}
		m.regions[offset] = r
	}

	r.pins++
	return ok, nil
}

func (m *fakeMemory) UnlockRegion(offset uint64, evict bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[offset]
	if !ok || r.pins == 0 {
		return errors.New("unlock of unpinned region")
	}

	r.pins--
	if evict && r.pins == 0 {
		delete(m.regions, offset)
		m.evicted++
	}

	return nil
}

func (m *fakeMemory) MapRegion(offset uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[offset]
	if !ok || r.pins == 0 {
		return nil, errors.New("map of unpinned region")
	}

	return r.data, nil
}

func (m *fakeMemory) dropUnpinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for offset, r := range m.regions {
		if r.pins == 0 {
			delete(m.regions, offset)
			dropped++
		}
	}

	return dropped
}

func (m *fakeMemory) pins(offset uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.regions[offset]; ok {
		return r.pins
	}

	return 0
}

// fakeOwner writes pages into a map synchronously.
type fakeOwner struct {
	mu       sync.Mutex
	written  map[uint64][]byte
	writeErr error

	pageType   PageType
	active     atomic.Bool
	dirtyPages atomic.Int64
	markDirty  atomic.Int64
}

func newFakeOwner(pt PageType) *fakeOwner {
	o := &fakeOwner{
		written:  make(map[uint64][]byte),
		pageType: pt,
	}

	o.active.Store(true)
	return o
}

func (o *fakeOwner) WriteDirtyPage(lp *LockedPage, isReclaim bool) error {
	if !lp.ClearDirtyForIo() {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writeErr != nil {
		return o.writeErr
	}

	o.written[lp.Index()] = append([]byte{}, lp.Data()...)
	return nil
}

func (o *fakeOwner) IncreaseDirtyPageCount() { o.dirtyPages.Add(1) }
func (o *fakeOwner) DecreaseDirtyPageCount() { o.dirtyPages.Add(-1) }
func (o *fakeOwner) MarkDirty()              { o.markDirty.Add(1) }
func (o *fakeOwner) PageType() PageType      { return o.pageType }
func (o *fakeOwner) IsActive() bool          { return o.active.Load() }

func (o *fakeOwner) numWritten() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.written)
}

type fakeCounters struct {
	counts [NumCountTypes]atomic.Int64
}

func (c *fakeCounters) IncPageCount(ct CountType) { c.counts[ct].Add(1) }
func (c *fakeCounters) DecPageCount(ct CountType) { c.counts[ct].Add(-1) }
func (c *fakeCounters) get(ct CountType) int64    { return c.counts[ct].Load() }

type fakeFlusher struct {
	flushes atomic.Int64
	onFlush func()
}

func (f *fakeFlusher) ScheduleFlush(done chan<- struct{}, pt PageType) {
	f.flushes.Add(1)
	if f.onFlush != nil {
		f.onFlush()
	}

	if done != nil {
		close(done)
	}
}

type fakeGate struct {
	allowed atomic.Bool
}

func (g *fakeGate) CanReclaim() bool { return g.allowed.Load() }

type cacheFixture struct {
	fc       *FileCache
	owner    *fakeOwner
	mem      *fakeMemory
	counters *fakeCounters
	flusher  *fakeFlusher
	gate     *fakeGate
}

func withFileCacheOfType(t *testing.T, pt PageType, fn func(fx *cacheFixture)) {
	fx := &cacheFixture{
		owner:    newFakeOwner(pt),
		mem:      newFakeMemory(),
		counters: &fakeCounters{},
		flusher:  &fakeFlusher{},
		gate:     &fakeGate{},
	}

	fx.gate.allowed.Store(true)
	fx.fc = New(fx.owner, fx.mem, Env{
		Counters: fx.counters,
		Flusher:  fx.flusher,
		Reclaim:  fx.gate,
	})

	fn(fx)

	fx.fc.Reset()
	require.Equal(t, 0, fx.fc.Len())
}

func withFileCache(t *testing.T, fn func(fx *cacheFixture)) {
	withFileCacheOfType(t, PageTypeData, fn)
}

// dirtyPage writes `fill` into page `index` and marks it dirty.
func dirtyPage(t *testing.T, fc *FileCache, index uint64, fill byte) {
	lp, err := fc.GetPage(index)
	require.NoError(t, err)
	defer lp.Release()

	for idx := range lp.Data() {
		lp.Data()[idx] = fill
	}

	lp.SetDirty()
}
