package pagecache

import (
	"errors"
	"math"
)

const (
	// PageSize is the size of a single cached unit.
	PageSize = 4096

	// MaxIndex can be used as exclusive end of a range to mean "until the end".
	MaxIndex = uint64(math.MaxUint64)
)

var (
	// ErrNotFound is returned by FindPage when no page is cached.
	// Owners may also return it from WriteDirtyPage when the block
	// of a page is gone already.
	ErrNotFound = errors.New("page not found")

	// ErrOutOfRange may be returned by WriteDirtyPage for pages
	// that are beyond the current end of the object.
	ErrOutOfRange = errors.New("page out of range")

	// ErrExists is returned when a page with the same index is indexed already.
	ErrExists = errors.New("page exists already")
)

// PageType describes what kind of content an owner stores in its pages.
// It decides which dirty counter is used.
type PageType int

const (
	// PageTypeData is regular file content.
	PageTypeData = PageType(iota)
	// PageTypeDentry is directory content.
	PageTypeDentry
	// PageTypeNode are node (inode) blocks.
	PageTypeNode
	// PageTypeMeta are filesystem metadata blocks (checkpoint et al.)
	PageTypeMeta
	// NumPageTypes is the number of page types.
	NumPageTypes
)

var pageTypeToString = map[PageType]string{
	PageTypeData:   "data",
	PageTypeDentry: "dentry",
	PageTypeNode:   "node",
	PageTypeMeta:   "meta",
}

func (pt PageType) String() string {
	if s, ok := pageTypeToString[pt]; ok {
		return s
	}

	return "unknown"
}

// DirtyCountType returns the counter used for dirty pages of type `pt`.
func (pt PageType) DirtyCountType() CountType {
	switch pt {
	case PageTypeDentry:
		return CountDirtyDents
	case PageTypeNode:
		return CountDirtyNodes
	case PageTypeMeta:
		return CountDirtyMeta
	default:
		return CountDirtyData
	}
}

// CountType is one of the filesystem wide page counters.
type CountType int

const (
	// CountWriteback counts pages with write I/O in flight.
	CountWriteback = CountType(iota)
	// CountDirtyData counts dirty file data pages.
	CountDirtyData
	// CountDirtyDents counts dirty directory pages.
	CountDirtyDents
	// CountDirtyNodes counts dirty node pages.
	CountDirtyNodes
	// CountDirtyMeta counts dirty meta pages.
	CountDirtyMeta
	// NumCountTypes is the number of counters.
	NumCountTypes
)

var countTypeToString = map[CountType]string{
	CountWriteback:  "writeback",
	CountDirtyData:  "dirty_data",
	CountDirtyDents: "dirty_dents",
	CountDirtyNodes: "dirty_nodes",
	CountDirtyMeta:  "dirty_meta",
}

func (ct CountType) String() string {
	if s, ok := countTypeToString[ct]; ok {
		return s
	}

	return "unknown"
}

// BackingMemory manages the memory that holds the content of the pages of
// one FileCache. Regions are addressed by their byte offset and are always
// PageSize big.
type BackingMemory interface {
	// LockRegion pins the region at `offset`. wasResident is false when the
	// previous content of the region was lost and must be fetched again.
	LockRegion(offset uint64) (wasResident bool, err error)

	// UnlockRegion drops a pin. If `evict` is true, the content is discarded.
	UnlockRegion(offset uint64, evict bool) error

	// MapRegion returns the memory of a pinned region.
	MapRegion(offset uint64) ([]byte, error)
}

// Owner is the object (vnode) whose content is cached in a FileCache.
type Owner interface {
	// WriteDirtyPage hands a locked, dirty page to storage. It has to call
	// ClearDirtyForIo() right before the I/O is issued.
	WriteDirtyPage(lp *LockedPage, isReclaim bool) error

	// IncreaseDirtyPageCount is called when one of its pages gets dirty.
	IncreaseDirtyPageCount()

	// DecreaseDirtyPageCount is called when one of its pages gets clean.
	DecreaseDirtyPageCount()

	// MarkDirty tells the owner that it has unwritten state.
	MarkDirty()

	// PageType selects the dirty category of the owner's pages.
	PageType() PageType

	// IsActive is true as long as the owner is referenced from outside.
	IsActive() bool
}

// Flusher is the writer queue of the filesystem.
type Flusher interface {
	// ScheduleFlush submits all pending writes of type `pt`. If `done` is
	// not nil it is closed once they completed.
	ScheduleFlush(done chan<- struct{}, pt PageType)
}

// ReclaimGate tells whether memory may be reclaimed right now.
type ReclaimGate interface {
	CanReclaim() bool
}

// Counters are the filesystem wide page counters.
type Counters interface {
	IncPageCount(ct CountType)
	DecPageCount(ct CountType)
}

// Env bundles the filesystem wide collaborators of a FileCache.
// nil members are replaced by no-op implementations.
type Env struct {
	Counters Counters
	Flusher  Flusher
	Reclaim  ReclaimGate
}

type nopCounters struct{}

func (nopCounters) IncPageCount(CountType) {}
func (nopCounters) DecPageCount(CountType) {}

type nopFlusher struct{}

func (nopFlusher) ScheduleFlush(done chan<- struct{}, pt PageType) {
	if done != nil {
		close(done)
	}
}

type alwaysReclaim struct{}

func (alwaysReclaim) CanReclaim() bool { return true }

func (env Env) withDefaults() Env {
	if env.Counters == nil {
		env.Counters = nopCounters{}
	}

	if env.Flusher == nil {
		env.Flusher = nopFlusher{}
	}

	if env.Reclaim == nil {
		env.Reclaim = alwaysReclaim{}
	}

	return env
}
