package pagecache

import (
	"fmt"

	"github.com/google/btree"
	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WritebackOperation describes which pages Writeback should flush.
type WritebackOperation struct {
	// Start is the first page index to consider.
	Start uint64

	// End is the exclusive last page index. 0 means until the end.
	End uint64

	// ToWrite limits the number of pages written. 0 means no limit.
	ToWrite uint64

	// Reclaim is set when writing back to free memory.
	// The flush stops as soon as reclaim is disallowed.
	Reclaim bool

	// Sync waits until the writer queue wrote everything.
	Sync bool

	// ReleasePages evicts clean, unused pages while scanning.
	// Those are always evicted if the owner is inactive.
	ReleasePages bool

	// IfPage may reject dirty pages from being written.
	IfPage func(p *Page) bool

	// Callback is called for every page right before it is written.
	Callback func(lp *LockedPage)
}

func (op *WritebackOperation) end() uint64 {
	if op.End == 0 {
		return MaxIndex
	}

	return op.End
}

// getLockedDirtyPagesUnsafe picks the dirty pages to write for `op`.
// Pages that are in use are skipped. Unused clean pages are evicted
// if memory should be given back.
func (fc *FileCache) getLockedDirtyPagesUnsafe(op *WritebackOperation) []*LockedPage {
	end := op.end()
	pages := []*LockedPage{}
	evictable := []*Page{}

	fc.tree.AscendGreaterOrEqual(&slot{index: op.Start}, func(item btree.Item) bool {
		s := item.(*slot)
		if s.index >= end {
			return false
		}

		if op.ToWrite > 0 && uint64(len(pages)) >= op.ToWrite {
			return false
		}

		if s.state == slotActive {
			return true
		}

		p := s.page
		if p.IsDirty() {
			if op.IfPage != nil && !op.IfPage(p) {
				return true
			}

			s.state = slotActive
			p.refs.Store(1)
			if !p.TryLock() {
				panic(fmt.Sprintf("bug: inactive page %d is locked", p.index))
			}

			pages = append(pages, &LockedPage{Page: p})
			return true
		}

		if p.IsMmapped() || p.IsWriteback() {
			return true
		}

		if op.ReleasePages || !fc.owner.IsActive() {
			evictable = append(evictable, p)
		}

		return true
	})

	// The tree may not be modified while iterating.
	for _, p := range evictable {
		fc.evictUnsafe(p, false)
	}

	return pages
}

// Writeback writes the dirty pages selected by `op` through the owner.
// Pages that could not be written stay dirty. It returns the number
// of written pages.
func (fc *FileCache) Writeback(op WritebackOperation) uint64 {
	fc.mu.Lock()
	pages := fc.getLockedDirtyPagesUnsafe(&op)
	fc.mu.Unlock()

	pt := fc.owner.PageType()
	written := uint64(0)
	for idx, lp := range pages {
		if op.Reclaim && !fc.env.Reclaim.CanReclaim() {
			log.Debugf("page cache: reclaim disallowed, %d %s pages left", len(pages)-idx, pt)
			releaseAll(pages[idx:])
			break
		}

		if op.Callback != nil {
			op.Callback(lp)
		}

		index := lp.Index()
		if err := fc.owner.WriteDirtyPage(lp, op.Reclaim); err != nil {
			switch e.Cause(err) {
			case ErrNotFound, ErrOutOfRange:
				// Truncated meanwhile; nothing left to write.
				log.Debugf("page cache: dropping %s page %d: %v", pt, index, err)
			default:
				if lp.IsUptodate() {
					lp.SetDirty()
				}

				log.WithError(err).WithFields(log.Fields{
					"index": index,
					"type":  pt,
				}).Warnf("page cache: failed to write page")
			}
		} else {
			written++
		}

		lp.Release()
	}

	if op.Sync {
		done := make(chan struct{})
		fc.env.Flusher.ScheduleFlush(done, pt)
		<-done
	}

	return written
}
