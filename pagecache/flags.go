package pagecache

import "strings"

// Flag is a single state bit of a page.
type Flag uint32

const (
	// FlagDirty is set when the content was modified and not yet written.
	FlagDirty = Flag(1 << iota)
	// FlagUptodate is set when the content is valid.
	FlagUptodate
	// FlagWriteback is set while write I/O is in flight.
	FlagWriteback
	// FlagMapped is set when Data() points to valid backing memory.
	FlagMapped
	// FlagMmapped is set when the content is mapped for external access.
	FlagMmapped
	// FlagColdData marks content that is rarely modified.
	FlagColdData
	// FlagPinned is set while the page holds a pin on its backing memory.
	FlagPinned
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagDirty, "dirty"},
	{FlagUptodate, "uptodate"},
	{FlagWriteback, "writeback"},
	{FlagMapped, "mapped"},
	{FlagMmapped, "mmapped"},
	{FlagColdData, "cold"},
	{FlagPinned, "pinned"},
}

func (f Flag) String() string {
	names := []string{}
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}

	return strings.Join(names, "|")
}

func (p *Page) testFlag(f Flag) bool {
	return Flag(p.flags.Load())&f != 0
}

// setFlag sets `f` and returns true if it was set before.
func (p *Page) setFlag(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f != 0 {
			return true
		}

		if p.flags.CompareAndSwap(old, old|uint32(f)) {
			return false
		}
	}
}

// clearFlag clears `f` and returns true if it was set before.
func (p *Page) clearFlag(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f == 0 {
			return false
		}

		if p.flags.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

// Flags returns a snapshot of all flags.
func (p *Page) Flags() Flag {
	return Flag(p.flags.Load())
}

// IsDirty is true when the page content was not written yet.
func (p *Page) IsDirty() bool { return p.testFlag(FlagDirty) }

// IsUptodate is true when the page content is valid.
func (p *Page) IsUptodate() bool { return p.testFlag(FlagUptodate) }

// IsWriteback is true while write I/O is in flight.
func (p *Page) IsWriteback() bool { return p.testFlag(FlagWriteback) }

// IsMapped is true when Data() can be used.
func (p *Page) IsMapped() bool { return p.testFlag(FlagMapped) }

// IsMmapped is true when the page is mapped for external access.
func (p *Page) IsMmapped() bool { return p.testFlag(FlagMmapped) }

// IsColdData is true for pages marked as cold.
func (p *Page) IsColdData() bool { return p.testFlag(FlagColdData) }

// IsPinned is true while the page pins its backing memory.
func (p *Page) IsPinned() bool { return p.testFlag(FlagPinned) }

// SetUptodate marks the content as valid.
func (p *Page) SetUptodate() { p.setFlag(FlagUptodate) }

// ClearUptodate marks the content as invalid.
func (p *Page) ClearUptodate() { p.clearFlag(FlagUptodate) }

// SetColdData marks the page as cold. Returns true if it was cold before.
func (p *Page) SetColdData() bool {
	p.assertLocked("SetColdData")
	if p.IsWriteback() {
		return false
	}

	return p.setFlag(FlagColdData)
}

// ClearColdData removes the cold mark. Returns true if it was set.
func (p *Page) ClearColdData() bool {
	return p.clearFlag(FlagColdData)
}

// SetMmapped marks the page as mapped for external access.
// Such pages are never evicted by writeback.
func (p *Page) SetMmapped() {
	p.assertLocked("SetMmapped")
	if p.IsUptodate() {
		p.setFlag(FlagMmapped)
	}
}

// ClearMmapped removes the external mapping mark.
func (p *Page) ClearMmapped() bool {
	return p.clearFlag(FlagMmapped)
}
