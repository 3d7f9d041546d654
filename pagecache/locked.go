package pagecache

// LockedPage owns a reference to a page and its page lock.
// Release() has to be called when done with it.
type LockedPage struct {
	*Page
}

// LockPage takes a new reference to `p` and locks it.
// The caller must already hold a reference to `p`.
func LockPage(p *Page) *LockedPage {
	p.Ref()
	p.Lock()
	return &LockedPage{Page: p}
}

// Release unlocks the page and drops the reference.
// Calling it more than once is fine.
func (lp *LockedPage) Release() {
	if lp.Page == nil {
		return
	}

	p := lp.Page
	lp.Page = nil
	p.Unlock()
	p.Release()
}

// Unlock unlocks the page, but keeps the reference.
// The returned page must be released by the caller.
func (lp *LockedPage) Unlock() *Page {
	p := lp.Page
	lp.Page = nil
	p.Unlock()
	return p
}
