// Package pagecache implements the per-object page cache of the filesystem.
//
// Every object (a regular file, a directory, the node or the meta object)
// owns one FileCache. The FileCache is the only valid way to get a Page for a
// certain page index; it makes sure that there is at most one Page per index,
// that lookups, eviction and destruction do not race and that dirty pages are
// accounted for in the right category.
//
// Lifetime of a page: A lookup miss creates a Page and indexes it as
// "active". Callers get a LockedPage, which owns a reference and the page
// lock. When the last reference is dropped the Page is not freed. Instead it
// stays in the index as a bare, "inactive" entry. The next lookup for the
// same index takes over this entry again (we call that resurrection). Only
// eviction (truncation, Reset or cache pressure during writeback) removes a
// page from the index and only then its memory is given up.
//
// Locking: The index is protected by a RWMutex. It is never held while
// calling into the owner's write path or while blocking on a page lock. If a
// page lock cannot be taken right away, the index lock is dropped, we wait
// for the page and then re-check that the page is still indexed. A page whose
// last reference is dropped concurrently to a lookup is waited for on a
// condition variable until it is inactive.
//
// The content of a page lives in backing memory that is managed outside of
// this package (see BackingMemory). A page pins its region while it is cached
// and dirty, so dirty content can never be dropped by the memory manager.
package pagecache
