package remotefs

import (
	"slices"
	"strings"
	"sync"
)

// AttributedList is the ordered result of a directory listing.
type AttributedList struct {
	entries []*Path
	index   map[string]int
}

// NewAttributedList returns an empty list.
func NewAttributedList() *AttributedList {
	return &AttributedList{index: make(map[string]int)}
}

// Add appends p. Entries with a reference already present are ignored and
// Add reports false.
func (l *AttributedList) Add(p *Path) bool {
	ref := p.Reference()
	if _, ok := l.index[ref]; ok {
		return false
	}
	l.index[ref] = len(l.entries)
	l.entries = append(l.entries, p)
	return true
}

// Len returns the number of entries.
func (l *AttributedList) Len() int {
	return len(l.entries)
}

// Entries returns the entries in listing order. The slice must not be modified.
func (l *AttributedList) Entries() []*Path {
	return l.entries
}

// Find returns the entry with the given reference, or nil.
func (l *AttributedList) Find(reference string) *Path {
	if i, ok := l.index[reference]; ok {
		return l.entries[i]
	}
	return nil
}

// Contains reports whether an entry equal to p is present.
func (l *AttributedList) Contains(p *Path) bool {
	return l.Find(p.Reference()) != nil
}

// Filter returns a new list holding the entries for which keep returns true.
func (l *AttributedList) Filter(keep func(*Path) bool) *AttributedList {
	out := NewAttributedList()
	for _, e := range l.entries {
		if keep(e) {
			out.Add(e)
		}
	}
	return out
}

// SortByName orders entries by name, directories first. Versions of the
// same object keep their relative order.
func (l *AttributedList) SortByName() {
	slices.SortStableFunc(l.entries, func(a, b *Path) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name(), b.Name())
	})
	for i, e := range l.entries {
		l.index[e.Reference()] = i
	}
}

// Cache holds directory listings keyed by directory reference. It is safe
// for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*AttributedList
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*AttributedList)}
}

// Get returns the cached listing of dir.
func (c *Cache) Get(dir *Path) (*AttributedList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.entries[dir.Reference()]
	return l, ok
}

// Put stores the listing of dir.
func (c *Cache) Put(dir *Path, list *AttributedList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dir.Reference()] = list
}

// Contains reports whether dir has a cached listing.
func (c *Cache) Contains(dir *Path) bool {
	_, ok := c.Get(dir)
	return ok
}

// Invalidate drops the listing of dir.
func (c *Cache) Invalidate(dir *Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dir.Reference())
}

// Clear drops all listings.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
