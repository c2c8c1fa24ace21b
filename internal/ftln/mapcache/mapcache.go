// Package mapcache implements the FTL-N map-page cache (spec.md §4.2): a
// fixed-size, hash-indexed LRU of decoded map pages that defers writeback
// of dirty entries until eviction or an explicit flush. Grounded on the
// teacher's server/innodb/buffer_pool/buffer_lru.go (container/list plus a
// hash map of *list.Element, with a stats helper tracking hit/miss
// counts), simplified from its young/old sublist split to a single LRU
// list since FTL-N's map cache has no equivalent of InnoDB's scan
// resistance requirement.
package mapcache

import (
	"container/list"
	"sync"

	"go.uber.org/atomic"
)

// Entries is one decoded map page: a slice of physical-page-number (or
// "unmapped") entries plus the sequence number it was last written with.
type Entries struct {
	Values   []uint32
	Sequence uint32
}

// FlushFunc writes a dirty map page's current contents to a fresh physical
// page and reports the physical page it landed on, or an error.
type FlushFunc func(mapPage int, entries Entries) error

// LoadFunc reads a map page from the device into memory.
type LoadFunc func(mapPage int) (Entries, error)

type lruItem struct {
	mapPage int
	entries Entries
	dirty   bool
}

// stats mirrors the teacher's buffer_pool stats helper, generalized from
// sync/atomic counters to go.uber.org/atomic for consistency with the rest
// of the module's counter usage.
type stats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (s *stats) HitCount() uint64  { return s.hits.Load() }
func (s *stats) MissCount() uint64 { return s.misses.Load() }

// Cache is a bounded LRU of map pages. One Cache instance backs exactly one
// mounted volume.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[int]*list.Element
	order    *list.List // MRU at Front, LRU at Back
	load     LoadFunc
	flush    FlushFunc

	stats
}

// New builds a cache holding up to capacity map pages, using load to pull a
// page in on a miss and flush to write a dirty page back before it is
// evicted or on an explicit Flush/FlushAll.
func New(capacity int, load LoadFunc, flush FlushFunc) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[int]*list.Element),
		order:    list.New(),
		load:     load,
		flush:    flush,
	}
}

// Get returns the decoded entries for mapPage, loading it on a miss and
// evicting the least-recently-used clean page when the cache is full (or,
// if every cached page is dirty, the least-recently-used one after
// flushing it).
func (c *Cache) Get(mapPage int) (Entries, error) {
	c.mu.Lock()
	if el, ok := c.items[mapPage]; ok {
		c.order.MoveToFront(el)
		it := el.Value.(*lruItem)
		c.stats.hits.Inc()
		c.mu.Unlock()
		return it.entries, nil
	}
	c.stats.misses.Inc()
	c.mu.Unlock()

	entries, err := c.load(mapPage)
	if err != nil {
		return Entries{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[mapPage]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*lruItem).entries, nil
	}
	if err := c.makeRoomLocked(); err != nil {
		return Entries{}, err
	}
	it := &lruItem{mapPage: mapPage, entries: entries}
	c.items[mapPage] = c.order.PushFront(it)
	return entries, nil
}

// Put installs (or refreshes) mapPage's entries in the cache and marks it
// dirty, without reading the device.
func (c *Cache) Put(mapPage int, entries Entries) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[mapPage]; ok {
		c.order.MoveToFront(el)
		it := el.Value.(*lruItem)
		it.entries = entries
		it.dirty = true
		return nil
	}
	if err := c.makeRoomLocked(); err != nil {
		return err
	}
	it := &lruItem{mapPage: mapPage, entries: entries, dirty: true}
	c.items[mapPage] = c.order.PushFront(it)
	return nil
}

// makeRoomLocked evicts one entry if the cache is at capacity: the
// least-recently-used clean entry, or the LRU entry (flushed first) when
// every entry is dirty. Called with mu held.
func (c *Cache) makeRoomLocked() error {
	if c.order.Len() < c.capacity {
		return nil
	}
	victim := c.order.Back()
	if victim == nil {
		return nil
	}
	for el := victim; el != nil; el = el.Prev() {
		if !el.Value.(*lruItem).dirty {
			victim = el
			break
		}
	}
	it := victim.Value.(*lruItem)
	if it.dirty {
		if err := c.flush(it.mapPage, it.entries); err != nil {
			return err
		}
	}
	c.order.Remove(victim)
	delete(c.items, it.mapPage)
	return nil
}

// Flush writes mapPage back if it is present and dirty, clearing the dirty
// flag on success. A no-op if the page is not cached or is clean.
func (c *Cache) Flush(mapPage int) error {
	c.mu.Lock()
	el, ok := c.items[mapPage]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	it := el.Value.(*lruItem)
	if !it.dirty {
		c.mu.Unlock()
		return nil
	}
	entries := it.entries
	c.mu.Unlock()

	if err := c.flush(mapPage, entries); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[mapPage]; ok {
		el.Value.(*lruItem).dirty = false
	}
	return nil
}

// FlushAll writes back every dirty map page currently cached, in LRU order
// (spec.md §4.6 "clean unmount"/"flush").
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	dirty := make([]int, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		it := el.Value.(*lruItem)
		if it.dirty {
			dirty = append(dirty, it.mapPage)
		}
	}
	c.mu.Unlock()

	for _, mp := range dirty {
		if err := c.Flush(mp); err != nil {
			return err
		}
	}
	return nil
}

// MarkClean clears the dirty flag for mapPage without writing anything,
// used after a caller has written the page's current contents out through
// some other path (e.g. the recycle relocation path) and wants the cache
// to stop considering it pending writeback.
func (c *Cache) MarkClean(mapPage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[mapPage]; ok {
		el.Value.(*lruItem).dirty = false
	}
}

// Invalidate drops mapPage from the cache without flushing it, used after
// a Format or when recovery determines cached content is stale.
func (c *Cache) Invalidate(mapPage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[mapPage]; ok {
		c.order.Remove(el)
		delete(c.items, mapPage)
	}
}

// Reset drops the entire cache contents without flushing, used on Format.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[int]*list.Element)
	c.order = list.New()
}

// Len reports the number of map pages currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Stats() (hits, misses uint64) {
	return c.stats.HitCount(), c.stats.MissCount()
}
