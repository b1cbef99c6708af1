package salonsync

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU in front of the leveldb tier. Entries evicted
// from RAM stay readable from disk.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	// writes counts Put and Delete calls; Fill uses it to detect a write that
	// raced with its disk read.
	writes uint64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Writes returns the write counter to pass to Fill.
func (c *ramCache) Writes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

// DeletePrefix drops every key starting with prefix and returns how many
// entries were removed.
func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
			n++
		}
	}
	return n
}

// Put stores ent under key. It reports false when the entry is larger than the
// whole budget; any older entry for key is dropped so reads fall through to
// disk.
func (c *ramCache) Put(key string, ent CacheEntry, size int64, overflowLog *rateLimitedLogger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return c.putLocked(key, ent, size, overflowLog)
}

// Fill stores an entry read back from disk. It does nothing when key is
// already held or when any write happened since the caller read Writes, so a
// reader never replaces a newer value with the one it loaded.
func (c *ramCache) Fill(key string, ent CacheEntry, size int64, since uint64, overflowLog *rateLimitedLogger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes != since {
		return false
	}
	if _, ok := c.items[key]; ok {
		return false
	}
	return c.putLocked(key, ent, size, overflowLog)
}

func (c *ramCache) putLocked(key string, ent CacheEntry, size int64, overflowLog *rateLimitedLogger) bool {
	if c.maxBytes > 0 && size > c.maxBytes {
		if it, ok := c.items[key]; ok {
			c.drop(it)
		}
		return false
	}

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
		c.shrinkLocked(overflowLog)
		return true
	}

	it := &ramItem{key: key, ent: ent, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
	c.shrinkLocked(overflowLog)
	return true
}

// shrinkLocked evicts least-recently-used entries, 10% at a time, until the
// total fits the budget again.
func (c *ramCache) shrinkLocked(overflowLog *rateLimitedLogger) {
	if c.maxBytes <= 0 || c.total <= c.maxBytes {
		return
	}
	evicted := 0
	for c.total > c.maxBytes && c.tail != nil && c.tail != c.head {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && c.tail != nil && c.tail != c.head; i++ {
			c.drop(c.tail)
			evicted++
		}
	}
	if overflowLog != nil && evicted > 0 {
		overflowLog.Warn("ram cache over budget, evicted entries", "evicted", evicted, "total", formatBytes(uint64(c.total)))
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
