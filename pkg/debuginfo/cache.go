package debuginfo

import (
	"sync"

	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

// DefaultCacheSize is the number of headers a Cache keeps by default.
const DefaultCacheSize = 256

// Cache keeps decoded headers keyed by where-is-this address. Entries are
// evicted oldest first once the cache is full. Code memory is read-only
// while running, so entries only need dropping when it is replaced.
type Cache struct {
	mem memory.Readable
	max int

	mu      sync.Mutex
	entries map[uint32]*Header
	order   []uint32
}

// NewCache creates a cache over mem holding at most max headers; max <= 0
// selects DefaultCacheSize.
func NewCache(mem memory.Readable, max int) *Cache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &Cache{
		mem:     mem,
		max:     max,
		entries: make(map[uint32]*Header, max),
	}
}

// Header returns the header at w, reading it on a miss. Headers which fail
// to read completely are returned but not kept.
func (c *Cache) Header(w uint32) *Header {
	c.mu.Lock()
	h, ok := c.entries[w]
	c.mu.Unlock()
	if ok {
		return h
	}

	hdr, err := ReadHeader(c.mem, w)
	h = &hdr
	if err != nil {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[w]; !ok {
		if len(c.order) >= c.max {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, w)
	}
	c.entries[w] = h
	return h
}

// Resolve resolves relative PC pc of the method whose header is at w.
func (c *Cache) Resolve(w uint32, pc int32) Location {
	if w == 0 {
		return EmptyLocation()
	}
	return c.Header(w).Resolve(c.mem, w, pc)
}

// Invalidate drops the header at w.
func (c *Cache) Invalidate(w uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[w]; !ok {
		return
	}
	delete(c.entries, w)
	for i, a := range c.order {
		if a == w {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Reset drops every header.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]*Header, c.max)
	c.order = c.order[:0]
}

// Len returns the number of cached headers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
