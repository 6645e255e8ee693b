package dedupe

import "sync"

// Cache remembers the most recent document fingerprints of a run.
// When full, the oldest fingerprint is forgotten first.
type Cache struct {
	mu       sync.Mutex
	items    map[string]struct{}
	order    []string
	capacity int
}

// NewCache creates a cache holding at most capacity keys.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		items:    make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Seen reports whether key was recorded before and records it otherwise.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return true
	}

	c.items[key] = struct{}{}
	c.order = append(c.order, key)
	for len(c.order) > c.capacity {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	return false
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
