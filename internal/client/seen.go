// ABOUTME: Bounded set of message ids already delivered in the current connection epoch
// ABOUTME: Drops echoed or replayed new_message frames; reset on every fresh snapshot

package client

import (
	"container/list"
	"sync"
)

// seenCache is a size-limited insertion-ordered set. When full, the oldest
// id is evicted; ids that old are already far behind the live feed.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	maxSize int
}

func newSeenCache(maxSize int) *seenCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &seenCache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// CheckAndMark reports whether id was already seen and marks it if not.
func (c *seenCache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.markLocked(id)
	return false
}

// Reset replaces the contents with ids, keeping the newest maxSize of them.
func (c *seenCache) Reset(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = make(map[string]*list.Element, len(ids))
	c.order.Init()
	if len(ids) > c.maxSize {
		ids = ids[len(ids)-c.maxSize:]
	}
	for _, id := range ids {
		c.markLocked(id)
	}
}

// Len returns the number of tracked ids.
func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *seenCache) markLocked(id string) {
	if _, exists := c.seen[id]; exists {
		return
	}
	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}
	c.seen[id] = c.order.PushBack(id)
}
