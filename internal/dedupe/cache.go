// ABOUTME: TTL cache of externally supplied message ids used to drop duplicate publishes.
// ABOUTME: Entries expire in insertion order, so sweeping only touches the oldest ids.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when New is given a non-positive size.
const DefaultMaxSize = 10000

type entry struct {
	id      string
	expires time.Time
}

// Cache remembers message ids for a fixed TTL. When full, the oldest id is
// forgotten first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// CheckAndMark reports whether id was seen within the TTL. An id that was
// not seen, or has expired, is recorded and false is returned.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.seen[id]; ok {
		e := el.Value.(*entry)
		if now.Before(e.expires) {
			return true
		}
		c.order.Remove(el)
		delete(c.seen, id)
	}

	for len(c.seen) >= c.maxSize {
		c.removeFront()
	}
	c.seen[id] = c.order.PushBack(&entry{id: id, expires: now.Add(c.ttl)})
	return false
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(*entry).id)
}

// sweep drops expired ids from the front of the order list.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Before(front.Value.(*entry).expires) {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
