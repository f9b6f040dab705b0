// Package idempotency drops bus events that were already handed to the
// dispatcher.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultCapacity = 10000

type entry struct {
	id       string
	lastSeen time.Time
}

// Cache remembers request ids up to a fixed capacity. A hit moves the id to
// the front; the entry at the back is evicted when the cache is full.
type Cache struct {
	mu  sync.Mutex
	cap int
	ll  *list.List
	mp  map[string]*list.Element
	now func() time.Time

	duplicates metric.Int64Counter
}

// New returns a cache holding at most capacity ids. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	duplicates, _ := otel.Meter("libralink/idempotency").Int64Counter("idempotency.duplicates")
	return &Cache{
		cap:        capacity,
		ll:         list.New(),
		mp:         make(map[string]*list.Element),
		now:        time.Now,
		duplicates: duplicates,
	}
}

// Observe reports whether id is new. A known id is refreshed and reported
// as a duplicate.
func (c *Cache) Observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.mp[id]; ok {
		e.Value.(*entry).lastSeen = c.now()
		c.ll.MoveToFront(e)
		c.duplicates.Add(context.Background(), 1)
		return false
	}

	c.mp[id] = c.ll.PushFront(&entry{id: id, lastSeen: c.now()})
	if c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.mp, last.Value.(*entry).id)
	}
	return true
}

// LastSeen returns when id was last observed.
func (c *Cache) LastSeen(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mp[id]
	if !ok {
		return time.Time{}, false
	}
	return e.Value.(*entry).lastSeen, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
