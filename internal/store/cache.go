package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohans/transcribeq/internal/task"
)

// Cache is a read-through front over a Store with a short fixed TTL, used
// to absorb high-frequency status polling. It is never the source of truth
// and is never written by workers; expired or missing entries always read
// through to the underlying store.
type Cache struct {
	inner Store
	lru   *expirable.LRU[string, task.Task]
}

// NewCache wraps inner with an expiring LRU of at most size entries.
func NewCache(inner Store, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{
		inner: inner,
		lru:   expirable.NewLRU[string, task.Task](size, nil, ttl),
	}
}

// Get returns the cached task when fresh, otherwise reads through.
// Terminal tasks are immutable, so a cached terminal entry is always exact;
// non-terminal entries may lag the store by at most one TTL.
func (c *Cache) Get(ctx context.Context, id string) (*task.Task, error) {
	if t, ok := c.lru.Get(id); ok {
		return &t, nil
	}
	t, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, *t)
	return t, nil
}
