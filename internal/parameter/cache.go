package parameter

import (
	"context"
	"errors"
	"sync"
	"time"
)

type cached struct {
	value   string
	err     error
	expires time.Time
}

// CachedStore memoises lookups for ttl. Misses are cached too, so an account
// without a flag is not looked up on every sweep.
type CachedStore struct {
	next Store
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cached
}

func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, ttl: ttl, now: time.Now, entries: make(map[string]cached)}
}

func (c *CachedStore) Get(ctx context.Context, path string) (string, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[path]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.value, e.err
	}

	v, err := c.next.Get(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = cached{value: v, err: err, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return v, err
}
