package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by PermissionCache.Get when nothing is stored.
var ErrCacheMiss = errors.New("cache miss")

// PermissionCache stores resolved permission sets per identity. Entries are
// written under a generation; Invalidate moves to a new generation so every
// set resolved before the invalidation becomes unreachable at once.
type PermissionCache interface {
	Generation(ctx context.Context) (uint64, error)
	Get(ctx context.Context, gen uint64, key string) (*PermissionSet, error)
	Set(ctx context.Context, gen uint64, key string, set *PermissionSet) error
	Invalidate(ctx context.Context) error
}

// MemoryCache is a process-local PermissionCache backed by an expiring LRU.
type MemoryCache struct {
	gen   atomic.Uint64
	cache *lru.LRU[string, *PermissionSet]
}

// NewMemoryCache creates a cache holding up to size sets for at most ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size < 1 {
		size = 1024
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, *PermissionSet](size, nil, ttl),
	}
}

func memoryKey(gen uint64, key string) string {
	return fmt.Sprintf("%d:%s", gen, key)
}

func (c *MemoryCache) Generation(ctx context.Context) (uint64, error) {
	return c.gen.Load(), nil
}

func (c *MemoryCache) Get(ctx context.Context, gen uint64, key string) (*PermissionSet, error) {
	set, ok := c.cache.Get(memoryKey(gen, key))
	if !ok {
		return nil, ErrCacheMiss
	}
	return set, nil
}

func (c *MemoryCache) Set(ctx context.Context, gen uint64, key string, set *PermissionSet) error {
	if set == nil {
		return fmt.Errorf("permission set cannot be nil")
	}
	// A set resolved under an older generation must not be served.
	if gen != c.gen.Load() {
		return nil
	}
	c.cache.Add(memoryKey(gen, key), set)
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context) error {
	c.gen.Add(1)
	c.cache.Purge()
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.cache.Len()
}
