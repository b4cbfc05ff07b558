package watcher

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a cached digest stays valid after insertion.
const DefaultCacheTTL = 5 * time.Second

type cachedDigest struct {
	digest   string
	stamp    string
	storedAt time.Time
}

// HashCache remembers recently computed digests so bursts of events on the
// same path hash the file once. There is at most one entry per path.
type HashCache struct {
	mu        sync.Mutex
	items     map[string]cachedDigest
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
	flight    singleflight.Group
}

// NewHashCache creates a cache whose entries expire ttl after insertion.
// ttl <= 0 selects DefaultCacheTTL.
func NewHashCache(ttl time.Duration) *HashCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &HashCache{
		items: make(map[string]cachedDigest),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Stamp identifies the on-disk version of a file by size and mtime.
func Stamp(info os.FileInfo) string {
	return fmt.Sprintf("%d|%d", info.Size(), info.ModTime().UnixNano())
}

// Get returns the cached digest for path if it has not expired.
func (c *HashCache) Get(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(path, "", false)
}

// lookup must be called with mu held. When matchStamp is set an entry for
// another version of the file counts as a miss.
func (c *HashCache) lookup(path, stamp string, matchStamp bool) (string, bool) {
	item, ok := c.items[path]
	if !ok {
		return "", false
	}
	if c.now().Sub(item.storedAt) >= c.ttl {
		delete(c.items, path)
		return "", false
	}
	if matchStamp && item.stamp != stamp {
		return "", false
	}
	return item.digest, true
}

// Put stores digest for path.
func (c *HashCache) Put(path, digest string) {
	c.put(path, "", digest)
}

func (c *HashCache) put(path, stamp, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[path] = cachedDigest{digest: digest, stamp: stamp, storedAt: now}
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweep(now)
	}
}

// sweep drops expired entries. Called with mu held at most once per TTL.
func (c *HashCache) sweep(now time.Time) {
	for path, item := range c.items {
		if now.Sub(item.storedAt) >= c.ttl {
			delete(c.items, path)
		}
	}
	c.lastSweep = now
}

// Invalidate drops any cached digest for path.
func (c *HashCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, path)
}

// Len returns the number of cached entries, expired ones included.
func (c *HashCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Compute returns the cached digest for path at version stamp or runs fn to
// produce it. A cached digest for a different stamp is replaced. Concurrent
// callers for the same path and stamp share a single fn invocation.
// Failed computations are not cached.
func (c *HashCache) Compute(path, stamp string, fn func() (string, error)) (string, error) {
	c.mu.Lock()
	digest, ok := c.lookup(path, stamp, true)
	c.mu.Unlock()
	if ok {
		return digest, nil
	}

	v, err, _ := c.flight.Do(path+"\x00"+stamp, func() (any, error) {
		digest, err := fn()
		if err != nil {
			return "", err
		}
		c.put(path, stamp, digest)
		return digest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
