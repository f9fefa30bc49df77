package serv

import (
	"time"

	cache "github.com/go-pkgz/expirable-cache"
)

// MemoryCache is the in-process fallback store used when Redis is not
// configured or unreachable. Sessions do not survive a restart and are not
// shared across replicas.
type MemoryCache struct {
	c cache.Cache
}

// NewMemoryCache builds the fallback store.
func NewMemoryCache() *MemoryCache {
	c, _ := cache.NewCache(cache.TTL(24*time.Hour), cache.MaxKeys(10000))
	return &MemoryCache{c: c}
}

// Get implements core.Cache.
func (m *MemoryCache) Get(key string) ([]byte, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Set implements core.Cache.
func (m *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	m.c.Set(key, value, ttl)
}

// Delete implements core.Cache.
func (m *MemoryCache) Delete(key string) {
	m.c.Invalidate(key)
}
