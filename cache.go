package realtime

import (
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type QueryCacheSettings struct {
	Ttl time.Duration
}

func DefaultQueryCacheSettings() *QueryCacheSettings {
	return &QueryCacheSettings{
		Ttl: 5 * time.Minute,
	}
}

// QueryCache is an in-process read cache keyed by query key, e.g.
// "invoices" for the list screen and "invoices/<id>" for one record.
// It implements `Invalidator`: the dispatch table and the catch-up policy
// delete matched keys and the next read misses and refetches. The ttl
// bounds staleness even if an invalidation is never delivered.
type QueryCache struct {
	cache *ttlcache.Cache[string, any]
}

func NewQueryCacheWithDefaults() *QueryCache {
	return NewQueryCache(DefaultQueryCacheSettings())
}

func NewQueryCache(settings *QueryCacheSettings) *QueryCache {
	cache := ttlcache.New[string, any](
		ttlcache.WithTTL[string, any](settings.Ttl),
	)
	go cache.Start()
	return &QueryCache{
		cache: cache,
	}
}

func (self *QueryCache) Put(key string, value any) {
	self.cache.Set(key, value, ttlcache.DefaultTTL)
}

func (self *QueryCache) Get(key string) (any, bool) {
	item := self.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Invalidate deletes the pattern's exact key and every key nested under it.
func (self *QueryCache) Invalidate(pattern string) {
	for _, key := range self.cache.Keys() {
		if matchCacheKey(pattern, key) {
			self.cache.Delete(key)
		}
	}
}

func (self *QueryCache) Len() int {
	return self.cache.Len()
}

func (self *QueryCache) Close() {
	self.cache.Stop()
}

// matchCacheKey is the one pattern rule: exact key or path prefix.
// "invoices" matches "invoices" and "invoices/123" but not "invoicesx".
func matchCacheKey(pattern string, key string) bool {
	if key == pattern {
		return true
	}
	return strings.HasPrefix(key, pattern+"/")
}
