package platformauth

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCacheBackend is a process-local CacheBackend built on ttlcache.
type MemoryCacheBackend struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryCacheBackend starts the ttlcache eviction loop; call Close to stop it.
func NewMemoryCacheBackend() *MemoryCacheBackend {
	cache := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &MemoryCacheBackend{cache: cache}
}

func (backend *MemoryCacheBackend) Get(_ context.Context, key string) (string, bool, error) {
	item := backend.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (backend *MemoryCacheBackend) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	backend.cache.Set(key, value, ttl)
	return nil
}

func (backend *MemoryCacheBackend) Delete(_ context.Context, key string) error {
	backend.cache.Delete(key)
	return nil
}

// Len reports the number of live entries.
func (backend *MemoryCacheBackend) Len() int {
	return backend.cache.Len()
}

// Close stops the eviction loop.
func (backend *MemoryCacheBackend) Close() error {
	backend.cache.Stop()
	return nil
}
