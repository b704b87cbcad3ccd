package platformauth

import (
	"context"
	"fmt"
	"time"
)

// AccessTokenCache keeps bare access tokens under a TTL that undercuts the token lifetime by the skew.
type AccessTokenCache struct {
	backend CacheBackend
	skew    time.Duration
	clock   Clock
}

// NewAccessTokenCache wraps a backend; a non-positive skew falls back to DefaultCacheSkew.
func NewAccessTokenCache(backend CacheBackend, skew time.Duration, clock Clock) *AccessTokenCache {
	if skew <= 0 {
		skew = DefaultCacheSkew
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &AccessTokenCache{backend: backend, skew: skew, clock: clock}
}

// CacheKey composes "{provider}:{userRef}:{scopeKey}".
func CacheKey(provider string, userRef string, scopeKey string) string {
	return provider + ":" + userRef + ":" + scopeKey
}

// Get returns the cached token, ok=false on a miss.
func (cache *AccessTokenCache) Get(ctx context.Context, provider string, userRef string, scopeKey string) (string, bool, error) {
	value, ok, err := cache.backend.Get(ctx, CacheKey(provider, userRef, scopeKey))
	if err != nil {
		return "", false, fmt.Errorf("token_cache.get: %w: %w", ErrCacheUnavailable, err)
	}
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// Set caches token until expiresAtUnix minus the skew.
// When no lifetime remains, any existing entry is removed instead of writing a zero TTL,
// which backends would otherwise read as "never expires".
func (cache *AccessTokenCache) Set(ctx context.Context, provider string, userRef string, scopeKey string, token string, expiresAtUnix int64) error {
	key := CacheKey(provider, userRef, scopeKey)
	ttl := cache.TTLFor(expiresAtUnix)
	if ttl <= 0 {
		if err := cache.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("token_cache.set: %w: %w", ErrCacheUnavailable, err)
		}
		return nil
	}
	if err := cache.backend.Set(ctx, key, token, ttl); err != nil {
		return fmt.Errorf("token_cache.set: %w: %w", ErrCacheUnavailable, err)
	}
	return nil
}

// Delete removes the entry.
func (cache *AccessTokenCache) Delete(ctx context.Context, provider string, userRef string, scopeKey string) error {
	if err := cache.backend.Delete(ctx, CacheKey(provider, userRef, scopeKey)); err != nil {
		return fmt.Errorf("token_cache.delete: %w: %w", ErrCacheUnavailable, err)
	}
	return nil
}

// TTLFor returns max(0, expiresAt*1000 - nowMillis - skewMillis) as a duration.
func (cache *AccessTokenCache) TTLFor(expiresAtUnix int64) time.Duration {
	remainingMillis := expiresAtUnix*1000 - cache.clock.Now().UnixMilli() - cache.skew.Milliseconds()
	if remainingMillis <= 0 {
		return 0
	}
	return time.Duration(remainingMillis) * time.Millisecond
}
