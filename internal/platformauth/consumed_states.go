package platformauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateReplayed indicates the state nonce was already redeemed.
var ErrStateReplayed = errors.New("platform_auth.state_replayed")

// ConsumedStateRegistry remembers redeemed state nonces until the state could no longer verify anyway.
type ConsumedStateRegistry interface {
	// MarkConsumed records nonce until expiresAt; a repeat before then returns ErrStateReplayed.
	MarkConsumed(ctx context.Context, nonce string, expiresAt time.Time) error
}

type memoryConsumedStates struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	clock   Clock
}

// NewMemoryConsumedStates constructs a process-local registry; a nil clock uses the system clock.
func NewMemoryConsumedStates(clock Clock) ConsumedStateRegistry {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryConsumedStates{
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

func (registry *memoryConsumedStates) MarkConsumed(ctx context.Context, nonce string, expiresAt time.Time) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.purgeExpiredLocked()
	if _, seen := registry.entries[nonce]; seen {
		return ErrStateReplayed
	}
	registry.entries[nonce] = expiresAt
	return nil
}

func (registry *memoryConsumedStates) purgeExpiredLocked() {
	if len(registry.entries) == 0 {
		return
	}
	now := registry.clock.Now()
	for nonce, expiry := range registry.entries {
		if now.After(expiry) {
			delete(registry.entries, nonce)
		}
	}
}

type redisConsumedStates struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
}

// NewRedisConsumedStates shares the registry across instances with SET NX; a nil clock uses the system clock.
func NewRedisConsumedStates(client redis.UniversalClient, prefix string, clock Clock) ConsumedStateRegistry {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &redisConsumedStates{client: client, prefix: prefix, clock: clock}
}

func (registry *redisConsumedStates) MarkConsumed(ctx context.Context, nonce string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(registry.clock.Now())
	if ttl <= 0 {
		ttl = time.Second
	}
	key := "consumed_state:" + nonce
	if registry.prefix != "" {
		key = registry.prefix + ":" + key
	}
	stored, err := registry.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("consumed_states.mark: %w: %w", ErrCacheUnavailable, err)
	}
	if !stored {
		return ErrStateReplayed
	}
	return nil
}
