package platformauth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTokenStore is an in-memory TokenStore intended for tests and dev.
type MemoryTokenStore struct {
	mutex   sync.Mutex
	records map[string]TokenRecord
	now     func() time.Time
	reads   int
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records: make(map[string]TokenRecord),
		now:     time.Now,
	}
}

// Get returns a copy of the stored record.
func (store *MemoryTokenStore) Get(ctx context.Context, userRef string) (TokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.reads++
	record, ok := store.records[userRef]
	if !ok {
		return TokenRecord{}, fmt.Errorf("token_store.get.memory: %w", ErrTokenRecordNotFound)
	}
	return record, nil
}

// Set replaces the record for userRef.
func (store *MemoryTokenStore) Set(ctx context.Context, userRef string, record TokenRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[userRef] = record
	return nil
}

// Delete removes the record for userRef.
func (store *MemoryTokenStore) Delete(ctx context.Context, userRef string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, userRef)
	return nil
}

// IsValid reports whether the stored expiry exceeds now+skew.
func (store *MemoryTokenStore) IsValid(ctx context.Context, userRef string, skew time.Duration) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[userRef]
	if !ok {
		return false, nil
	}
	return record.ExpiresAt > store.now().Add(skew).Unix(), nil
}

// Reads returns how many Get calls the store served.
func (store *MemoryTokenStore) Reads() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.reads
}
