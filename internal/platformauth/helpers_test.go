package platformauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Now().UTC().Truncate(time.Second)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeTokenClient struct {
	mutex            sync.Mutex
	exchangeCalls    int
	refreshCalls     int
	exchangeResponse TokenResponse
	exchangeErr      error
	refreshResponse  TokenResponse
	refreshErr       error
	refreshStarted   chan struct{}
	refreshRelease   chan struct{}
	lastCode         string
	lastRefreshToken string
}

func (client *fakeTokenClient) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.exchangeCalls++
	client.lastCode = code
	if client.exchangeErr != nil {
		return TokenResponse{}, client.exchangeErr
	}
	return client.exchangeResponse, nil
}

func (client *fakeTokenClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	client.mutex.Lock()
	client.refreshCalls++
	client.lastRefreshToken = refreshToken
	started := client.refreshStarted
	release := client.refreshRelease
	response := client.refreshResponse
	refreshErr := client.refreshErr
	client.mutex.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if refreshErr != nil {
		return TokenResponse{}, refreshErr
	}
	return response, nil
}

func (client *fakeTokenClient) counts() (int, int) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.exchangeCalls, client.refreshCalls
}

var errBackendDown = errors.New("backend down")

type failingCacheBackend struct{}

func (failingCacheBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errBackendDown
}

func (failingCacheBackend) Set(context.Context, string, string, time.Duration) error {
	return errBackendDown
}

func (failingCacheBackend) Delete(context.Context, string) error {
	return errBackendDown
}

type mapCacheBackend struct {
	mutex   sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
}

func newMapCacheBackend() *mapCacheBackend {
	return &mapCacheBackend{entries: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (backend *mapCacheBackend) Get(_ context.Context, key string) (string, bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	value, ok := backend.entries[key]
	return value, ok, nil
}

func (backend *mapCacheBackend) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.entries[key] = value
	backend.ttls[key] = ttl
	return nil
}

func (backend *mapCacheBackend) Delete(_ context.Context, key string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	delete(backend.entries, key)
	delete(backend.ttls, key)
	return nil
}

func testBrokerConfig() BrokerConfig {
	return BrokerConfig{
		PlatformURL:      "https://platform.example",
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURL:      "https://broker.example/oauth/callback",
		DefaultReturnURL: "https://app.example/",
	}
}

func expiresInPointer(seconds int64) *int64 {
	return &seconds
}
