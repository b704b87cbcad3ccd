package platformauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type lifecycleFixture struct {
	clock   *controllableClock
	store   *MemoryTokenStore
	backend CacheBackend
	client  *fakeTokenClient
	metrics *CounterMetrics
	manager *TokenLifecycleManager
}

func newLifecycleFixture(t *testing.T, backend CacheBackend) *lifecycleFixture {
	t.Helper()
	fixture := &lifecycleFixture{
		clock:   newControllableClock(),
		store:   NewMemoryTokenStore(),
		backend: backend,
		client:  &fakeTokenClient{},
		metrics: NewCounterMetrics(),
	}
	fixture.store.now = fixture.clock.Now
	manager, err := NewTokenLifecycleManager(ManagerDependencies{
		Config:  testBrokerConfig(),
		Store:   fixture.store,
		Cache:   NewAccessTokenCache(backend, time.Minute, fixture.clock),
		Client:  fixture.client,
		Logger:  zaptest.NewLogger(t),
		Metrics: fixture.metrics,
		Clock:   fixture.clock,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fixture.manager = manager
	return fixture
}

func (fixture *lifecycleFixture) seed(t *testing.T, userRef string, record TokenRecord) {
	t.Helper()
	if err := fixture.store.Set(context.Background(), userRef, record); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestEnsureAccessTokenNeverConnected(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	_, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, refreshes := fixture.client.counts(); refreshes != 0 {
		t.Fatalf("expected no upstream calls, got %d", refreshes)
	}
}

func TestEnsureAccessTokenServesSecondReadFromCache(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(time.Hour).Unix()})

	ctx := context.Background()
	first, err := fixture.manager.EnsureAccessToken(ctx, "user-1")
	if err != nil || first != "a1" {
		t.Fatalf("expected a1, got %q %v", first, err)
	}
	readsAfterFirst := fixture.store.Reads()

	second, err := fixture.manager.EnsureAccessToken(ctx, "user-1")
	if err != nil || second != "a1" {
		t.Fatalf("expected a1, got %q %v", second, err)
	}
	if fixture.store.Reads() != readsAfterFirst {
		t.Fatalf("expected cached read to skip the store")
	}
	if fixture.metrics.Count(MetricCacheHit) != 1 || fixture.metrics.Count(MetricStoreHit) != 1 {
		t.Fatalf("unexpected metrics %v", fixture.metrics.Snapshot())
	}
}

func TestEnsureAccessTokenRefreshesExpiredRecord(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", Scope: "read", ExpiresAt: fixture.clock.Now().Add(-10 * time.Second).Unix()})
	fixture.client.refreshResponse = TokenResponse{AccessToken: "a2", ExpiresIn: expiresInPointer(3600)}

	token, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if err != nil || token != "a2" {
		t.Fatalf("expected a2, got %q %v", token, err)
	}
	if fixture.client.lastRefreshToken != "r1" {
		t.Fatalf("expected refresh with r1, got %q", fixture.client.lastRefreshToken)
	}
	stored, err := fixture.store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AccessToken != "a2" || stored.RefreshToken != "r1" || stored.TokenType != "Bearer" || stored.Scope != "read" {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	if stored.ExpiresAt != fixture.clock.Now().Unix()+3540 {
		t.Fatalf("expected safe expiry, got %d", stored.ExpiresAt-fixture.clock.Now().Unix())
	}
	cached, ok, _ := fixture.backend.Get(context.Background(), CacheKey(DefaultProvider, "user-1", DefaultScopeKey))
	if !ok || cached != "a2" {
		t.Fatalf("expected a2 cached, got %q %v", cached, ok)
	}
	if fixture.metrics.Count(MetricRefreshSuccess) != 1 {
		t.Fatalf("expected one refresh success")
	}
}

func TestEnsureAccessTokenRotatesRefreshToken(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Unix()})
	fixture.client.refreshResponse = TokenResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: expiresInPointer(3600)}

	if _, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	stored, _ := fixture.store.Get(context.Background(), "user-1")
	if stored.RefreshToken != "r2" {
		t.Fatalf("expected rotated refresh token, got %q", stored.RefreshToken)
	}
}

func TestEnsureAccessTokenRejectedRefreshPurges(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(-time.Minute).Unix()})
	fixture.client.refreshErr = errors.Join(ErrUpstreamRejected, errors.New("status 400"))

	_, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrNotConnected and ErrRefreshFailed, got %v", err)
	}
	if _, getErr := fixture.store.Get(context.Background(), "user-1"); !errors.Is(getErr, ErrTokenRecordNotFound) {
		t.Fatalf("expected record purged, got %v", getErr)
	}

	_, err = fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on the next read, got %v", err)
	}
	if _, refreshes := fixture.client.counts(); refreshes != 1 {
		t.Fatalf("expected a single upstream call, got %d", refreshes)
	}
}

func TestEnsureAccessTokenTransportFailureKeepsRecord(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(-time.Minute).Unix()})
	fixture.client.refreshErr = errors.Join(ErrUpstreamUnavailable, errors.New("connection refused"))

	_, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatalf("transport failure must not report not connected")
	}
	if _, getErr := fixture.store.Get(context.Background(), "user-1"); getErr != nil {
		t.Fatalf("expected record kept, got %v", getErr)
	}
}

func TestEnsureAccessTokenExpiredWithoutRefreshToken(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", ExpiresAt: fixture.clock.Now().Add(-time.Minute).Unix()})

	if _, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, refreshes := fixture.client.counts(); refreshes != 0 {
		t.Fatalf("expected no refresh without a refresh token")
	}
}

func TestEnsureAccessTokenConcurrentCallersShareOneRefresh(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(-time.Minute).Unix()})
	fixture.client.refreshResponse = TokenResponse{AccessToken: "a2", ExpiresIn: expiresInPointer(3600)}
	fixture.client.refreshStarted = make(chan struct{})
	fixture.client.refreshRelease = make(chan struct{})

	const callers = 8
	var waitGroup sync.WaitGroup
	results := make(chan string, callers)
	failures := make(chan error, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			token, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
			if err != nil {
				failures <- err
				return
			}
			results <- token
		}()
	}

	<-fixture.client.refreshStarted
	time.Sleep(20 * time.Millisecond)
	close(fixture.client.refreshRelease)
	waitGroup.Wait()
	close(results)
	close(failures)

	for err := range failures {
		t.Fatalf("unexpected failure: %v", err)
	}
	for token := range results {
		if token != "a2" {
			t.Fatalf("expected a2 for every caller, got %q", token)
		}
	}
	if _, refreshes := fixture.client.counts(); refreshes != 1 {
		t.Fatalf("expected exactly one upstream refresh, got %d", refreshes)
	}
}

func TestEnsureAccessTokenCallerCancellationDoesNotAbortRefresh(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(-time.Minute).Unix()})
	fixture.client.refreshResponse = TokenResponse{AccessToken: "a2", ExpiresIn: expiresInPointer(3600)}
	fixture.client.refreshStarted = make(chan struct{})
	fixture.client.refreshRelease = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fixture.manager.EnsureAccessToken(ctx, "user-1")
		done <- err
	}()
	<-fixture.client.refreshStarted
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(fixture.client.refreshRelease)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, _ := fixture.store.Get(context.Background(), "user-1")
		if stored.AccessToken == "a2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected detached refresh to persist a2")
}

func TestEnsureAccessTokenDegradesWhenCacheFails(t *testing.T) {
	fixture := newLifecycleFixture(t, failingCacheBackend{})
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(time.Hour).Unix()})

	token, err := fixture.manager.EnsureAccessToken(context.Background(), "user-1")
	if err != nil || token != "a1" {
		t.Fatalf("expected a1 from the store, got %q %v", token, err)
	}
	if fixture.metrics.Count(MetricCacheError) == 0 {
		t.Fatalf("expected cache errors to be counted")
	}
}

func TestEnsureAccessTokenWithoutTokenEndpoint(t *testing.T) {
	manager, err := NewTokenLifecycleManager(ManagerDependencies{
		Config: BrokerConfig{ClientID: "client-id"},
		Store:  NewMemoryTokenStore(),
		Client: &fakeTokenClient{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = manager.EnsureAccessToken(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, ErrTokenEndpointNotConfigured) {
		t.Fatalf("expected not connected because of missing endpoint, got %v", err)
	}
}

type corruptTokenStore struct {
	*MemoryTokenStore
}

func (store corruptTokenStore) Get(ctx context.Context, userRef string) (TokenRecord, error) {
	if _, err := store.MemoryTokenStore.Get(ctx, userRef); err != nil {
		return TokenRecord{}, err
	}
	return TokenRecord{}, ErrTokenRecordCorrupt
}

func TestEnsureAccessTokenPurgesCorruptRecord(t *testing.T) {
	memoryStore := NewMemoryTokenStore()
	_ = memoryStore.Set(context.Background(), "user-1", TokenRecord{AccessToken: "a1"})
	manager, err := NewTokenLifecycleManager(ManagerDependencies{
		Config: testBrokerConfig(),
		Store:  corruptTokenStore{MemoryTokenStore: memoryStore},
		Client: &fakeTokenClient{},
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.EnsureAccessToken(context.Background(), "user-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := memoryStore.Get(context.Background(), "user-1"); !errors.Is(err, ErrTokenRecordNotFound) {
		t.Fatalf("expected corrupt record purged, got %v", err)
	}
}

func TestLogoutClearsStoreAndCache(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixture.clock.Now().Add(time.Hour).Unix()})
	ctx := context.Background()
	if _, err := fixture.manager.EnsureAccessToken(ctx, "user-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := fixture.manager.Logout(ctx, "user-1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok, _ := fixture.backend.Get(ctx, CacheKey(DefaultProvider, "user-1", DefaultScopeKey)); ok {
		t.Fatalf("expected cache entry removed")
	}
	if _, err := fixture.manager.EnsureAccessToken(ctx, "user-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after logout, got %v", err)
	}
	if err := fixture.manager.Logout(ctx, "user-1"); err != nil {
		t.Fatalf("expected repeated logout to succeed, got %v", err)
	}
}

func TestLogoutReportsCacheFailure(t *testing.T) {
	fixture := newLifecycleFixture(t, failingCacheBackend{})
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", ExpiresAt: fixture.clock.Now().Add(time.Hour).Unix()})

	err := fixture.manager.Logout(context.Background(), "user-1")
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
	if _, getErr := fixture.store.Get(context.Background(), "user-1"); !errors.Is(getErr, ErrTokenRecordNotFound) {
		t.Fatalf("expected store record removed despite cache failure")
	}
}

func TestIsConnected(t *testing.T) {
	fixture := newLifecycleFixture(t, newMapCacheBackend())
	ctx := context.Background()
	if connected, err := fixture.manager.IsConnected(ctx, "user-1"); err != nil || connected {
		t.Fatalf("expected disconnected, got %v %v", connected, err)
	}
	fixture.seed(t, "user-1", TokenRecord{AccessToken: "a1", ExpiresAt: fixture.clock.Now().Add(time.Hour).Unix()})
	if connected, err := fixture.manager.IsConnected(ctx, "user-1"); err != nil || !connected {
		t.Fatalf("expected connected, got %v %v", connected, err)
	}
}

func TestNewTokenLifecycleManagerRequiresStore(t *testing.T) {
	if _, err := NewTokenLifecycleManager(ManagerDependencies{}); !errors.Is(err, errMissingTokenStore) {
		t.Fatalf("expected errMissingTokenStore, got %v", err)
	}
}
