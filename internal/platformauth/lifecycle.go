package platformauth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var errMissingTokenStore = errors.New("token_lifecycle.missing_store")

// ManagerDependencies wires a TokenLifecycleManager. Cache and Client are optional:
// without a cache every read goes to the store, without a client no token is ever handed out.
type ManagerDependencies struct {
	Config  BrokerConfig
	Store   TokenStore
	Cache   *AccessTokenCache
	Client  TokenClient
	Logger  *zap.Logger
	Metrics MetricsRecorder
	Clock   Clock
}

// TokenLifecycleManager answers "give me a currently valid access token for this user".
type TokenLifecycleManager struct {
	configuration BrokerConfig
	store         TokenStore
	cache         *AccessTokenCache
	client        TokenClient
	logger        *zap.Logger
	metrics       MetricsRecorder
	clock         Clock
	refreshGroup  singleflight.Group
}

// NewTokenLifecycleManager validates dependencies and fills defaults.
func NewTokenLifecycleManager(dependencies ManagerDependencies) (*TokenLifecycleManager, error) {
	if dependencies.Store == nil {
		return nil, fmt.Errorf("token_lifecycle.new: %w", errMissingTokenStore)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenLifecycleManager{
		configuration: dependencies.Config.withDefaults(),
		store:         dependencies.Store,
		cache:         dependencies.Cache,
		client:        dependencies.Client,
		logger:        logger,
		metrics:       metrics,
		clock:         clock,
	}, nil
}

// Provider returns the cache namespace used for this platform.
func (manager *TokenLifecycleManager) Provider() string {
	return manager.configuration.Provider
}

// EnsureAccessToken walks cache, store, and refresh in that order.
// ErrNotConnected means the user must authorize again; storage and upstream
// outages are returned as their own errors so callers do not force a needless re-authorization.
func (manager *TokenLifecycleManager) EnsureAccessToken(ctx context.Context, userRef string) (string, error) {
	if manager.configuration.TokenEndpoint() == "" || manager.client == nil {
		return "", fmt.Errorf("token_lifecycle.ensure: %w: %w", ErrNotConnected, ErrTokenEndpointNotConfigured)
	}

	if token, ok := manager.cachedToken(ctx, userRef); ok {
		manager.metrics.Increment(MetricCacheHit)
		return token, nil
	}

	record, found, err := manager.loadRecord(ctx, userRef)
	if err != nil {
		return "", fmt.Errorf("token_lifecycle.ensure: %w", err)
	}
	if !found {
		manager.metrics.Increment(MetricNotConnected)
		return "", fmt.Errorf("token_lifecycle.ensure: %w", ErrNotConnected)
	}

	if !record.ExpiredAt(manager.clock.Now()) {
		manager.metrics.Increment(MetricStoreHit)
		manager.cacheToken(ctx, userRef, record)
		return record.AccessToken, nil
	}

	if record.RefreshToken == "" {
		manager.metrics.Increment(MetricNotConnected)
		return "", fmt.Errorf("token_lifecycle.ensure: %w", ErrNotConnected)
	}

	return manager.refresh(ctx, userRef)
}

// refresh lets concurrent callers for one user share a single upstream call.
// The shared call runs detached from any one caller's cancellation; each caller
// still stops waiting when its own context ends.
func (manager *TokenLifecycleManager) refresh(ctx context.Context, userRef string) (string, error) {
	detached := context.WithoutCancel(ctx)
	results := manager.refreshGroup.DoChan(userRef, func() (any, error) {
		return manager.refreshOnce(detached, userRef)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("token_lifecycle.refresh: %w", ctx.Err())
	case result := <-results:
		if result.Shared {
			manager.metrics.Increment(MetricRefreshShared)
		}
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (manager *TokenLifecycleManager) refreshOnce(ctx context.Context, userRef string) (string, error) {
	record, found, err := manager.loadRecord(ctx, userRef)
	if err != nil {
		return "", fmt.Errorf("token_lifecycle.refresh: %w", err)
	}
	if !found || record.RefreshToken == "" {
		return "", fmt.Errorf("token_lifecycle.refresh: %w", ErrNotConnected)
	}
	if !record.ExpiredAt(manager.clock.Now()) {
		manager.cacheToken(ctx, userRef, record)
		return record.AccessToken, nil
	}

	response, refreshErr := manager.client.Refresh(ctx, record.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrUpstreamRejected) {
			manager.metrics.Increment(MetricRefreshRejected)
			manager.logger.Warn("refresh token rejected; purging stored tokens",
				zap.String("code", "token.refresh.rejected"),
				zap.String("user_ref", userRef),
				zap.Error(refreshErr))
			if storeErr, _ := manager.purge(ctx, userRef); storeErr != nil {
				return "", fmt.Errorf("token_lifecycle.refresh: %w", storeErr)
			}
			return "", fmt.Errorf("token_lifecycle.refresh: %w: %w", ErrNotConnected, ErrRefreshFailed)
		}
		manager.metrics.Increment(MetricRefreshUnavailable)
		manager.logger.Warn("refresh request failed",
			zap.String("code", "token.refresh.unavailable"),
			zap.String("user_ref", userRef),
			zap.Error(refreshErr))
		return "", fmt.Errorf("token_lifecycle.refresh: %w", refreshErr)
	}

	updated := manager.buildRecord(response, &record)
	if err := manager.persist(ctx, userRef, updated); err != nil {
		return "", fmt.Errorf("token_lifecycle.refresh: %w", err)
	}
	manager.metrics.Increment(MetricRefreshSuccess)
	manager.logger.Info("platform token refreshed",
		zap.String("code", "token.refresh.success"),
		zap.String("user_ref", userRef),
		zap.Int64("expires_at", updated.ExpiresAt))
	return updated.AccessToken, nil
}

// StoreTokenResponse turns a fresh token endpoint answer into a record, persists it, and caches it.
func (manager *TokenLifecycleManager) StoreTokenResponse(ctx context.Context, userRef string, response TokenResponse) (TokenRecord, error) {
	record := manager.buildRecord(response, nil)
	if err := manager.persist(ctx, userRef, record); err != nil {
		return TokenRecord{}, fmt.Errorf("token_lifecycle.store: %w", err)
	}
	return record, nil
}

// Logout deletes the stored record and the cache entry. A failed cache delete is
// reported because a surviving entry would keep serving the token until its TTL.
func (manager *TokenLifecycleManager) Logout(ctx context.Context, userRef string) error {
	manager.metrics.Increment(MetricLogout)
	storeErr, cacheErr := manager.purge(ctx, userRef)
	if err := errors.Join(storeErr, cacheErr); err != nil {
		return fmt.Errorf("token_lifecycle.logout: %w", err)
	}
	return nil
}

// IsConnected is a cheap check over the store's expiry column.
func (manager *TokenLifecycleManager) IsConnected(ctx context.Context, userRef string) (bool, error) {
	storeContext, cancel := context.WithTimeout(ctx, manager.configuration.StoreTimeout)
	defer cancel()
	valid, err := manager.store.IsValid(storeContext, userRef, manager.configuration.CacheSkew)
	if err != nil {
		return false, fmt.Errorf("token_lifecycle.is_connected: %w", err)
	}
	return valid, nil
}

func (manager *TokenLifecycleManager) buildRecord(response TokenResponse, previous *TokenRecord) TokenRecord {
	record := TokenRecord{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		TokenType:    response.TokenType,
		Scope:        response.Scope,
		ExpiresAt:    SafeExpiry(manager.clock.Now(), response.ExpiresIn),
		Platform:     manager.configuration.PlatformURL,
	}
	if previous != nil {
		if record.RefreshToken == "" {
			record.RefreshToken = previous.RefreshToken
		}
		if record.TokenType == "" {
			record.TokenType = previous.TokenType
		}
		if record.Scope == "" {
			record.Scope = previous.Scope
		}
	}
	return record
}

func (manager *TokenLifecycleManager) loadRecord(ctx context.Context, userRef string) (TokenRecord, bool, error) {
	storeContext, cancel := context.WithTimeout(ctx, manager.configuration.StoreTimeout)
	defer cancel()
	record, err := manager.store.Get(storeContext, userRef)
	if err == nil {
		return record, true, nil
	}
	if errors.Is(err, ErrTokenRecordNotFound) {
		return TokenRecord{}, false, nil
	}
	if errors.Is(err, ErrTokenRecordCorrupt) {
		manager.logger.Error("stored token record is unreadable; purging",
			zap.String("code", "token.store.corrupt"),
			zap.String("user_ref", userRef),
			zap.Error(err))
		if storeErr, _ := manager.purge(ctx, userRef); storeErr != nil {
			return TokenRecord{}, false, storeErr
		}
		return TokenRecord{}, false, nil
	}
	return TokenRecord{}, false, err
}

func (manager *TokenLifecycleManager) persist(ctx context.Context, userRef string, record TokenRecord) error {
	storeContext, cancel := context.WithTimeout(ctx, manager.configuration.StoreTimeout)
	defer cancel()
	if err := manager.store.Set(storeContext, userRef, record); err != nil {
		return err
	}
	manager.cacheToken(ctx, userRef, record)
	return nil
}

// purge removes the stored record and the cache entry. Cache failures are logged
// and returned separately so read paths can ignore them.
func (manager *TokenLifecycleManager) purge(ctx context.Context, userRef string) (storeErr error, cacheErr error) {
	storeContext, cancel := context.WithTimeout(ctx, manager.configuration.StoreTimeout)
	defer cancel()
	storeErr = manager.store.Delete(storeContext, userRef)
	if manager.cache != nil {
		cacheErr = manager.cache.Delete(ctx, manager.configuration.Provider, userRef, DefaultScopeKey)
		if cacheErr != nil {
			manager.metrics.Increment(MetricCacheError)
			manager.logger.Warn("token cache delete failed",
				zap.String("code", "token.cache.delete_failed"),
				zap.String("user_ref", userRef),
				zap.Error(cacheErr))
		}
	}
	return storeErr, cacheErr
}

func (manager *TokenLifecycleManager) cachedToken(ctx context.Context, userRef string) (string, bool) {
	if manager.cache == nil {
		return "", false
	}
	token, ok, err := manager.cache.Get(ctx, manager.configuration.Provider, userRef, DefaultScopeKey)
	if err != nil {
		manager.metrics.Increment(MetricCacheError)
		manager.logger.Warn("token cache read failed; falling back to store",
			zap.String("code", "token.cache.get_failed"),
			zap.String("user_ref", userRef),
			zap.Error(err))
		return "", false
	}
	return token, ok
}

func (manager *TokenLifecycleManager) cacheToken(ctx context.Context, userRef string, record TokenRecord) {
	if manager.cache == nil {
		return
	}
	err := manager.cache.Set(ctx, manager.configuration.Provider, userRef, DefaultScopeKey, record.AccessToken, record.ExpiresAt)
	if err != nil {
		manager.metrics.Increment(MetricCacheError)
		manager.logger.Warn("token cache write failed",
			zap.String("code", "token.cache.set_failed"),
			zap.String("user_ref", userRef),
			zap.Error(err))
	}
}
