package platformauth

import (
	"context"
	"time"
)

// TokenStore durably persists one TokenRecord per user reference.
type TokenStore interface {
	// Get returns ErrTokenRecordNotFound when the user has no record.
	Get(ctx context.Context, userRef string) (TokenRecord, error)
	// Set upserts the record atomically.
	Set(ctx context.Context, userRef string, record TokenRecord) error
	// Delete removes the record; deleting an absent record is not an error.
	Delete(ctx context.Context, userRef string) error
	// IsValid reports whether a record exists whose expiry exceeds now+skew, without decoding it.
	IsValid(ctx context.Context, userRef string, skew time.Duration) (bool, error)
}

// CacheBackend is a TTL key-value store for bare access tokens.
type CacheBackend interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value for ttl; ttl is always positive.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TokenClient talks to the upstream OAuth token endpoint.
type TokenClient interface {
	ExchangeCode(ctx context.Context, code string) (TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
}

// TokenResponse is the parsed token endpoint answer.
// ExpiresIn is nil when the upstream omitted expires_in.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    *int64
}
