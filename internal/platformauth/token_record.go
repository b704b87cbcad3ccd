package platformauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultExpiresInSeconds = 3600
	expirySafetyMargin      = 60
	minimumAssumedLifetime  = 30
	// MaximumExpiresInSeconds caps upstream lifetimes at one year.
	MaximumExpiresInSeconds = 365 * 24 * 60 * 60
)

// TokenRecord is the token set persisted per user reference.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	Platform     string `json:"platform,omitempty"`
}

// ExpiredAt reports whether the record's expiry is not strictly after now.
func (record TokenRecord) ExpiredAt(now time.Time) bool {
	return record.ExpiresAt <= now.Unix()
}

// SafeExpiry computes now + max(30, expiresIn-60) in epoch seconds.
// A nil expiresIn means the upstream omitted the field and defaults to one hour;
// an explicit zero is honoured and yields the thirty second floor.
func SafeExpiry(now time.Time, expiresInSeconds *int64) int64 {
	lifetimeSeconds := int64(defaultExpiresInSeconds)
	if expiresInSeconds != nil {
		lifetimeSeconds = *expiresInSeconds
	}
	if lifetimeSeconds > MaximumExpiresInSeconds {
		lifetimeSeconds = MaximumExpiresInSeconds
	}
	lifetime := lifetimeSeconds - expirySafetyMargin
	if lifetime < minimumAssumedLifetime {
		lifetime = minimumAssumedLifetime
	}
	return now.Unix() + lifetime
}

// EncodeTokenRecord produces the opaque persisted form of a record.
// base64(JSON) is reversible obfuscation, not encryption.
func EncodeTokenRecord(record TokenRecord) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("token_store.encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTokenRecord reverses EncodeTokenRecord.
func DecodeTokenRecord(encoded string) (TokenRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.decode: %w: %v", ErrTokenRecordCorrupt, err)
	}
	var record TokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.decode: %w: %v", ErrTokenRecordCorrupt, err)
	}
	return record, nil
}
