package tokenpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/platformlink/internal/platformauth"
)

// PostgresTokenStore persists platform token records through pgx.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresTokenStore constructs a Postgres store over an existing pool.
func NewPostgresTokenStore(pool *pgxpool.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool, now: time.Now}
}

// Get loads and decodes the record for userRef.
func (store *PostgresTokenStore) Get(ctx context.Context, userRef string) (platformauth.TokenRecord, error) {
	var cipher string
	row := store.pool.QueryRow(ctx, `
SELECT tokenset_cipher
FROM platform_tokens
WHERE user_ref = $1
`, userRef)
	if scanErr := row.Scan(&cipher); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return platformauth.TokenRecord{}, fmt.Errorf("token_store.get.pgx: %w", platformauth.ErrTokenRecordNotFound)
		}
		return platformauth.TokenRecord{}, fmt.Errorf("token_store.get.pgx: %w: %w", platformauth.ErrStorageUnavailable, scanErr)
	}
	record, decodeErr := platformauth.DecodeTokenRecord(cipher)
	if decodeErr != nil {
		return platformauth.TokenRecord{}, fmt.Errorf("token_store.get.pgx: %w", decodeErr)
	}
	return record, nil
}

// Set upserts the record in one statement.
func (store *PostgresTokenStore) Set(ctx context.Context, userRef string, record platformauth.TokenRecord) error {
	cipher, encodeErr := platformauth.EncodeTokenRecord(record)
	if encodeErr != nil {
		return fmt.Errorf("token_store.set.pgx: %w", encodeErr)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO platform_tokens (user_ref, tokenset_cipher, expires_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_ref) DO UPDATE
SET tokenset_cipher = EXCLUDED.tokenset_cipher,
    expires_at = EXCLUDED.expires_at,
    updated_at = EXCLUDED.updated_at
`, userRef, cipher, record.ExpiresAt, store.now().UTC())
	if execErr != nil {
		return fmt.Errorf("token_store.set.pgx: %w: %w", platformauth.ErrStorageUnavailable, execErr)
	}
	return nil
}

// Delete removes the record for userRef if present.
func (store *PostgresTokenStore) Delete(ctx context.Context, userRef string) error {
	_, err := store.pool.Exec(ctx, `DELETE FROM platform_tokens WHERE user_ref = $1`, userRef)
	if err != nil {
		return fmt.Errorf("token_store.delete.pgx: %w: %w", platformauth.ErrStorageUnavailable, err)
	}
	return nil
}

// IsValid checks the expires_at column without decoding the blob.
func (store *PostgresTokenStore) IsValid(ctx context.Context, userRef string, skew time.Duration) (bool, error) {
	threshold := store.now().Add(skew).Unix()
	var valid bool
	row := store.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM platform_tokens WHERE user_ref = $1 AND expires_at > $2
)
`, userRef, threshold)
	if err := row.Scan(&valid); err != nil {
		return false, fmt.Errorf("token_store.is_valid.pgx: %w: %w", platformauth.ErrStorageUnavailable, err)
	}
	return valid, nil
}
