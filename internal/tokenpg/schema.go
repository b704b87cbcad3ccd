package tokenpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the token table and its expiry index if they do not exist.
// The layout matches the GORM-managed table so either driver can serve the same database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS platform_tokens (
    user_ref TEXT PRIMARY KEY,
    tokenset_cipher TEXT NOT NULL,
    expires_at BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS platform_tokens_expires_idx ON platform_tokens (expires_at);
`)
	if err != nil {
		return fmt.Errorf("tokenpg.schema: %w", err)
	}
	return nil
}
