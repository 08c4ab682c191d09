package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// TxQuerier is implemented by both pgxpool.Pool and pgx.Tx.
// Repository methods that need transaction support should accept TxQuerier.
type TxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Beginner is implemented by *pgxpool.Pool. Service-layer code depends on
// this instead of the concrete pool type so it can be swapped for a fake in
// tests.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// schema is the full set of DDL statements for the voucher pool service.
// Applied idempotently (IF NOT EXISTS) so it is safe to call on every
// startup and from test setup alike.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vouchers (
	id           BIGSERIAL PRIMARY KEY,
	pool         TEXT NOT NULL REFERENCES pools(name),
	operator     TEXT NOT NULL,
	denomination TEXT NOT NULL,
	voucher      TEXT NOT NULL,
	used         BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pool, operator, denomination, voucher)
);
CREATE INDEX IF NOT EXISTS vouchers_claim_idx ON vouchers (pool, operator, denomination)
	WHERE used = false;

CREATE TABLE IF NOT EXISTS audit_records (
	id             BIGSERIAL PRIMARY KEY,
	pool           TEXT NOT NULL REFERENCES pools(name),
	request_id     TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	request_data   JSONB NOT NULL,
	response_data  JSONB,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pool, request_id)
);
CREATE INDEX IF NOT EXISTS audit_transaction_idx ON audit_records (pool, transaction_id);
CREATE INDEX IF NOT EXISTS audit_user_idx ON audit_records (pool, user_id);
`

// EnsureSchema applies the service's DDL. Safe to call repeatedly; used by
// process bootstrap and by test setup that spins up a disposable database.
func EnsureSchema(ctx context.Context, pool TxQuerier) error {
	_, err := pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewPool creates a PostgreSQL connection pool with retry logic.
// Retries with exponential backoff: 1s, 2s, 4s, 8s, 16s (total ~31s before failure).
func NewPool(ctx context.Context, dsn string, maxRetries int) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	// Ensure at least one attempt even if maxRetries is 0
	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			// Verify connection actually works
			if pingErr := pool.Ping(ctx); pingErr == nil {
				log.Info().Msg("database connection established")
				return pool, nil
			} else {
				pool.Close()
				err = fmt.Errorf("ping failed: %w", pingErr)
			}
		}

		backoff := time.Duration(1<<attempt) * time.Second
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("next_retry_in", backoff).
			Msg("database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
}
