package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const claimsDDL = `
CREATE TABLE IF NOT EXISTS consumed_transactions (
    tx_hash         TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    consumed_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS consumed_transactions_subscription_idx
    ON consumed_transactions (subscription_id);
`

// PostgresClaims is a ClaimIndex backed by a primary key constraint.
type PostgresClaims struct {
	pool *pgxpool.Pool
}

// NewPostgresClaims connects to Postgres and ensures the table exists.
func NewPostgresClaims(ctx context.Context, url string) (*PostgresClaims, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	c := &PostgresClaims{pool: pool}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("Postgres claim index connected")
	return c, nil
}

func (c *PostgresClaims) Kind() string { return "postgres" }

func (c *PostgresClaims) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, claimsDDL); err != nil {
		return fmt.Errorf("migrate consumed_transactions: %w", err)
	}
	return nil
}

func (c *PostgresClaims) Claim(ctx context.Context, hash, subscriptionID string) (string, bool, error) {
	tag, err := c.pool.Exec(ctx,
		`INSERT INTO consumed_transactions (tx_hash, subscription_id) VALUES ($1, $2)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		hash, subscriptionID)
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", hash, err)
	}
	if tag.RowsAffected() == 1 {
		return subscriptionID, true, nil
	}
	owner, found, err := c.Owner(ctx, hash)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, fmt.Errorf("claim %s: conflicting row not visible", hash)
	}
	return owner, false, nil
}

func (c *PostgresClaims) Owner(ctx context.Context, hash string) (string, bool, error) {
	var owner string
	err := c.pool.QueryRow(ctx,
		`SELECT subscription_id FROM consumed_transactions WHERE tx_hash = $1`, hash).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim owner %s: %w", hash, err)
	}
	return owner, true, nil
}

func (c *PostgresClaims) Close() { c.pool.Close() }
