package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"trust-bridge/backend/internal/provisioning/domain"
)

const (
	insertTokenSQL = `INSERT INTO provisioning_tokens (token_id, token_type, organization, public_base_url, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token_id) DO NOTHING`

	consumeTokenSQL = `INSERT INTO provisioning_tokens (token_id, token_type, organization, public_base_url, issued_at, expires_at, consumed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (token_id) DO UPDATE SET consumed_at = EXCLUDED.consumed_at
WHERE provisioning_tokens.consumed_at IS NULL
RETURNING token_id`

	getTokenSQL = `SELECT token_id, token_type, organization, public_base_url, issued_at, expires_at, consumed_at
FROM provisioning_tokens WHERE token_id = $1`
)

// PostgresRepository stores the ledger in the provisioning_tokens table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a ledger backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Record(ctx context.Context, rec domain.TokenRecord) error {
	_, err := r.db.ExecContext(ctx, insertTokenSQL,
		rec.TokenID, rec.Type, rec.Organization, rec.PublicBaseURL, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC())
	return err
}

// Consume relies on the conditional upsert: no row is returned when the token was already consumed.
func (r *PostgresRepository) Consume(ctx context.Context, rec domain.TokenRecord, at time.Time) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, consumeTokenSQL,
		rec.TokenID, rec.Type, rec.Organization, rec.PublicBaseURL, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(), at.UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the record for tokenID, or nil if not found. Errors are database failures only.
func (r *PostgresRepository) Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	var consumed sql.NullTime
	err := r.db.QueryRowContext(ctx, getTokenSQL, tokenID).Scan(
		&rec.TokenID, &rec.Type, &rec.Organization, &rec.PublicBaseURL, &rec.IssuedAt, &rec.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time
		rec.ConsumedAt = &t
	}
	return &rec, nil
}
