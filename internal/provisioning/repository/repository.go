// Package repository persists the provisioning token ledger.
package repository

import (
	"context"
	"time"

	"trust-bridge/backend/internal/provisioning/domain"
)

// Repository records issued provisioning tokens and their consumption.
type Repository interface {
	// Record stores an issued token. Recording the same token id twice is a no-op.
	Record(ctx context.Context, rec domain.TokenRecord) error
	// Consume marks the token consumed at at and reports whether this call consumed it. A token
	// missing from the ledger is recorded and consumed; an already consumed token returns false.
	Consume(ctx context.Context, rec domain.TokenRecord, at time.Time) (bool, error)
	// Get returns the record for tokenID, or nil if not found.
	Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error)
}
