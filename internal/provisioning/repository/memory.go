package repository

import (
	"context"
	"sync"
	"time"

	"trust-bridge/backend/internal/provisioning/domain"
)

// MemoryRepository is an in-process ledger used when no database is configured. Expired
// records are dropped on write.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]domain.TokenRecord
	nowF    func() time.Time
}

// NewMemoryRepository returns an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]domain.TokenRecord), nowF: time.Now}
}

func (m *MemoryRepository) Record(ctx context.Context, rec domain.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	if _, ok := m.records[rec.TokenID]; !ok {
		m.records[rec.TokenID] = rec
	}
	return nil
}

func (m *MemoryRepository) Consume(ctx context.Context, rec domain.TokenRecord, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	existing, ok := m.records[rec.TokenID]
	if ok && existing.ConsumedAt != nil {
		return false, nil
	}
	if !ok {
		existing = rec
	}
	existing.ConsumedAt = &at
	m.records[rec.TokenID] = existing
	return true, nil
}

func (m *MemoryRepository) Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tokenID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Len returns the number of records held.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// sweepLocked drops records past expiry. A consumed token that expired can no longer be
// replayed, so it is safe to forget.
func (m *MemoryRepository) sweepLocked() {
	now := m.nowF()
	for id, rec := range m.records {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			delete(m.records, id)
		}
	}
}
