package repository

import (
	"context"
	"testing"
	"time"

	"trust-bridge/backend/internal/provisioning/domain"
)

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)

func TestMemoryRepository_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRepository()
	now := time.Now()
	rec := domain.TokenRecord{TokenID: "jti-1", Type: "consumer", Organization: "uned.es", IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute)}

	if err := m.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ok, err := m.Consume(ctx, rec, now)
	if err != nil || !ok {
		t.Fatalf("first Consume = %v, %v; want true", ok, err)
	}
	ok, err = m.Consume(ctx, rec, now.Add(time.Second))
	if err != nil || ok {
		t.Errorf("second Consume = %v, %v; want false", ok, err)
	}
	got, err := m.Get(ctx, "jti-1")
	if err != nil || got == nil || got.ConsumedAt == nil || !got.ConsumedAt.Equal(now) {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestMemoryRepository_ConsumeUnrecorded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRepository()
	rec := domain.TokenRecord{TokenID: "jti-2", ExpiresAt: time.Now().Add(time.Minute)}
	ok, err := m.Consume(ctx, rec, time.Now())
	if err != nil || !ok {
		t.Fatalf("Consume = %v, %v; want true", ok, err)
	}
	if ok, _ := m.Consume(ctx, rec, time.Now()); ok {
		t.Error("replay of an unrecorded token should be rejected")
	}
}

func TestMemoryRepository_RecordIsIdempotentAndSweeps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryRepository()
	m.nowF = func() time.Time { return now }

	rec := domain.TokenRecord{TokenID: "jti-3", Organization: "uhu.es", ExpiresAt: now.Add(time.Minute)}
	_ = m.Record(ctx, rec)
	rec.Organization = "changed"
	_ = m.Record(ctx, rec)
	got, _ := m.Get(ctx, "jti-3")
	if got == nil || got.Organization != "uhu.es" {
		t.Errorf("Get = %+v, want first record kept", got)
	}

	now = now.Add(2 * time.Minute)
	_ = m.Record(ctx, domain.TokenRecord{TokenID: "jti-4", ExpiresAt: now.Add(time.Minute)})
	if m.Len() != 1 {
		t.Errorf("Len = %d, want expired record swept", m.Len())
	}
	if got, _ := m.Get(ctx, "missing"); got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
}
