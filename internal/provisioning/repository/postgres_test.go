package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"trust-bridge/backend/internal/db"
	"trust-bridge/backend/internal/db/migrate"
	"trust-bridge/backend/internal/provisioning/domain"
)

// openTestRepository migrates the database at DATABASE_URL and returns a ledger over it.
// Skips when no database is configured or reachable.
func openTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	sqlDB, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("database not reachable: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := migrate.Run(dsn, migrate.Up); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return NewPostgresRepository(sqlDB)
}

func testRecord(now time.Time) domain.TokenRecord {
	return domain.TokenRecord{
		TokenID:       uuid.NewString(),
		Type:          "consumer",
		Organization:  "uned.es",
		PublicBaseURL: "https://gateway.uned.es",
		IssuedAt:      now,
		ExpiresAt:     now.Add(15 * time.Minute),
	}
}

func TestPostgresRepository_ConsumeOnce(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := testRecord(now)

	if err := repo.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := repo.Record(ctx, rec); err != nil {
		t.Fatalf("second Record: %v", err)
	}
	got, err := repo.Get(ctx, rec.TokenID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.ConsumedAt != nil {
		t.Errorf("ConsumedAt = %v before consumption, want nil", got.ConsumedAt)
	}

	ok, err := repo.Consume(ctx, rec, now)
	if err != nil || !ok {
		t.Fatalf("first Consume = %v, %v; want true", ok, err)
	}
	ok, err = repo.Consume(ctx, rec, now.Add(time.Second))
	if err != nil || ok {
		t.Errorf("second Consume = %v, %v; want false", ok, err)
	}

	got, err = repo.Get(ctx, rec.TokenID)
	if err != nil || got == nil {
		t.Fatalf("Get after consume = %v, %v", got, err)
	}
	if got.ConsumedAt == nil || !got.ConsumedAt.Equal(now) {
		t.Errorf("ConsumedAt = %v, want %v", got.ConsumedAt, now)
	}
}

func TestPostgresRepository_ConsumeUnrecorded(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := testRecord(now)

	ok, err := repo.Consume(ctx, rec, now)
	if err != nil || !ok {
		t.Fatalf("Consume unrecorded = %v, %v; want true", ok, err)
	}
	got, err := repo.Get(ctx, rec.TokenID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.Organization != "uned.es" || got.ConsumedAt == nil {
		t.Errorf("record = %+v, want inserted and consumed", got)
	}
	if ok, err := repo.Consume(ctx, rec, now); err != nil || ok {
		t.Errorf("replay Consume = %v, %v; want false", ok, err)
	}
}

func TestPostgresRepository_GetMissing(t *testing.T) {
	repo := openTestRepository(t)
	got, err := repo.Get(context.Background(), uuid.NewString())
	if err != nil || got != nil {
		t.Errorf("Get missing = %v, %v; want nil, nil", got, err)
	}
}
