package calls

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Runs only when TEST_DATABASE_DSN points at a disposable Postgres.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	sid := "CA" + uuid.NewString()
	if _, err := s.Create(ctx, CallRecord{CallSid: sid, Status: StatusInitiated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, CallRecord{CallSid: sid}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.Update(ctx, sid, Success("took aspirin", StatusMap{"aspirin": MedicationTaken}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.ProcessingComplete {
		t.Fatalf("expected processing complete")
	}

	found, err := s.FindByCallSid(ctx, sid)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.MedicationStatus["aspirin"] != MedicationTaken || found.PatientResponseText == nil {
		t.Fatalf("unexpected stored record %+v", found)
	}

	if _, err := s.Update(ctx, "CA-missing-"+uuid.NewString(), Failure("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
