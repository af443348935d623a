package storage

import (
	"context"
	"moltmonitor/internal/models"
	"os"
	"testing"
	"time"
)

func getPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

func newPostgresTestStorage(t *testing.T) *PostgresStorage {
	t.Helper()
	dsn := getPostgresDSN(t)
	s, err := NewPostgresStorage(Config{ConnectionString: dsn, MaxOpenConns: 4, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("failed to create postgres storage: %v", err)
	}
	if _, err := s.pool.Exec(context.Background(), `TRUNCATE poll_states, seen_items`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStorageConnectionError(t *testing.T) {
	_, err := NewPostgresStorage(Config{ConnectionString: ""})
	if err == nil {
		t.Error("expected error for empty connection string")
	}
}

func TestPostgresStorageInvalidDSN(t *testing.T) {
	_, err := NewPostgresStorage(Config{ConnectionString: "postgres://invalid:5432/nonexistent"})
	if err == nil {
		t.Error("expected error for invalid DSN")
	}
}

func TestPostgresStorageMalformedDSN(t *testing.T) {
	_, err := NewPostgresStorage(Config{ConnectionString: "postgres://%zz"})
	if err == nil {
		t.Error("expected error for malformed DSN")
	}
}

func TestPostgresStorage(t *testing.T) {
	s := newPostgresTestStorage(t)
	testStorageContract(t, s)
}

func TestPostgresStorageSchemaIsIdempotent(t *testing.T) {
	s := newPostgresTestStorage(t)
	ctx := context.Background()

	if err := s.SavePollStates(ctx, []models.PollStateRecord{{Endpoint: "new_posts", Cursor: "p1"}}); err != nil {
		t.Fatalf("SavePollStates: %v", err)
	}

	again, err := NewPostgresStorage(Config{ConnectionString: getPostgresDSN(t)})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer again.Close()

	states, err := again.LoadPollStates(ctx)
	if err != nil {
		t.Fatalf("LoadPollStates: %v", err)
	}
	if len(states) != 1 || states[0].Cursor != "p1" {
		t.Errorf("states after reopen = %+v", states)
	}
}

func TestPostgresStorageZeroTimesDefaultToNow(t *testing.T) {
	s := newPostgresTestStorage(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	if err := s.SaveSeenItems(ctx, []models.SeenItemRecord{{ID: "p1", Occurrences: 1}}); err != nil {
		t.Fatalf("SaveSeenItems: %v", err)
	}
	items, err := s.LoadSeenItems(ctx)
	if err != nil {
		t.Fatalf("LoadSeenItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].FirstSeen.Before(before) || items[0].LastSeen.Before(before) {
		t.Errorf("zero times stored as %v / %v, want now", items[0].FirstSeen, items[0].LastSeen)
	}
}
