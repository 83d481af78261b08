package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balti-ai/balti-voice/internal/transcript/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if BALTI_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("BALTI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BALTI_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] against a clean utterances table
// and closes it when the test finishes.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS utterances CASCADE"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	s, err := store.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestWriteAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []store.Entry{
		{CorrelationID: 1, Role: "user", Text: "what time is breakfast"},
		{CorrelationID: 1, Role: "assistant", Text: "Breakfast is at eight."},
		{CorrelationID: 2, Role: "user", Text: "and dinner"},
	}
	for _, e := range entries {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	got, err := s.Recent(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Recent returned %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].CorrelationID != e.CorrelationID || got[i].Role != e.Role || got[i].Text != e.Text {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
		if got[i].Timestamp.IsZero() {
			t.Errorf("entry %d has zero timestamp", i)
		}
	}
}

func TestRecentWindowExcludesOldEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := store.Entry{
		CorrelationID: 1,
		Role:          "user",
		Text:          "stale",
		Timestamp:     time.Now().Add(-time.Hour),
	}
	fresh := store.Entry{CorrelationID: 2, Role: "user", Text: "fresh"}
	for _, e := range []store.Entry{old, fresh} {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	got, err := s.Recent(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "fresh" {
		t.Errorf("Recent = %+v, want only the fresh entry", got)
	}
}

func TestExchange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []store.Entry{
		{CorrelationID: 5, Role: "user", Text: "hello"},
		{CorrelationID: 5, Role: "assistant", Text: "hi there"},
		{CorrelationID: 6, Role: "user", Text: "unrelated"},
	} {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	got, err := s.Exchange(ctx, 5)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Exchange returned %d entries, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("Exchange order = [%s %s], want [user assistant]", got[0].Role, got[1].Role)
	}
}

func TestRecentEmptyTableReturnsEmptySlice(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Recent(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent = %v, want empty non-nil slice", got)
	}
}
