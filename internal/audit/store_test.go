package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAppend_And_Recent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Timestamp: base, UserID: "u1", Title: "Stellar Drift", Start: "2026-03-14T19:00:00", Outcome: OutcomeCreated, ExternalID: "evt-1"},
		{Timestamp: base.Add(time.Minute), UserID: "u2", Title: "Jazz night", Start: "2026-03-15T20:00:00", Outcome: OutcomeFailed, Error: "upstream 503"},
		{Timestamp: base.Add(2 * time.Minute), UserID: "u1", Title: "Farmers market", Start: "2026-03-16T09:00:00", Outcome: OutcomeCreated, ExternalID: "evt-2"},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := s.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Title != "Farmers market" {
		t.Errorf("newest = %q, want Farmers market", all[0].Title)
	}
	if all[0].ID == "" {
		t.Error("ID should be generated")
	}
	if !all[2].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", all[2].Timestamp, base)
	}

	mine, err := s.Recent(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("Recent(u1): %v", err)
	}
	if len(mine) != 1 || mine[0].ExternalID != "evt-2" {
		t.Errorf("Recent(u1, 1) = %+v", mine)
	}
}

func TestSummarize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, outcome := range []string{OutcomeCreated, OutcomeCreated, OutcomeFailed, OutcomeUnauthenticated} {
		if err := s.Append(ctx, Entry{Timestamp: now, Title: "t", Start: "s", Outcome: outcome}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Outside the window.
	if err := s.Append(ctx, Entry{Timestamp: now.Add(-48 * time.Hour), Title: "old", Start: "s", Outcome: OutcomeCreated}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sum, err := s.Summarize(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := Summary{OutcomeCreated: 2, OutcomeFailed: 1, OutcomeUnauthenticated: 1}
	for k, v := range want {
		if sum[k] != v {
			t.Errorf("sum[%s] = %d, want %d", k, sum[k], v)
		}
	}
}

func TestAppend_DuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := Entry{ID: "fixed", Title: "t", Start: "s", Outcome: OutcomeCreated}
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := s.Append(ctx, e); err == nil {
		t.Error("second Append with the same ID should fail")
	}
}
