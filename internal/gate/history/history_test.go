package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudenavuud/agent-gate/internal/gate/history"
)

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []history.Entry{
		{ID: "00000000000000a1", Reference: "op://prod/db/pass", Item: "db", Reason: "migration", Outcome: "approved", CreatedAt: base, ResolvedAt: base.Add(30 * time.Second)},
		{ID: "00000000000000a2", Reference: "op://prod/stripe/key", Item: "stripe", Reason: "webhook", Outcome: "denied", CreatedAt: base.Add(time.Minute), ResolvedAt: base.Add(2 * time.Minute)},
		{ID: "00000000000000a3", Reference: "op://prod/db/pass", Item: "db", Reason: "again", Outcome: "timeout", CreatedAt: base.Add(3 * time.Minute), ResolvedAt: base.Add(5 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.ID, err)
		}
	}

	got, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(got))
	}

	// Newest resolved first.
	if got[0].ID != "00000000000000a3" || got[2].ID != "00000000000000a1" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Outcome != "timeout" {
		t.Errorf("outcome = %q, want timeout", got[0].Outcome)
	}
	if got[2].Reference != "op://prod/db/pass" || got[2].Reason != "migration" {
		t.Errorf("entry fields not round-tripped: %+v", got[2])
	}
}

func TestList_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := history.Entry{
			ID:         string(rune('a'+i)) + "000000000000001",
			Reference:  "op://prod/x/y",
			Item:       "x",
			Reason:     "r",
			Outcome:    "approved",
			CreatedAt:  base,
			ResolvedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List(2) returned %d entries", len(got))
	}
}

func TestList_Empty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty list, got %d entries", len(got))
	}
}

func TestRecord_DuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := history.Entry{ID: "00000000000000b1", Reference: "op://p/i/f", Item: "i", Outcome: "approved", CreatedAt: time.Now(), ResolvedAt: time.Now()}
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := s.Record(ctx, e); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
}
