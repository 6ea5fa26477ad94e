package transcript

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nugget/wayfinder/internal/memory"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleRun(id string, started time.Time) Run {
	return Run{
		RunID:     id,
		Agent:     "default",
		User:      "alice",
		Goal:      "find the flaky test",
		Status:    "ok",
		Reason:    "finished",
		Steps:     3,
		Final:     "It is TestRetry.",
		StartedAt: started,
		Elapsed:   1500 * time.Millisecond,
		Transcript: memory.Transcript{
			Steps: []memory.Step{
				{Index: 1, Kind: memory.KindTool, Tool: "context.fts_search", Args: map[string]any{"query": "flaky"}},
				{Index: 2, Kind: memory.KindFinish, Text: "It is TestRetry."},
			},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Save(ctx, sampleRun("run-1", started)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Goal != "find the flaky test" || got.Final != "It is TestRetry." {
		t.Errorf("Get = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Elapsed != 1500*time.Millisecond {
		t.Errorf("Elapsed = %v", got.Elapsed)
	}
	if len(got.Transcript.Steps) != 2 || got.Transcript.Steps[0].Tool != "context.fts_search" {
		t.Errorf("transcript steps = %+v", got.Transcript.Steps)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestSave_Replaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	r := sampleRun("run-1", time.Now())
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Status = "error"
	r.Error = "boom"
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "error" || got.Error != "boom" {
		t.Errorf("after replace = %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRecentAndDeleteBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].RunID != "c" || recent[1].RunID != "b" {
		t.Errorf("Recent(2) = %v", recent)
	}
	if len(recent[0].Transcript.Steps) != 0 {
		t.Error("Recent should not load transcripts")
	}

	n, err := s.DeleteBefore(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteBefore removed %d, want 2", n)
	}
	recent, _ = s.Recent(ctx, 0)
	if len(recent) != 1 || recent[0].RunID != "c" {
		t.Errorf("after delete Recent = %v", recent)
	}
}
