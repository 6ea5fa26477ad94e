package memory

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory", "run-1.json")
	return New(path, slog.Default(), WithClock(fixedClock())), path
}

func TestAppendStep_AssignsIndex(t *testing.T) {
	s, _ := newTestSession(t)
	a := s.AppendStep(Step{Kind: KindReason, Text: "first"})
	b := s.AppendStep(Step{Kind: KindTool, Tool: "context.fts_search"})

	if a.Index != 1 || b.Index != 2 {
		t.Errorf("indexes = %d,%d, want 1,2", a.Index, b.Index)
	}
	if s.Appended() != 2 {
		t.Errorf("Appended() = %d, want 2", s.Appended())
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestSnapshot_WritesPrettyJSON(t *testing.T) {
	s, path := newTestSession(t)
	s.AppendStep(Step{Kind: KindReason, Text: "hello"})
	s.AppendError(ErrorRecord{Step: 1, Kind: "tool_call_error", Message: "boom"})
	s.SetState("phase", "searching")

	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"steps\"") {
		t.Errorf("snapshot is not pretty-printed:\n%s", data)
	}

	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(tr.Steps) != 1 || tr.Steps[0].Text != "hello" {
		t.Errorf("steps = %+v", tr.Steps)
	}
	if len(tr.Errors) != 1 || tr.Errors[0].Message != "boom" {
		t.Errorf("errors = %+v", tr.Errors)
	}
	if tr.State["phase"] != "searching" {
		t.Errorf("state[phase] = %v, want searching", tr.State["phase"])
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSnapshot_WriteFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Parent "directory" is a regular file, so MkdirAll fails.
	s := New(filepath.Join(blocker, "run.json"), slog.Default())
	s.AppendStep(Step{Kind: KindReason, Text: "still here"})

	if err := s.Snapshot(); err == nil {
		t.Error("expected write error")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after failed snapshot, want 1", s.Len())
	}
}

func TestSnapshot_EmptyPathSkipsWrite(t *testing.T) {
	s := New("", nil)
	s.AppendStep(Step{Kind: KindReason, Text: "x"})
	if err := s.Snapshot(); err != nil {
		t.Errorf("Snapshot() = %v, want nil", err)
	}
}

func TestTruncate_SmallSessionUntouched(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < 20; i++ {
		s.AppendStep(Step{Kind: KindReason, Text: "short"})
	}
	if s.TruncateIfNeeded() {
		t.Error("TruncateIfNeeded() = true for small session")
	}
	if s.Len() != 20 {
		t.Errorf("Len() = %d, want 20", s.Len())
	}
}

func TestTruncate_FewLargeStepsUntouched(t *testing.T) {
	s, _ := newTestSession(t)
	big := strings.Repeat("x", 10000)
	for i := 0; i < KeepSteps; i++ {
		s.AppendStep(Step{Kind: KindTool, Tool: "t", Output: big})
	}
	if s.TruncateIfNeeded() {
		t.Error("TruncateIfNeeded() = true with only KeepSteps steps")
	}
	if s.Len() != KeepSteps {
		t.Errorf("Len() = %d, want %d", s.Len(), KeepSteps)
	}
}

func TestTruncate_CollapsesToSummary(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < 12; i++ {
		s.AppendStep(Step{Kind: KindTool, Tool: "t", Output: strings.Repeat("y", 3000)})
	}

	if !s.TruncateIfNeeded() {
		t.Fatal("TruncateIfNeeded() = false, want true")
	}

	steps := s.Steps()
	if len(steps) != KeepSteps+1 {
		t.Fatalf("len(steps) = %d, want %d", len(steps), KeepSteps+1)
	}
	if steps[0].Kind != KindSummary {
		t.Errorf("steps[0].Kind = %q, want %q", steps[0].Kind, KindSummary)
	}
	if steps[0].Collapsed != 7 {
		t.Errorf("Collapsed = %d, want 7", steps[0].Collapsed)
	}
	if steps[1].Index != 8 || steps[KeepSteps].Index != 12 {
		t.Errorf("kept indexes %d..%d, want 8..12", steps[1].Index, steps[KeepSteps].Index)
	}
	if size := s.Size(); size > MaxBytes {
		t.Errorf("Size() = %d, want <= %d", size, MaxBytes)
	}
	if s.Appended() != 12 {
		t.Errorf("Appended() = %d, want 12", s.Appended())
	}
}

func TestTruncate_SelfStabilizing(t *testing.T) {
	s, _ := newTestSession(t)
	payload := strings.Repeat("z", 4000)

	for i := 0; i < 60; i++ {
		s.AppendStep(Step{
			Kind:   KindTool,
			Tool:   "context.fts_search",
			Args:   map[string]any{"query": payload},
			Output: payload,
			Text:   payload,
		})
		s.AppendError(ErrorRecord{Step: i, Kind: "tool_call_error", Message: payload})
		if err := s.Snapshot(); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}

		n, size := s.Len(), s.Size()
		if n > KeepSteps && size > MaxBytes {
			t.Fatalf("after step %d: len=%d size=%d violates bound", i+1, n, size)
		}
		if n > KeepSteps+1 {
			t.Fatalf("after step %d: len=%d, want <= %d", i+1, n, KeepSteps+1)
		}
	}

	steps := s.Steps()
	if steps[0].Kind != KindSummary {
		t.Fatalf("steps[0].Kind = %q, want summary", steps[0].Kind)
	}
	// Every collapsed step stays accounted for across repeated collapses.
	if got, want := steps[0].Collapsed+len(steps)-1, 60; got != want {
		t.Errorf("collapsed+kept = %d, want %d", got, want)
	}
}

func TestAddSummary_Capped(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < 15; i++ {
		s.AddSummary(strings.Repeat("s", i+1))
	}
	tr := s.Transcript()
	if len(tr.Summaries) != maxSummaries {
		t.Fatalf("len(Summaries) = %d, want %d", len(tr.Summaries), maxSummaries)
	}
	if tr.Summaries[0] != strings.Repeat("s", 6) {
		t.Errorf("oldest retained summary = %q", tr.Summaries[0])
	}
}

func TestSummary_Deterministic(t *testing.T) {
	build := func() *Session {
		s := New("", nil, WithClock(fixedClock()))
		s.AppendStep(Step{Kind: KindReason, Text: "look\nfor   docs"})
		s.AppendStep(Step{Kind: KindTool, Tool: "context.fts_search", Args: map[string]any{"query": "docs"}, Output: map[string]any{"hits": 2}})
		s.AppendStep(Step{Kind: KindFinish, Text: "done"})
		return s
	}
	a, b := build().Summary(0), build().Summary(0)
	if a != b {
		t.Errorf("Summary not deterministic:\n%s\n---\n%s", a, b)
	}
	want := `#1 reason: look for docs
#2 tool context.fts_search {"query":"docs"} => {"hits":2}
#3 finish: done`
	if a != want {
		t.Errorf("Summary() =\n%s\nwant\n%s", a, want)
	}

	if got := build().Summary(1); got != "#3 finish: done" {
		t.Errorf("Summary(1) = %q", got)
	}
}

func TestToolsUsed(t *testing.T) {
	s := New("", nil)
	s.AppendStep(Step{Kind: KindTool, Tool: "a"})
	s.AppendStep(Step{Kind: KindTool, Tool: "a"})
	s.AppendStep(Step{Kind: KindTool, Tool: "b"})
	s.AppendStep(Step{Kind: KindReason, Text: "x"})

	got := s.ToolsUsed()
	if got["a"] != 2 || got["b"] != 1 || len(got) != 2 {
		t.Errorf("ToolsUsed() = %v", got)
	}
}

func TestClip_RuneBoundary(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "héllo", 10, "héllo"},
		{"ascii cut", "abcdef", 3, "abc...[clipped]"},
		// "é" is two bytes starting at offset 1; cutting at 2 lands inside it.
		{"inside two-byte rune", "aébc", 2, "a...[clipped]"},
		// "世" is three bytes at offset 0.
		{"inside three-byte rune", "世界", 4, "世...[clipped]"},
		{"zero limit", "x", 0, "[clipped]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clip(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("clip(%q, %d) = %q is not valid UTF-8", tt.in, tt.limit, got)
			}
		})
	}
}
