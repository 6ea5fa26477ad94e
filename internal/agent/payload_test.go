package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nugget/wayfinder/internal/action"
)

type stepOutput struct {
	Tool   string         `json:"tool"`
	Output map[string]any `json:"output"`
}

func TestClipPayload_TypedValues(t *testing.T) {
	long := strings.Repeat("x", 50000)
	data := map[string]any{
		"steps":  []stepOutput{{Tool: "context.fts_search", Output: map[string]any{"text": long}}},
		"labels": map[string]string{"note": long},
		"ptr":    &stepOutput{Tool: long},
		"count":  3,
		"ok":     true,
	}

	got := clipPayload(data, 100)

	encoded, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal clipped payload: %v", err)
	}
	if len(encoded) > 1000 {
		t.Errorf("clipped payload is %d bytes, want it bounded", len(encoded))
	}
	if got["count"] != 3 || got["ok"] != true {
		t.Errorf("scalars changed: count=%v ok=%v", got["count"], got["ok"])
	}

	steps, ok := got["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps = %#v, want one generic entry", got["steps"])
	}
	step, _ := steps[0].(map[string]any)
	if step["tool"] != "context.fts_search" {
		t.Errorf("step tool = %v, want context.fts_search", step["tool"])
	}
}

func TestClipPayload_LeavesInputUntouched(t *testing.T) {
	in := map[string]any{"nested": map[string]any{"s": strings.Repeat("y", 300)}}
	clipPayload(in, 10)
	if s := in["nested"].(map[string]any)["s"].(string); len(s) != 300 {
		t.Errorf("input mutated: len = %d, want 300", len(s))
	}
}

func TestClip_RuneBoundary(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc...[truncated]"},
		{"aébc", 2, "a...[truncated]"},
		{"世界", 4, "世...[truncated]"},
		{"世界", 1, "...[truncated]"},
	}
	for _, tt := range tests {
		got := clip(tt.in, tt.limit)
		if got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("clip(%q, %d) = %q is not valid UTF-8", tt.in, tt.limit, got)
		}
	}
}

func TestRun_TypedToolOutputClipped(t *testing.T) {
	d := newFakeDispatcher("alpha")
	d.results["alpha"] = map[string]any{
		"steps": []stepOutput{{Tool: "beta", Output: map[string]any{"text": strings.Repeat("z", 50000)}}},
	}
	src := &scriptedSource{script: []func(int, Payload) (*action.Intent, error){
		toolCall("alpha", nil),
		finishWith("done"),
	}}
	h := newHarness(t, &RunContext{Goal: "g"}, src, d)

	h.rt.Run(context.Background(), 0, false)

	var seen bool
	for _, e := range h.events.events {
		if e.Kind != EventToolCallCompleted {
			continue
		}
		seen = true
		encoded, err := json.Marshal(e.Data)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		if len(encoded) > 2*payloadClip {
			t.Errorf("tool_call_completed payload = %d bytes, want at most %d", len(encoded), 2*payloadClip)
		}
	}
	if !seen {
		t.Error("no tool_call_completed event")
	}
}
