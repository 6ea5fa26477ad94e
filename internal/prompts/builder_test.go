package prompts

import (
	"strings"
	"testing"
)

func fullInput() Input {
	return Input{
		Mode:         "test mode",
		Persona:      "A careful librarian.",
		Driver:       "Prefer primary sources.",
		Instructions: "Answer briefly.",
		Rulesets:     []string{"cite sources", "  ", "no speculation"},
		GlobalRules:  []string{"be kind"},
		RepoContext:  "repo: wayfinder",
		Goal:         "find the release notes",
		Memory:       "#1 reason: start",
		LastOutput:   map[string]any{"hits": 2, "a": "b"},
		ToolNames:    []string{"context.fts_search", "context.vector_search"},
		Catalog: []CatalogEntry{
			{Name: "context.fts_search", Description: "Full-text search.", Required: []string{"query"}},
			{Name: "context.vector_search"},
		},
		Phase:  map[string]any{"state": "searching"},
		System: "Be terse.",
	}
}

func TestBuild_SectionOrder(t *testing.T) {
	out := Builder{}.Build(fullInput())

	order := []string{
		"MODE: test mode",
		"## Persona",
		"## Driver",
		"## Instructions",
		"## Rulesets",
		"## Global rules",
		"## Repository context",
		"## Goal",
		"## Memory",
		"## Last tool output",
		"## Available tools",
		"Tool selection rule:",
		"## Tool catalog",
		"## Phase",
		"## System note",
		"Respond with exactly one JSON object",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("missing section %q in:\n%s", marker, out)
		}
		if idx <= last {
			t.Errorf("section %q out of order", marker)
		}
		last = idx
	}

	if !strings.Contains(out, "- cite sources\n- no speculation") {
		t.Errorf("rulesets not rendered as bullets:\n%s", out)
	}
	if !strings.Contains(out, "- context.fts_search: Full-text search. (required: query)") {
		t.Errorf("catalog entry missing required annotation:\n%s", out)
	}
	if !strings.Contains(out, "\"a\": \"b\",\n  \"hits\": 2") {
		t.Errorf("last output not rendered as sorted JSON:\n%s", out)
	}
}

func TestBuild_OmitsEmptySections(t *testing.T) {
	out := Builder{}.Build(Input{Goal: "hello"})

	want := "MODE: " + DefaultMode + Separator + "## Goal\nhello" + Separator + ActionSchema
	if out != want {
		t.Errorf("Build() =\n%s\nwant\n%s", out, want)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := Builder{Budget: 8000}
	first := b.Build(fullInput())
	for i := 0; i < 20; i++ {
		if got := b.Build(fullInput()); got != first {
			t.Fatalf("Build() differs on iteration %d", i)
		}
	}
}

func TestBuild_WithinBudgetUntouched(t *testing.T) {
	in := fullInput()
	unbounded := Builder{}.Build(in)
	if got := (Builder{Budget: 8000}).Build(in); got != unbounded {
		t.Error("Build() trimmed output that was within budget")
	}
}

func TestBuild_TrimKeepsTail(t *testing.T) {
	in := fullInput()
	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, "memory line with some padding text")
	}
	in.Memory = strings.Join(lines, "\n")

	budget := 1000
	out := Builder{Budget: budget}.Build(in)

	if EstimateTokens(out) > budget {
		t.Errorf("EstimateTokens = %d, want <= %d", EstimateTokens(out), budget)
	}
	if !strings.HasSuffix(out, ActionSchema) {
		t.Error("trimmed output lost the tail")
	}
	if strings.Contains(out, "MODE:") {
		t.Error("trimmed output kept the head")
	}
}

func TestBuild_FallbackToGoalAndSchema(t *testing.T) {
	in := fullInput()
	// One enormous line defeats line-granular trimming.
	in.Memory = strings.Repeat("x", 40000)

	out := Builder{Budget: 200}.Build(in)
	want := "## Goal\n" + in.Goal + Separator + ActionSchema
	if out != want {
		t.Errorf("Build() =\n%s\nwant fallback\n%s", out, want)
	}
}

func TestBuild_BudgetProperty(t *testing.T) {
	for _, budget := range []int{150, 300, 600, 1200, 2400} {
		for _, n := range []int{0, 10, 100, 1000} {
			in := fullInput()
			in.Memory = strings.Repeat("step line\n", n)
			out := Builder{Budget: budget}.Build(in)
			fallback := "## Goal\n" + in.Goal + Separator + ActionSchema
			if EstimateTokens(out) > budget && out != fallback {
				t.Errorf("budget=%d n=%d: EstimateTokens = %d", budget, n, EstimateTokens(out))
			}
		}
	}
}

func TestTrim(t *testing.T) {
	text := "a\nb\nc\nd\ne\nf\ng\nh"
	if got := Trim(text, "F", 100); got != text {
		t.Errorf("Trim within budget = %q", got)
	}
	// 15 bytes ~ 3 tokens; budget 1 keeps floor(8*1/3) = 2 lines.
	if got := Trim(text, "F", 1); got != "g\nh" {
		t.Errorf("Trim(budget=1) = %q, want %q", got, "g\nh")
	}
	if got := Trim(strings.Repeat("z", 100), "F", 1); got != "F" {
		t.Errorf("Trim single long line = %q, want fallback", got)
	}
}

func TestFixedText(t *testing.T) {
	if got, want := ForcedFinishText("context.fts_search"), "Finished after context.fts_search."; got != want {
		t.Errorf("ForcedFinishText = %q, want %q", got, want)
	}
	if got, want := MaxStepsText(3), "Reached maximum steps (3)."; got != want {
		t.Errorf("MaxStepsText = %q, want %q", got, want)
	}
	if got := WhyToolCall("x", ""); !strings.Contains(got, "x") {
		t.Errorf("WhyToolCall = %q", got)
	}
}
