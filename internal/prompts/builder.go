package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CatalogEntry is the prompt view of one tool.
type CatalogEntry struct {
	Name        string
	Description string
	Required    []string
}

// Input carries every optional content source for one prompt. Empty
// fields produce no section.
type Input struct {
	Mode         string
	Persona      string
	Driver       string
	Instructions string
	Rulesets     []string
	GlobalRules  []string
	RepoContext  string
	Goal         string
	Memory       string
	LastOutput   any
	ToolNames    []string
	Catalog      []CatalogEntry
	Phase        any
	System       string
}

// Builder renders Input into a prompt no larger than Budget estimated
// tokens. A zero Budget disables trimming.
type Builder struct {
	Budget int
}

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Build renders the sections in their fixed order and enforces the
// token budget. Identical input always yields identical output.
func (b Builder) Build(in Input) string {
	full := strings.Join(sections(in), Separator)
	if b.Budget <= 0 {
		return full
	}
	return Trim(full, goalSection(in.Goal)+Separator+ActionSchema, b.Budget)
}

// Trim keeps the tail of text that fits the budget, line by line. When
// even that overflows it returns fallback.
func Trim(text, fallback string, budget int) string {
	est := EstimateTokens(text)
	if est <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	keep := len(lines) * budget / est
	if keep == 0 {
		return fallback
	}
	tail := strings.Join(lines[len(lines)-keep:], "\n")
	if EstimateTokens(tail) <= budget {
		return tail
	}
	return fallback
}

func sections(in Input) []string {
	var out []string
	add := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		out = append(out, "## "+title+"\n"+body)
	}

	mode := in.Mode
	if mode == "" {
		mode = DefaultMode
	}
	out = append(out, "MODE: "+mode)

	add("Persona", in.Persona)
	add("Driver", in.Driver)
	add("Instructions", in.Instructions)
	add("Rulesets", bullets(in.Rulesets))
	add("Global rules", bullets(in.GlobalRules))
	add("Repository context", in.RepoContext)
	if strings.TrimSpace(in.Goal) != "" {
		out = append(out, goalSection(in.Goal))
	}
	add("Memory", in.Memory)
	add("Last tool output", render(in.LastOutput))
	if len(in.ToolNames) > 0 {
		add("Available tools", strings.Join(in.ToolNames, ", "))
		out = append(out, ToolSelectionRule)
	}
	add("Tool catalog", catalog(in.Catalog))
	add("Phase", render(in.Phase))
	add("System note", in.System)
	out = append(out, ActionSchema)
	return out
}

func goalSection(goal string) string {
	return "## Goal\n" + goal
}

func bullets(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", item)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func catalog(entries []CatalogEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString("- " + e.Name)
		if e.Description != "" {
			sb.WriteString(": " + e.Description)
		}
		if len(e.Required) > 0 {
			fmt.Fprintf(&sb, " (required: %s)", strings.Join(e.Required, ", "))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// render formats v for a prompt section. Strings pass through; other
// values are JSON with sorted map keys so output is stable.
func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if s := string(data); s != "null" && s != "{}" && s != "[]" {
		return s
	}
	return ""
}
