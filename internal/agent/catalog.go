package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/wayfinder/internal/phase"
	"github.com/nugget/wayfinder/internal/prompts"
	"github.com/nugget/wayfinder/internal/tools"
)

// Tool family prefixes and well-known names.
const (
	ContextToolPrefix    = "context."
	RestrictedToolPrefix = "process."
	WorkflowTool         = "workflow.run"
	WorkflowArg          = "workflow"
)

var searchIntentRe = regexp.MustCompile(`(?i)\b(?:search|find|look\s+up|locate)\b`)

// IsRestricted reports whether a tool belongs to the restricted family.
func IsRestricted(name string) bool {
	return strings.HasPrefix(name, RestrictedToolPrefix)
}

func isWorkflowTool(name string) bool {
	return name == WorkflowTool || strings.HasPrefix(name, "workflow.")
}

// catalogFilter is the per-step input to filterCatalog.
type catalogFilter struct {
	policy          Policy
	allowed         []string
	allowRestricted bool
	workflowMode    bool
}

// filterCatalog narrows the full catalog to the tools a decision may
// name. The result keeps the input order.
func filterCatalog(specs []tools.Spec, f catalogFilter) []tools.Spec {
	if f.policy.DisableAll {
		return []tools.Spec{}
	}
	var allowed map[string]bool
	if len(f.allowed) > 0 {
		allowed = make(map[string]bool, len(f.allowed))
		for _, name := range f.allowed {
			allowed[name] = true
		}
	}

	out := make([]tools.Spec, 0, len(specs))
	for _, s := range specs {
		switch {
		case f.policy.DisableContext && strings.HasPrefix(s.Name, ContextToolPrefix):
			continue
		case f.policy.DisableSearch && phase.IsSearchTool(s.Name):
			continue
		case allowed != nil && !allowed[s.Name]:
			continue
		case IsRestricted(s.Name) && !f.allowRestricted:
			continue
		case IsRestricted(s.Name) && s.Requires(WorkflowArg) && !f.workflowMode:
			continue
		}
		out = append(out, s)
	}
	return out
}

// nestedGate applies a run's policy to tools dispatched by composite
// tools such as workflow.run, which bypass the filtered catalog.
func nestedGate(policy Policy, allowRestricted bool) tools.Gate {
	return func(name string) error {
		switch {
		case IsRestricted(name) && !allowRestricted:
			return &tools.RefusedError{Tool: name, Message: prompts.RestrictedToolText(name)}
		case policy.DisableAll,
			policy.DisableContext && strings.HasPrefix(name, ContextToolPrefix),
			policy.DisableSearch && phase.IsSearchTool(name):
			return &tools.RefusedError{Tool: name, Message: prompts.DisabledToolText(name)}
		}
		return nil
	}
}

// normalizeToolName folds separator and case differences so that
// "Context/FTS-Search" and "context.fts_search" compare equal.
func normalizeToolName(name string) string {
	r := strings.NewReplacer("/", ".", ":", ".", "_", ".", "-", ".", " ", ".")
	return strings.ToLower(r.Replace(strings.TrimSpace(name)))
}

// resolveTool maps a decided tool name onto the filtered catalog. It
// tries an exact match, then a unique separator-normalized match, then
// a search tool when the goal asks for searching. Anything else is
// ErrInvalidAction.
func resolveTool(name string, args map[string]any, filtered []tools.Spec, goal string, policy Policy) (string, map[string]any, error) {
	for _, s := range filtered {
		if s.Name == name {
			return name, args, nil
		}
	}

	norm := normalizeToolName(name)
	var match string
	matches := 0
	for _, s := range filtered {
		if normalizeToolName(s.Name) == norm {
			match = s.Name
			matches++
		}
	}
	if matches == 1 {
		return match, args, nil
	}

	if !policy.DisableAll && !policy.DisableSearch && searchIntentRe.MatchString(goal) {
		for _, candidate := range phase.SearchTools() {
			for _, s := range filtered {
				if s.Name != candidate {
					continue
				}
				out := make(map[string]any, len(args)+1)
				for k, v := range args {
					out[k] = v
				}
				if q, _ := out[phase.QueryArg].(string); q == "" {
					out[phase.QueryArg] = goal
				}
				return candidate, out, nil
			}
		}
	}

	return "", nil, fmt.Errorf("%w: tool %q is not available (available: %s)", ErrInvalidAction, name, specNames(filtered))
}

func specNames(specs []tools.Spec) string {
	if len(specs) == 0 {
		return "none"
	}
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}
