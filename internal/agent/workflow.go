package agent

import (
	"regexp"
	"strings"
)

// CodeReviewWorkflow is the workflow code-review goals map to.
const CodeReviewWorkflow = "code_review"

var (
	workflowIntentRe = regexp.MustCompile(`(?i)\bworkflow\s+([A-Za-z0-9_.-]+)`)
	codeReviewRe     = regexp.MustCompile(`(?i)\b(?:code[\s_-]?review|review\s+(?:the\s+|this\s+|my\s+)?(?:code|diff|pr|pull\s+request|changes))\b`)
)

// DetectWorkflowIntent returns the workflow a goal asks for, or "".
// An explicit "workflow <name>" wins over code-review keywords.
func DetectWorkflowIntent(goal string) string {
	if m := workflowIntentRe.FindStringSubmatch(goal); m != nil {
		return strings.TrimRight(m[1], ".")
	}
	if codeReviewRe.MatchString(goal) {
		return CodeReviewWorkflow
	}
	return ""
}

// autodetectOverride synthesizes a forced workflow call when the goal
// names a workflow whose definition exists.
func autodetectOverride(goal string, probe WorkflowProber) *Override {
	if probe == nil {
		return nil
	}
	name := DetectWorkflowIntent(goal)
	if name == "" || !probe.Exists(name) {
		return nil
	}
	return &Override{
		Tool:   WorkflowTool,
		Args:   map[string]any{WorkflowArg: name, "goal": goal},
		Finish: true,
	}
}
