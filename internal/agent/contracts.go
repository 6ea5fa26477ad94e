package agent

import (
	"context"

	"github.com/nugget/wayfinder/internal/action"
	"github.com/nugget/wayfinder/internal/memory"
	"github.com/nugget/wayfinder/internal/phase"
	"github.com/nugget/wayfinder/internal/tools"
)

// Payload is everything a decision source receives for one decision.
type Payload struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	Agent         string `json:"agent"`
	User          string `json:"user"`

	Persona      string   `json:"persona,omitempty"`
	Driver       string   `json:"driver,omitempty"`
	Rulesets     []string `json:"rulesets,omitempty"`
	GlobalRules  []string `json:"global_rules,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	RepoContext  string   `json:"repo_context,omitempty"`
	System       string   `json:"system,omitempty"`

	Goal    string         `json:"goal"`
	Memory  string         `json:"memory,omitempty"`
	History []memory.Step  `json:"history,omitempty"`
	Phase   phase.Snapshot `json:"phase"`

	// ForcedTool is a hint only. It is set when a caller override was
	// not executed because the run is decision-only.
	ForcedTool string `json:"forced_tool,omitempty"`

	// MaxSteps is always 1: a decision source makes a single decision.
	MaxSteps int `json:"max_steps"`

	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Credential string `json:"-"`

	// Prompt is the assembled, budget-trimmed context.
	Prompt string       `json:"prompt"`
	Tools  []tools.Spec `json:"tools"`
}

// DecisionSource chooses the next action.
type DecisionSource interface {
	AgentIntent(ctx context.Context, p Payload) (*action.Intent, error)

	// Cancel asks the source to abandon the decision with the given
	// correlation ID. It is best effort and may be a no-op.
	Cancel(correlationID string)
}

// ToolDispatcher executes tools. Failures are distinguished with
// tools.ErrToolNotFound and tools.ErrEngineOffline.
type ToolDispatcher interface {
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// ToolCatalog lists the tools a run may choose from.
type ToolCatalog interface {
	Tools() []tools.Spec
}

// Telemetry receives fire-and-forget run events. Implementations must
// not block the runtime.
type Telemetry interface {
	Emit(runID string, step int, kind string, data map[string]any)
}

// WorkflowProber reports whether a workflow definition exists.
type WorkflowProber interface {
	Exists(name string) bool
}

// Telemetry event kinds.
const (
	EventRunStarted        = "run_started"
	EventRunCompleted      = "run_completed"
	EventToolCallStarted   = "tool_call_started"
	EventToolCallCompleted = "tool_call_completed"
	EventToolCallError     = "tool_call_error"
	EventReasoningStep     = "reasoning_step"
	EventPromptSnapshot    = "prompt_snapshot"
	EventStepGuide         = "step_guide"
)
