// Package agent implements the reasoning runtime: a bounded decision
// loop that asks a decision source for the next action, executes it,
// and feeds the result back until the run finishes, gets stuck, runs
// out of steps, or is canceled.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wayfinder/internal/action"
	"github.com/nugget/wayfinder/internal/cancel"
	"github.com/nugget/wayfinder/internal/memory"
	"github.com/nugget/wayfinder/internal/phase"
	"github.com/nugget/wayfinder/internal/prompts"
	"github.com/nugget/wayfinder/internal/tools"
)

// Defaults for Run and prompt assembly.
const (
	DefaultMaxSteps    = 25
	DefaultTokenBudget = 8000
	DefaultAgent       = "default"

	// payloadClip bounds every string in a telemetry payload.
	payloadClip = 2000

	// memorySummarySteps is how many recent steps the prompt shows.
	memorySummarySteps = 10
)

// Deps are the collaborators a runtime calls out to.
type Deps struct {
	Decisions DecisionSource
	Tools     ToolDispatcher

	// Catalog defaults to Tools when Tools also lists its tools.
	Catalog   ToolCatalog
	Cancel    *cancel.Registry
	Telemetry Telemetry
	Workflows WorkflowProber
	Logger    *slog.Logger

	// MemoryDir holds per-run snapshots. Empty keeps memory in process.
	MemoryDir   string
	TokenBudget int
	Clock       func() time.Time
}

// Result is the structured outcome of Run.
type Result struct {
	RunID        string            `json:"run_id"`
	Status       Status            `json:"status"`
	Reason       Reason            `json:"reason"`
	Steps        int               `json:"steps"`
	Final        string            `json:"final,omitempty"`
	Error        string            `json:"error,omitempty"`
	MemoryPath   string            `json:"memory_path"`
	Transcript   memory.Transcript `json:"transcript"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	StartedAt    time.Time         `json:"started_at"`
	Elapsed      time.Duration     `json:"elapsed"`
}

// Runtime drives one run. It is single use and owns its run context,
// phase machine, and memory.
type Runtime struct {
	deps    Deps
	rc      *RunContext
	logger  *slog.Logger
	now     func() time.Time
	builder prompts.Builder
	key     string

	machine *phase.Machine
	mem     *memory.Session

	workflowMode bool
	lastOutput   any
	inputTokens  int
	outputTokens int

	mu       sync.Mutex
	inFlight string
	started  bool
}

// NewRuntime validates the collaborators and prepares a run.
func NewRuntime(deps Deps, rc *RunContext) (*Runtime, error) {
	if rc == nil {
		return nil, errors.New("run context is required")
	}
	if rc.Goal == "" {
		return nil, errors.New("goal is required")
	}
	if deps.Decisions == nil {
		return nil, errors.New("decision source is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("tool dispatcher is required")
	}
	if deps.Catalog == nil {
		if c, ok := deps.Tools.(ToolCatalog); ok {
			deps.Catalog = c
		}
	}
	if deps.Cancel == nil {
		deps.Cancel = cancel.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.TokenBudget <= 0 {
		deps.TokenBudget = DefaultTokenBudget
	}
	if rc.Agent == "" {
		rc.Agent = DefaultAgent
	}
	if rc.RunID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		rc.RunID = id.String()
	}

	logger := deps.Logger.With("run_id", rc.RunID, "agent", rc.Agent)

	var memPath string
	if deps.MemoryDir != "" {
		memPath = filepath.Join(deps.MemoryDir, rc.RunID+".json")
	}

	r := &Runtime{
		deps:    deps,
		rc:      rc,
		logger:  logger,
		now:     deps.Clock,
		builder: prompts.Builder{Budget: deps.TokenBudget},
		key:     cancel.KeyForRun(rc.Agent, rc.RunID, rc.User),
		machine: phase.New(phase.WithClock(deps.Clock)),
		mem:     memory.New(memPath, logger, memory.WithClock(deps.Clock)),
	}
	r.mem.SetState("run_id", rc.RunID)
	r.mem.SetState("agent", rc.Agent)
	r.mem.SetState("goal", rc.Goal)
	return r, nil
}

// RunID returns the run identifier.
func (r *Runtime) RunID() string { return r.rc.RunID }

// CancelKey returns the registry key that cancels this run.
func (r *Runtime) CancelKey() string { return r.key }

// InFlight returns the correlation ID of the decision currently being
// made, or "" when no decision call is in progress.
func (r *Runtime) InFlight() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *Runtime) setInFlight(id string) {
	r.mu.Lock()
	r.inFlight = id
	r.mu.Unlock()
}

// Run executes the loop. It never returns an error and never panics:
// every outcome, including collaborator failures, is a Result. A
// maxSteps of zero or less uses DefaultMaxSteps. With dryRun set, tool
// calls are recorded but not dispatched.
func (r *Runtime) Run(ctx context.Context, maxSteps int, dryRun bool) (res *Result) {
	start := r.now()
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return &Result{RunID: r.rc.RunID, Status: StatusError, Reason: ReasonError, Error: "runtime already used", StartedAt: start}
	}
	r.started = true
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runtime panic", "panic", p)
			res = r.fail(0, fmt.Sprintf("internal error: %v", p))
		}
		res.StartedAt = start
		res.Elapsed = r.now().Sub(start)
		r.deps.Cancel.Clear(r.key)
		r.emit(res.Steps, EventRunCompleted, map[string]any{
			"status":     string(res.Status),
			"reason":     string(res.Reason),
			"steps":      res.Steps,
			"final":      res.Final,
			"error":      res.Error,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
		r.logger.Info("run finished",
			"status", res.Status,
			"reason", res.Reason,
			"steps", res.Steps,
			"elapsed", res.Elapsed.Round(time.Millisecond),
		)
	}()

	r.logger.Info("run started", "goal", clip(r.rc.Goal, 200), "max_steps", maxSteps, "dry_run", dryRun)
	r.emit(0, EventRunStarted, map[string]any{"goal": r.rc.Goal, "max_steps": maxSteps, "dry_run": dryRun})

	r.prepareOverride()

	for step := 1; ; step++ {
		if r.canceled(ctx) {
			return r.finishCanceled(step)
		}

		r.machine.Tick()
		r.mem.SetState("phase", string(r.machine.State()))
		r.emit(step, EventStepGuide, map[string]any{"phase": r.machine.Snapshot()})

		if r.machine.Stuck() {
			return r.finishStuck(step)
		}
		if step > maxSteps {
			return r.finish(step, ReasonStepBudget, prompts.MaxStepsText(maxSteps))
		}

		if ov := r.takeOverride(); ov != nil {
			if res, done := r.applyOverride(ctx, step, ov, dryRun); done {
				return res
			}
			continue
		}

		if res, done := r.decideAndAct(ctx, step, dryRun); done {
			return res
		}
	}
}

// prepareOverride runs workflow autodetection once, before the first
// override check, and only when the caller supplied no override.
func (r *Runtime) prepareOverride() {
	opts := r.rc.Options
	if opts.DecisionOnly {
		return
	}
	if r.rc.Override == nil && opts.autodetectEnabled() {
		if ov := autodetectOverride(r.rc.Goal, r.deps.Workflows); ov != nil {
			r.logger.Info("workflow intent detected", "workflow", ov.Args[WorkflowArg])
			r.rc.Override = ov
		}
	}
	r.workflowMode = DetectWorkflowIntent(r.rc.Goal) != "" ||
		(r.rc.Override != nil && isWorkflowTool(r.rc.Override.Tool))
}

// takeOverride consumes the override unless the run is decision-only.
func (r *Runtime) takeOverride() *Override {
	if r.rc.Options.DecisionOnly {
		return nil
	}
	return r.rc.takeOverride()
}

func (r *Runtime) applyOverride(ctx context.Context, step int, ov *Override, dryRun bool) (*Result, bool) {
	if ov.Tool != "" {
		if IsRestricted(ov.Tool) && !r.rc.Options.AllowRestricted {
			r.logger.Warn("forced tool refused by policy", "tool", ov.Tool)
			res := r.finish(step, ReasonPolicy, prompts.RestrictedToolText(ov.Tool))
			return res, true
		}
		r.logger.Info("forced tool call", "tool", ov.Tool, "step", step)
		r.callTool(ctx, step, ov.Tool, ov.Args, dryRun)
		if !ov.Finish {
			return nil, false
		}
		final := ov.Final
		if final == "" {
			final = prompts.ForcedFinishText(ov.Tool)
		}
		return r.finish(step, ReasonFinished, final), true
	}
	if ov.Finish {
		final := ov.Final
		if final == "" {
			final = "Finished."
		}
		return r.finish(step, ReasonFinished, final), true
	}
	return nil, false
}

// decideAndAct runs one decision step and reports whether the run is
// over.
func (r *Runtime) decideAndAct(ctx context.Context, step int, dryRun bool) (*Result, bool) {
	policy := DerivePolicy(r.rc.policyText()).merge(r.rc.Options)
	filtered := r.filteredCatalog(policy)

	in := prompts.Input{
		Persona:      r.rc.Persona,
		Driver:       r.rc.Driver,
		Instructions: r.rc.Instructions,
		Rulesets:     r.rc.Rulesets,
		GlobalRules:  r.rc.GlobalRules,
		RepoContext:  r.rc.RepoContext,
		Goal:         r.rc.Goal,
		Memory:       r.mem.Summary(memorySummarySteps),
		LastOutput:   r.lastOutput,
		ToolNames:    toolNames(filtered),
		Catalog:      catalogEntries(filtered),
		Phase:        r.machine.Snapshot(),
		System:       r.rc.System,
	}
	prompt := r.builder.Build(in)
	sum := sha256.Sum256([]byte(prompt))
	r.emit(step, EventPromptSnapshot, map[string]any{
		"prompt": prompt,
		"sha256": hex.EncodeToString(sum[:]),
		"tokens": prompts.EstimateTokens(prompt),
	})

	p := Payload{
		SessionID:    r.rc.RunID,
		Agent:        r.rc.Agent,
		User:         r.rc.User,
		Persona:      r.rc.Persona,
		Driver:       r.rc.Driver,
		Rulesets:     r.rc.Rulesets,
		GlobalRules:  r.rc.GlobalRules,
		Instructions: r.rc.Instructions,
		RepoContext:  r.rc.RepoContext,
		System:       r.rc.System,
		Goal:         r.rc.Goal,
		Memory:       in.Memory,
		History:      r.mem.Steps(),
		Phase:        r.machine.Snapshot(),
		MaxSteps:     1,
		Model:        r.rc.Model,
		Provider:     r.rc.Provider,
		Credential:   r.rc.Credential,
		Prompt:       prompt,
		Tools:        filtered,
	}
	if r.rc.Options.DecisionOnly && r.rc.Override != nil {
		p.ForcedTool = r.rc.Override.Tool
	}

	act, reasoning := r.decide(ctx, step, p)

	if r.canceled(ctx) {
		return r.finishCanceled(step), true
	}

	if t, ok := act.(action.Tool); ok {
		name, args, err := resolveTool(t.Name, t.Args, filtered, r.rc.Goal, policy)
		if err != nil {
			act = action.Error{Message: err.Error()}
		} else {
			if name != t.Name {
				r.logger.Debug("tool name resolved", "decided", t.Name, "resolved", name)
			}
			act = action.Tool{Name: name, Args: args}
		}
	}

	switch a := act.(type) {
	case action.Tool:
		why := prompts.WhyToolCall(a.Name, reasoning)
		r.appendStep(memory.Step{Kind: memory.KindReason, Text: why})
		r.emit(step, EventReasoningStep, map[string]any{"text": why, "tool": a.Name})
		if r.canceled(ctx) {
			return r.finishCanceled(step), true
		}
		r.callTool(ctx, step, a.Name, a.Args, dryRun)
		return nil, false

	case action.Reason:
		r.transition(phase.Analyzing, "reasoning")
		r.appendStep(memory.Step{Kind: memory.KindReason, Text: a.Text})
		r.emit(step, EventReasoningStep, map[string]any{"text": a.Text})
		return nil, false

	case action.Finish:
		return r.finish(step, ReasonFinished, a.Text), true

	case action.Error:
		return r.fail(step, a.Message), true

	default:
		panic(fmt.Sprintf("unhandled action type %T", act))
	}
}

// decide calls the decision source and normalizes its answer. Source
// errors and panics become Error actions.
func (r *Runtime) decide(ctx context.Context, step int, p Payload) (act action.Action, reasoning string) {
	id, err := uuid.NewV7()
	if err != nil {
		return action.Error{Message: fmt.Sprintf("generate correlation id: %v", err)}, ""
	}
	p.CorrelationID = id.String()
	r.setInFlight(p.CorrelationID)
	defer r.setInFlight("")

	start := r.now()
	intent, err := r.safeIntent(ctx, p)
	if err != nil {
		r.logger.Warn("decision failed", "step", step, "error", err)
		return action.Error{Message: fmt.Sprintf("decision source failed: %v", err)}, ""
	}

	if intent != nil {
		r.inputTokens += intent.InputTokens
		r.outputTokens += intent.OutputTokens
		reasoning = intent.Reasoning
	}
	act = action.FromIntent(intent)
	r.logger.Debug("decision received",
		"step", step,
		"kind", act.Kind(),
		"correlation_id", p.CorrelationID,
		"elapsed", r.now().Sub(start).Round(time.Millisecond),
	)
	return act, reasoning
}

func (r *Runtime) safeIntent(ctx context.Context, p Payload) (intent *action.Intent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decision source panicked: %v", rec)
		}
	}()
	return r.deps.Decisions.AgentIntent(ctx, p)
}

// callTool records and dispatches one tool call. Dispatch failures are
// recorded as structured {error, message} output and never end the run.
func (r *Runtime) callTool(ctx context.Context, step int, name string, args map[string]any, dryRun bool) {
	if args == nil {
		args = map[string]any{}
	}
	r.machine.RecordToolCall(name, args)
	r.transition(phase.InferStateFromTool(name), "tool "+name)
	r.emit(step, EventToolCallStarted, map[string]any{"tool": name, "args": args, "dry_run": dryRun})

	start := r.now()
	var out map[string]any
	var err error
	if dryRun {
		out = map[string]any{"dry_run": true, "tool": name, "args": args}
	} else {
		out, err = r.safeCall(ctx, name, args)
	}
	if err != nil {
		out = tools.ErrorResult(err)
		r.logger.Warn("tool call failed", "step", step, "tool", name, "error", err)
		r.mem.AppendError(memory.ErrorRecord{Step: step, Kind: tools.ErrorKind(err), Message: err.Error()})
		r.emit(step, EventToolCallError, map[string]any{"tool": name, "error": out["error"], "message": err.Error()})
	} else {
		r.emit(step, EventToolCallCompleted, map[string]any{
			"tool":       name,
			"output":     out,
			"elapsed_ms": r.now().Sub(start).Milliseconds(),
		})
	}

	r.lastOutput = out
	r.appendStep(memory.Step{Kind: memory.KindTool, Tool: name, Args: args, Output: out})
}

func (r *Runtime) safeCall(ctx context.Context, name string, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	policy := DerivePolicy(r.rc.policyText()).merge(r.rc.Options)
	ctx = tools.WithGate(ctx, nestedGate(policy, r.rc.Options.AllowRestricted))
	return r.deps.Tools.Call(ctx, name, args)
}

func (r *Runtime) filteredCatalog(policy Policy) []tools.Spec {
	if r.deps.Catalog == nil {
		return []tools.Spec{}
	}
	return filterCatalog(r.deps.Catalog.Tools(), catalogFilter{
		policy:          policy,
		allowed:         r.machine.AllowedActions(),
		allowRestricted: r.rc.Options.AllowRestricted,
		workflowMode:    r.workflowMode,
	})
}

// canceled checks the registry flag and the caller's context.
func (r *Runtime) canceled(ctx context.Context) bool {
	return r.deps.Cancel.Signal(r.key) || ctx.Err() != nil
}

// transition logs rather than fails on transitions the table rejects.
func (r *Runtime) transition(target phase.State, reason string) {
	from := r.machine.State()
	if err := r.machine.TransitionTo(target, reason); err != nil {
		r.logger.Debug("phase transition skipped", "from", from, "to", target, "error", err)
		return
	}
	r.mem.SetState("phase", string(target))
}

func (r *Runtime) appendStep(st memory.Step) {
	st.Phase = string(r.machine.State())
	r.mem.AppendStep(st)
	_ = r.mem.Snapshot()
}

func (r *Runtime) finish(step int, reason Reason, final string) *Result {
	r.transition(phase.Finishing, string(reason))
	r.appendStep(memory.Step{Kind: memory.KindFinish, Text: final})
	return r.result(StatusOK, reason, final, "")
}

func (r *Runtime) finishCanceled(step int) *Result {
	r.logger.Info("run canceled", "step", step)
	r.transition(phase.Finishing, "canceled")
	r.appendStep(memory.Step{Kind: memory.KindFinish, Text: prompts.CanceledText})
	return r.result(StatusCanceled, ReasonCanceled, prompts.CanceledText, "")
}

func (r *Runtime) finishStuck(step int) *Result {
	text := r.machine.SuggestExit()
	r.logger.Info("run stuck", "step", step, "phase", r.machine.State(), "heuristic", r.machine.StuckReason())
	if stuck, ok := phase.StuckStateFor(r.machine.State()); ok {
		r.transition(stuck, r.machine.StuckReason())
	}
	return r.finish(step, ReasonStuck, text)
}

func (r *Runtime) fail(step int, msg string) *Result {
	r.transition(phase.Finishing, "error")
	r.mem.AppendError(memory.ErrorRecord{Step: step, Kind: string(ReasonError), Message: msg})
	_ = r.mem.Snapshot()
	return r.result(StatusError, ReasonError, "", msg)
}

func (r *Runtime) result(status Status, reason Reason, final, errMsg string) *Result {
	return &Result{
		RunID:        r.rc.RunID,
		Status:       status,
		Reason:       reason,
		Steps:        r.mem.Appended(),
		Final:        final,
		Error:        errMsg,
		MemoryPath:   r.mem.Path(),
		Transcript:   r.mem.Transcript(),
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
	}
}

// emit forwards an event with its payload strings clipped. Telemetry is
// optional and must never affect the run.
func (r *Runtime) emit(step int, kind string, data map[string]any) {
	if r.deps.Telemetry == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("telemetry panic", "kind", kind, "panic", rec)
		}
	}()
	r.deps.Telemetry.Emit(r.rc.RunID, step, kind, clipPayload(data, payloadClip))
}

func toolNames(specs []tools.Spec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func catalogEntries(specs []tools.Spec) []prompts.CatalogEntry {
	entries := make([]prompts.CatalogEntry, len(specs))
	for i, s := range specs {
		entries[i] = prompts.CatalogEntry{Name: s.Name, Description: s.Description, Required: s.Required()}
	}
	return entries
}
