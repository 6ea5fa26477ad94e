// Package runs supervises agent runs. Each submitted run executes in its
// own goroutine with a private runtime; the only state shared between
// runs is the cancellation registry.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/wayfinder/internal/agent"
	"github.com/nugget/wayfinder/internal/cancel"
	"github.com/nugget/wayfinder/internal/config"
	"github.com/nugget/wayfinder/internal/events"
	"github.com/nugget/wayfinder/internal/rulesets"
	"github.com/nugget/wayfinder/internal/transcript"
)

// Errors returned by the manager.
var (
	ErrNotFound = errors.New("run not found")
	ErrFinished = errors.New("run already finished")
	ErrStopped  = errors.New("run manager stopped")
)

// saveTimeout bounds the transcript write after a run ends.
const saveTimeout = 10 * time.Second

// State is a run's lifecycle position.
type State string

// Run states.
const (
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Request is a run submission.
type Request struct {
	Goal         string   `json:"goal"`
	Agent        string   `json:"agent,omitempty"`
	User         string   `json:"user,omitempty"`
	System       string   `json:"system,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Persona      string   `json:"persona,omitempty"`
	Driver       string   `json:"driver,omitempty"`
	Rulesets     []string `json:"rulesets,omitempty"`
	RepoContext  string   `json:"repo_context,omitempty"`
	Model        string   `json:"model,omitempty"`
	Provider     string   `json:"provider,omitempty"`

	Override *agent.Override `json:"override,omitempty"`
	// Options are merged over the configured defaults. Disable flags
	// can only add restrictions, and the restricted tool family stays
	// governed by configuration.
	Options *agent.Options `json:"options,omitempty"`

	MaxSteps int  `json:"max_steps,omitempty"`
	DryRun   bool `json:"dry_run,omitempty"`
}

// Run is the supervisor's view of one run.
type Run struct {
	ID          string        `json:"run_id"`
	Agent       string        `json:"agent"`
	User        string        `json:"user,omitempty"`
	Goal        string        `json:"goal"`
	State       State         `json:"state"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Result      *agent.Result `json:"result,omitempty"`
}

// TranscriptStore persists finished runs.
type TranscriptStore interface {
	Save(ctx context.Context, r transcript.Run) error
	Get(ctx context.Context, runID string) (*transcript.Run, error)
}

// Defaults are applied to every submission.
type Defaults struct {
	MaxSteps int
	Options  agent.Options
	Persona  string
	Rulesets []rulesets.Ruleset

	// Retain is how many finished runs stay in memory.
	Retain int
}

// DefaultsFromConfig maps the runtime section of the configuration.
func DefaultsFromConfig(cfg config.RuntimeConfig) Defaults {
	return Defaults{
		MaxSteps: cfg.MaxSteps,
		Options: agent.Options{
			DisableTools:              cfg.DisableTools,
			DisableContextTools:       cfg.DisableContextTools,
			DisableSearchTools:        cfg.DisableSearchTools,
			AllowRestricted:           cfg.AllowProcessTools,
			WorkflowAutodetect:        cfg.WorkflowAutodetect,
			DisableWorkflowAutodetect: cfg.DisableWorkflowAutodetect,
			DecisionOnly:              cfg.DecisionOnly,
		},
		Retain: cfg.RetainRuns,
	}
}

type entry struct {
	run  Run
	rt   *agent.Runtime
	done chan struct{}
	// returned is set under Manager.mu once rt.Run has returned; no
	// cancel request may be filed for the run after that.
	returned bool
}

// Manager starts, tracks, and cancels runs.
type Manager struct {
	deps     agent.Deps
	defaults Defaults
	store    TranscriptStore
	bus      *events.Bus
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*entry
	finished []string // oldest first
	running  bool
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithTranscriptStore persists every finished run.
func WithTranscriptStore(s TranscriptStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithBus publishes supervisor lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// NewManager creates a manager. deps is the template every runtime is
// built from; its Cancel registry is shared by all runs.
func NewManager(deps agent.Deps, defaults Defaults, opts ...Option) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cancel == nil {
		deps.Cancel = cancel.New()
	}
	if defaults.Retain <= 0 {
		defaults.Retain = 200
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   stop,
		runs:     make(map[string]*entry),
		running:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates the request, starts the run, and returns at once.
func (m *Manager) Submit(req Request) (Run, error) {
	rc := m.runContext(req)
	rt, err := agent.NewRuntime(m.deps, rc)
	if err != nil {
		return Run{}, fmt.Errorf("create runtime: %w", err)
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = m.defaults.MaxSteps
	}

	e := &entry{
		run: Run{
			ID:          rc.RunID,
			Agent:       rc.Agent,
			User:        rc.User,
			Goal:        rc.Goal,
			State:       StateRunning,
			SubmittedAt: time.Now(),
		},
		rt:   rt,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return Run{}, ErrStopped
	}
	if _, dup := m.runs[rc.RunID]; dup {
		m.mu.Unlock()
		return Run{}, fmt.Errorf("run %s already exists", rc.RunID)
	}
	m.runs[rc.RunID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	m.publish(rc.RunID, events.KindRunSubmitted, map[string]any{
		"goal":  rc.Goal,
		"agent": rc.Agent,
		"user":  rc.User,
	})
	m.logger.Info("run submitted", "run_id", rc.RunID, "agent", rc.Agent, "max_steps", maxSteps, "dry_run", req.DryRun)

	go m.execute(e, maxSteps, req.DryRun)
	return e.run, nil
}

// runContext builds a run context from the request and the defaults.
func (m *Manager) runContext(req Request) *agent.RunContext {
	rules, global := rulesets.Select(m.defaults.Rulesets, req.Rulesets)
	persona := req.Persona
	if persona == "" {
		persona = m.defaults.Persona
	}
	return &agent.RunContext{
		Agent:        req.Agent,
		User:         req.User,
		Goal:         req.Goal,
		System:       req.System,
		Instructions: req.Instructions,
		Persona:      persona,
		Driver:       req.Driver,
		Rulesets:     rules,
		GlobalRules:  global,
		RepoContext:  req.RepoContext,
		Model:        req.Model,
		Provider:     req.Provider,
		Override:     req.Override,
		Options:      mergeOptions(m.defaults.Options, req.Options),
	}
}

// mergeOptions layers per-request options over the defaults.
func mergeOptions(def agent.Options, req *agent.Options) agent.Options {
	if req == nil {
		return def
	}
	out := def
	out.DisableTools = def.DisableTools || req.DisableTools
	out.DisableContextTools = def.DisableContextTools || req.DisableContextTools
	out.DisableSearchTools = def.DisableSearchTools || req.DisableSearchTools
	out.DisableWorkflowAutodetect = def.DisableWorkflowAutodetect || req.DisableWorkflowAutodetect
	out.DecisionOnly = def.DecisionOnly || req.DecisionOnly
	if req.WorkflowAutodetect != nil {
		out.WorkflowAutodetect = req.WorkflowAutodetect
	}
	return out
}

func (m *Manager) execute(e *entry, maxSteps int, dryRun bool) {
	defer m.wg.Done()

	res := e.rt.Run(m.ctx, maxSteps, dryRun)

	m.mu.Lock()
	e.returned = true
	m.deps.Cancel.Clear(e.rt.CancelKey())
	m.mu.Unlock()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := m.store.Save(ctx, toTranscript(e.run, res)); err != nil {
			m.logger.Error("transcript save failed", "run_id", e.run.ID, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	e.run.State = StateFinished
	e.run.Result = res
	m.finished = append(m.finished, e.run.ID)
	m.pruneLocked()
	m.mu.Unlock()
	close(e.done)
}

// pruneLocked drops the oldest finished runs beyond the retention limit.
func (m *Manager) pruneLocked() {
	for len(m.finished) > m.defaults.Retain {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Cancel requests cooperative cancellation of a running run and asks
// the decision source to abandon any decision in flight.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.returned {
		m.mu.Unlock()
		return ErrFinished
	}
	key := e.rt.CancelKey()
	m.deps.Cancel.Request(key)
	m.mu.Unlock()

	inFlight := e.rt.InFlight()
	if inFlight != "" {
		m.deps.Decisions.Cancel(inFlight)
	}

	m.publish(id, events.KindCancelRequested, map[string]any{
		"key":            key,
		"correlation_id": inFlight,
	})
	m.logger.Info("run cancel requested", "run_id", id, "correlation_id", inFlight)
	return nil
}

// Get returns a run by ID. Runs no longer held in memory are read from
// the transcript store when one is configured.
func (m *Manager) Get(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	e, ok := m.runs[id]
	var r Run
	if ok {
		r = e.run
	}
	m.mu.Unlock()
	if ok {
		return r, nil
	}

	if m.store == nil {
		return Run{}, ErrNotFound
	}
	tr, err := m.store.Get(ctx, id)
	if errors.Is(err, transcript.ErrNotFound) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return fromTranscript(tr), nil
}

// Wait blocks until the run finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*agent.Result, error) {
	m.mu.Lock()
	e, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.run.Result, nil
}

// List returns the runs held in memory, newest first.
func (m *Manager) List() []Run {
	m.mu.Lock()
	out := make([]Run, 0, len(m.runs))
	for _, e := range m.runs {
		out = append(out, e.run)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Active returns the number of runs still executing.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.runs {
		if e.run.State == StateRunning {
			n++
		}
	}
	return n
}

// Stop refuses new submissions, cancels every active run, and waits for
// them to finish or for ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("run manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(runID, kind string, data map[string]any) {
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRuns,
		Kind:      kind,
		RunID:     runID,
		Data:      data,
	})
}

func toTranscript(r Run, res *agent.Result) transcript.Run {
	return transcript.Run{
		RunID:        r.ID,
		Agent:        r.Agent,
		User:         r.User,
		Goal:         r.Goal,
		Status:       string(res.Status),
		Reason:       string(res.Reason),
		Steps:        res.Steps,
		Final:        res.Final,
		Error:        res.Error,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		StartedAt:    res.StartedAt,
		Elapsed:      res.Elapsed,
		Transcript:   res.Transcript,
	}
}

func fromTranscript(tr *transcript.Run) Run {
	return Run{
		ID:          tr.RunID,
		Agent:       tr.Agent,
		User:        tr.User,
		Goal:        tr.Goal,
		State:       StateFinished,
		SubmittedAt: tr.StartedAt,
		Result: &agent.Result{
			RunID:        tr.RunID,
			Status:       agent.Status(tr.Status),
			Reason:       agent.Reason(tr.Reason),
			Steps:        tr.Steps,
			Final:        tr.Final,
			Error:        tr.Error,
			Transcript:   tr.Transcript,
			InputTokens:  tr.InputTokens,
			OutputTokens: tr.OutputTokens,
			StartedAt:    tr.StartedAt,
			Elapsed:      tr.Elapsed,
		},
	}
}
