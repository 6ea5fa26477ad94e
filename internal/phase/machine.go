// Package phase tracks which execution phase a run is in and decides
// when the run has stopped making progress.
package phase

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// State is an execution phase.
type State string

// Execution phases.
const (
	Init         State = "init"
	Searching    State = "searching"
	Analyzing    State = "analyzing"
	Deciding     State = "deciding"
	Finishing    State = "finishing"
	StuckSearch  State = "stuck_search"
	StuckAnalyze State = "stuck_analyze"
	StuckDecide  State = "stuck_decide"
)

// Search tool names recognized by the machine, and the argument that
// carries their query.
const (
	ToolFTSSearch    = "context.fts_search"
	ToolVectorSearch = "context.vector_search"
	QueryArg         = "query"
)

const (
	// stuckPhaseSteps is the phase-local step count at which a phase
	// is considered stuck.
	stuckPhaseSteps = 5

	toolWindow  = 3
	queryWindow = 2
)

// Errors returned by TransitionTo.
var (
	ErrUnknownState      = errors.New("unknown phase")
	ErrInvalidTransition = errors.New("transition not allowed")
)

var transitions = map[State][]State{
	Init:         {Searching, Deciding, Finishing},
	Searching:    {Analyzing, StuckSearch, Finishing},
	Analyzing:    {Deciding, StuckAnalyze, Finishing},
	Deciding:     {Searching, Finishing, StuckDecide},
	StuckSearch:  {Finishing},
	StuckAnalyze: {Finishing},
	StuckDecide:  {Finishing},
	Finishing:    nil,
}

var timeouts = map[State]time.Duration{
	Init:         5 * time.Second,
	Searching:    60 * time.Second,
	Analyzing:    30 * time.Second,
	Deciding:     45 * time.Second,
	StuckSearch:  10 * time.Second,
	StuckAnalyze: 10 * time.Second,
	StuckDecide:  10 * time.Second,
	Finishing:    5 * time.Second,
}

// States returns every valid phase in table order.
func States() []State {
	return []State{Init, Searching, Analyzing, Deciding, Finishing, StuckSearch, StuckAnalyze, StuckDecide}
}

// Valid reports whether s is a known phase.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Timeout returns the phase's duration limit.
func (s State) Timeout() time.Duration {
	return timeouts[s]
}

// SearchTools returns the recognized search tool names.
func SearchTools() []string {
	return []string{ToolFTSSearch, ToolVectorSearch}
}

// IsSearchTool reports whether name is a recognized search tool.
func IsSearchTool(name string) bool {
	return name == ToolFTSSearch || name == ToolVectorSearch
}

// InferStateFromTool maps a tool name to the phase a call to it implies.
func InferStateFromTool(name string) State {
	switch {
	case name == "" || name == "none":
		return Finishing
	case IsSearchTool(name):
		return Searching
	default:
		return Deciding
	}
}

// StuckStateFor returns the stuck counterpart of an active phase.
func StuckStateFor(s State) (State, bool) {
	switch s {
	case Searching:
		return StuckSearch, true
	case Analyzing:
		return StuckAnalyze, true
	case Deciding:
		return StuckDecide, true
	}
	return "", false
}

// HistoryEntry is one line of the machine's audit log. Kind is
// "transition" or "tool_call".
type HistoryEntry struct {
	Kind            string         `json:"kind"`
	Step            int            `json:"step"`
	From            State          `json:"from,omitempty"`
	To              State          `json:"to,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Tool            string         `json:"tool,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	PhaseDurationMs int64          `json:"phase_duration_ms"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Snapshot is the exported view of the machine.
type Snapshot struct {
	State           State    `json:"state"`
	PhaseDurationMs int64    `json:"phase_duration_ms"`
	StepCount       int      `json:"step_count"`
	PhaseStepCount  int      `json:"phase_step_count"`
	Stuck           bool     `json:"stuck"`
	SuggestedExit   string   `json:"suggested_exit,omitempty"`
	AllowedActions  []string `json:"allowed_actions"`
	NextStates      []State  `json:"next_states"`
	LastTools       []string `json:"last_tools"`
	LastQueries     []string `json:"last_queries"`
}

// Machine is the phase state machine for one run. It is owned by a
// single runtime and is not safe for concurrent use.
type Machine struct {
	now func() time.Time

	state       State
	steps       int
	phaseSteps  int
	enteredAt   time.Time
	searchCalls int
	lastTools   []string
	lastQueries []string
	history     []HistoryEntry
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a machine in the Init phase.
func New(opts ...Option) *Machine {
	m := &Machine{now: time.Now, state: Init}
	for _, o := range opts {
		o(m)
	}
	m.enteredAt = m.now()
	return m
}

// State returns the current phase.
func (m *Machine) State() State { return m.state }

// Steps returns the global step count.
func (m *Machine) Steps() int { return m.steps }

// PhaseSteps returns the steps taken since the last transition.
func (m *Machine) PhaseSteps() int { return m.phaseSteps }

// Tick advances the step counters. Call it once per loop iteration
// before checking Stuck.
func (m *Machine) Tick() {
	m.steps++
	m.phaseSteps++
}

// RecordToolCall notes a tool invocation for repetition detection.
func (m *Machine) RecordToolCall(name string, args map[string]any) {
	m.lastTools = pushRing(m.lastTools, name, toolWindow)
	if IsSearchTool(name) {
		m.searchCalls++
		if q, _ := args[QueryArg].(string); q != "" {
			m.lastQueries = pushRing(m.lastQueries, q, queryWindow)
		}
	}
	m.history = append(m.history, HistoryEntry{
		Kind:            "tool_call",
		Step:            m.steps,
		Tool:            name,
		Args:            args,
		PhaseDurationMs: m.phaseDuration().Milliseconds(),
		Timestamp:       m.now(),
	})
}

// TransitionTo moves to target if the transition table allows it. On
// failure the state is unchanged.
func (m *Machine) TransitionTo(target State, reason string) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, target)
	}
	if !allowed(m.state, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, target)
	}
	now := m.now()
	m.history = append(m.history, HistoryEntry{
		Kind:            "transition",
		Step:            m.steps,
		From:            m.state,
		To:              target,
		Reason:          reason,
		PhaseDurationMs: now.Sub(m.enteredAt).Milliseconds(),
		Timestamp:       now,
	})
	m.state = target
	m.enteredAt = now
	m.phaseSteps = 0
	return nil
}

// Stuck reports whether the run has stopped making progress. It is
// never true while Finishing.
func (m *Machine) Stuck() bool {
	return m.StuckReason() != ""
}

// StuckReason names the heuristic that fired, or "" when not stuck.
func (m *Machine) StuckReason() string {
	if m.state == Finishing {
		return ""
	}
	if len(m.lastTools) == toolWindow && allSame(m.lastTools) {
		return "repeated_tool"
	}
	if m.phaseSteps >= stuckPhaseSteps {
		return "phase_steps"
	}
	if m.phaseDuration() > m.state.Timeout() {
		return "phase_timeout"
	}
	if len(m.lastQueries) == queryWindow && allSame(m.lastQueries) && m.lastQueries[0] != "" {
		return "repeated_query"
	}
	return ""
}

// SuggestExit returns guidance for leaving the current phase.
func (m *Machine) SuggestExit() string {
	switch m.state {
	case Searching, StuckSearch:
		return fmt.Sprintf("Searched %d times. Try: finish with the results you found.", m.searchCalls)
	case Analyzing, StuckAnalyze:
		return fmt.Sprintf("Analyzed for %d steps. Try: decide on an answer and finish.", m.phaseSteps)
	case Deciding, StuckDecide:
		return fmt.Sprintf("Deliberated for %d steps. Try: finish with your best answer.", m.phaseSteps)
	case Init:
		return fmt.Sprintf("No progress after %d steps. Try: start with a search or finish directly.", m.steps)
	default:
		return "Finishing."
	}
}

// AllowedActions lists the tools permitted in the current phase. An
// empty result means the phase imposes no tool restriction of its own.
func (m *Machine) AllowedActions() []string {
	switch m.state {
	case Searching, Deciding:
		return SearchTools()
	}
	return []string{}
}

// NextStates returns the phases reachable from the current one.
func (m *Machine) NextStates() []State {
	return append([]State{}, transitions[m.state]...)
}

// History returns a copy of the audit log.
func (m *Machine) History() []HistoryEntry {
	return append([]HistoryEntry(nil), m.history...)
}

// Snapshot exports the machine's current view.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:           m.state,
		PhaseDurationMs: m.phaseDuration().Milliseconds(),
		StepCount:       m.steps,
		PhaseStepCount:  m.phaseSteps,
		Stuck:           m.Stuck(),
		AllowedActions:  m.AllowedActions(),
		NextStates:      m.NextStates(),
		LastTools:       append([]string{}, m.lastTools...),
		LastQueries:     append([]string{}, m.lastQueries...),
	}
	if s.Stuck {
		s.SuggestedExit = m.SuggestExit()
	}
	return s
}

func (m *Machine) phaseDuration() time.Duration {
	return m.now().Sub(m.enteredAt)
}

// ParseState converts a name to a State.
func ParseState(name string) (State, error) {
	s := State(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// Table returns the transition table with targets sorted, for display.
func Table() map[State][]State {
	out := make(map[State][]State, len(transitions))
	for from, to := range transitions {
		targets := append([]State{}, to...)
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		out[from] = targets
	}
	return out
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func pushRing(buf []string, v string, size int) []string {
	buf = append(buf, v)
	if len(buf) > size {
		buf = append([]string(nil), buf[len(buf)-size:]...)
	}
	return buf
}

func allSame(buf []string) bool {
	for _, v := range buf[1:] {
		if v != buf[0] {
			return false
		}
	}
	return true
}
