package agent

import (
	"context"
	"sync"

	"github.com/nugget/wayfinder/internal/action"
	"github.com/nugget/wayfinder/internal/phase"
	"github.com/nugget/wayfinder/internal/tools"
)

// scriptedSource replays a fixed list of decisions. The last entry
// repeats once the script runs out.
type scriptedSource struct {
	mu       sync.Mutex
	script   []func(n int, p Payload) (*action.Intent, error)
	payloads []Payload
	canceled []string
}

func (s *scriptedSource) AgentIntent(_ context.Context, p Payload) (*action.Intent, error) {
	s.mu.Lock()
	n := len(s.payloads)
	s.payloads = append(s.payloads, p)
	var step func(int, Payload) (*action.Intent, error)
	if len(s.script) > 0 {
		step = s.script[min(n, len(s.script)-1)]
	}
	s.mu.Unlock()
	if step == nil {
		return nil, nil
	}
	return step(n, p)
}

func (s *scriptedSource) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, id)
}

func (s *scriptedSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *scriptedSource) lastPayload() Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[len(s.payloads)-1]
}

func always(in *action.Intent) func(int, Payload) (*action.Intent, error) {
	return func(int, Payload) (*action.Intent, error) { return in, nil }
}

func finishWith(text string) func(int, Payload) (*action.Intent, error) {
	return always(&action.Intent{Finish: true, FinalText: text})
}

func reasonWith(text string) func(int, Payload) (*action.Intent, error) {
	return always(&action.Intent{Reasoning: text})
}

func toolCall(name string, args map[string]any) func(int, Payload) (*action.Intent, error) {
	return always(&action.Intent{ToolName: name, ToolArgs: args})
}

type toolCallRecord struct {
	Name string
	Args map[string]any
}

// fakeDispatcher records calls and serves a static catalog.
type fakeDispatcher struct {
	mu      sync.Mutex
	specs   []tools.Spec
	calls   []toolCallRecord
	results map[string]map[string]any
	errs    map[string]error
	panics  map[string]bool
}

func newFakeDispatcher(names ...string) *fakeDispatcher {
	d := &fakeDispatcher{
		results: map[string]map[string]any{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
	}
	for _, n := range names {
		d.specs = append(d.specs, tools.Spec{Name: n, Description: "test tool " + n})
	}
	return d
}

func (d *fakeDispatcher) Tools() []tools.Spec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tools.Spec(nil), d.specs...)
}

func (d *fakeDispatcher) Call(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	d.mu.Lock()
	d.calls = append(d.calls, toolCallRecord{Name: name, Args: args})
	res, err, panics := d.results[name], d.errs[name], d.panics[name]
	d.mu.Unlock()
	if panics {
		panic("tool exploded")
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = map[string]any{"ok": true, "tool": name}
	}
	return res, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordedEvent struct {
	RunID string
	Step  int
	Kind  string
	Data  map[string]any
}

type fakeTelemetry struct {
	mu     sync.Mutex
	events []recordedEvent

	// onEmit runs after each event is recorded.
	onEmit func(kind string)
}

func (f *fakeTelemetry) Emit(runID string, step int, kind string, data map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{RunID: runID, Step: step, Kind: kind, Data: data})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		hook(kind)
	}
}

func (f *fakeTelemetry) kinds() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, e := range f.events {
		out[e.Kind]++
	}
	return out
}

type workflowSet map[string]bool

func (w workflowSet) Exists(name string) bool { return w[name] }

var searchTools = []string{phase.ToolFTSSearch, phase.ToolVectorSearch}
