// Package tools holds the tool catalog and dispatches calls to the
// handlers that implement each tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Spec describes a tool as the runtime sees it. Schema is a JSON schema
// object; its "required" list names mandatory arguments.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Required returns the schema's required argument names.
func (s Spec) Required() []string {
	switch req := s.Schema["required"].(type) {
	case []string:
		return append([]string(nil), req...)
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if name, ok := v.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// Requires reports whether arg is a required argument.
func (s Spec) Requires(arg string) bool {
	for _, r := range s.Required() {
		if r == arg {
			return true
		}
	}
	return false
}

// Handler executes a tool.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is a registered tool. Engine names the backend that serves it;
// an empty Engine means the tool runs in process.
type Tool struct {
	Spec
	Engine  string
	Handler Handler
}

// HealthChecker reports engine readiness.
type HealthChecker interface {
	IsReady(engine string) bool
}

// Registry holds available tools. It implements both the tool catalog
// and tool dispatch, and is safe for concurrent use by many runs.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	health HealthChecker
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// SetHealth installs the engine health source consulted before each call.
func (r *Registry) SetHealth(h HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = h
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Unregister removes a tool. Removing an absent tool is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Tools returns the catalog sorted by name.
func (r *Registry) Tools() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// AllToolNames returns the names of every registered tool, sorted.
func (r *Registry) AllToolNames() []string {
	specs := r.Tools()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Call runs a tool. Missing tools return *ErrToolUnavailable and tools
// whose engine is not ready return *EngineOfflineError; handler errors
// are wrapped with the tool name.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t := r.tools[name]
	health := r.health
	r.mu.RUnlock()

	if t == nil || t.Handler == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	if t.Engine != "" && health != nil && !health.IsReady(t.Engine) {
		return nil, &EngineOfflineError{Engine: t.Engine, Tool: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	r.logger.Debug("tool call", "tool", name, "engine", t.Engine)
	out, err := t.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// TextResult wraps plain text handler output. Text that is itself a
// JSON object is decoded so callers see structured fields.
func TextResult(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"content": text}
}
