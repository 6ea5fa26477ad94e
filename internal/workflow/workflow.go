// Package workflow loads file-backed workflow definitions and runs them
// as a linear sequence of tool calls.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/wayfinder/internal/tools"
)

// ErrNotFound is returned when no definition exists for a name.
var ErrNotFound = errors.New("workflow not found")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Definition is a workflow file.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step is one tool call in a workflow. String arguments may reference
// the caller's goal as {{goal}}.
type Step struct {
	Name     string         `yaml:"name" json:"name,omitempty"`
	Tool     string         `yaml:"tool" json:"tool"`
	Args     map[string]any `yaml:"args" json:"args,omitempty"`
	Optional bool           `yaml:"optional" json:"optional,omitempty"`
}

// Store reads definitions from <base>/workflows/<name>.yaml.
type Store struct {
	dir string
}

// NewStore returns a store rooted at base.
func NewStore(base string) *Store {
	return &Store{dir: filepath.Join(base, "workflows")}
}

// Dir returns the directory definitions are read from.
func (s *Store) Dir() string { return s.dir }

// ValidName reports whether name is safe to use as a file name.
func ValidName(name string) bool {
	return nameRe.MatchString(name) && !strings.Contains(name, "..")
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// Exists reports whether a definition file exists. It only probes the
// file system; the file is not parsed.
func (s *Store) Exists(name string) bool {
	if s == nil || !ValidName(name) {
		return false
	}
	info, err := os.Stat(s.path(name))
	return err == nil && !info.IsDir()
}

// Load parses a definition.
func (s *Store) Load(name string) (*Definition, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid workflow name %q", name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read workflow %s: %w", name, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	for i, st := range def.Steps {
		if st.Tool == "" {
			return nil, fmt.Errorf("workflow %s step %d: tool is required", name, i+1)
		}
	}
	return &def, nil
}

// List returns the names of every definition, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if ValidName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Caller dispatches one tool call.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// StepResult records one executed step.
type StepResult struct {
	Step   int            `json:"step"`
	Name   string         `json:"name,omitempty"`
	Tool   string         `json:"tool"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Runner executes definitions step by step. A failing or refused step
// stops the workflow unless it is optional. Steps are checked against
// the tools.Gate carried by the call's context.
type Runner struct {
	store  *Store
	caller Caller
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(store *Store, caller Caller, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, caller: caller, logger: logger}
}

// Run loads and executes a workflow. The returned map is the tool
// output reported back to the run that invoked it.
func (r *Runner) Run(ctx context.Context, name, goal string) (map[string]any, error) {
	def, err := r.store.Load(name)
	if err != nil {
		return nil, err
	}

	results := make([]StepResult, 0, len(def.Steps))
	status := "completed"
	for i, st := range def.Steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("workflow %s canceled: %w", name, err)
		}
		if st.Tool == WorkflowToolName {
			return nil, fmt.Errorf("workflow %s step %d: nested workflows are not supported", name, i+1)
		}
		res := StepResult{Step: i + 1, Name: st.Name, Tool: st.Tool}
		if err := tools.Permit(ctx, st.Tool); err != nil {
			res.Error = err.Error()
			results = append(results, res)
			r.logger.Warn("workflow step refused", "workflow", name, "step", i+1, "tool", st.Tool)
			if st.Optional {
				continue
			}
			status = "refused"
			break
		}
		out, err := r.caller.Call(ctx, st.Tool, expandArgs(st.Args, goal))
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			r.logger.Warn("workflow step failed", "workflow", name, "step", i+1, "tool", st.Tool, "error", err)
			if st.Optional {
				continue
			}
			status = "failed"
			break
		}
		res.Output = out
		results = append(results, res)
	}

	r.logger.Info("workflow finished", "workflow", name, "status", status, "steps", len(results))
	return map[string]any{
		"workflow": def.Name,
		"status":   status,
		"steps":    results,
	}, nil
}

// WorkflowToolName is the tool that invokes a workflow.
const WorkflowToolName = "workflow.run"

// ToolSchema is the argument schema of the workflow tool.
func ToolSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"workflow": map[string]any{
				"type":        "string",
				"description": "Name of the workflow definition to run",
			},
			"goal": map[string]any{
				"type":        "string",
				"description": "Goal text substituted for {{goal}} in step arguments",
			},
		},
		"required": []string{"workflow"},
	}
}

// Handle adapts Run to a tool handler taking {workflow, goal} args.
func (r *Runner) Handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, _ := args["workflow"].(string)
	if name == "" {
		return nil, errors.New("workflow argument is required")
	}
	goal, _ := args["goal"].(string)
	return r.Run(ctx, name, goal)
}

func expandArgs(args map[string]any, goal string) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			v = strings.ReplaceAll(s, "{{goal}}", goal)
		}
		out[k] = v
	}
	return out
}
