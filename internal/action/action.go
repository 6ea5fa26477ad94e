// Package action defines the canonical decision shape the runtime acts
// on and the normalizers that produce it from decision-source output.
//
// Every decision, whether it arrives structured or as free text, is
// reduced to exactly one of four variants: [Tool], [Reason], [Finish],
// or [Error]. Callers dispatch with an exhaustive type switch.
package action

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedDecision is returned by [ParseRaw] when the text holds no
// parseable decision object.
var ErrMalformedDecision = errors.New("malformed decision")

// Kind names an action variant on the wire.
type Kind string

const (
	KindTool   Kind = "tool"
	KindReason Kind = "reason"
	KindFinish Kind = "finish"
	KindError  Kind = "error"
)

// ValidKinds returns the recognized action kinds in a stable order.
func ValidKinds() []Kind {
	return []Kind{KindTool, KindReason, KindFinish, KindError}
}

// Action is one of [Tool], [Reason], [Finish], or [Error].
type Action interface {
	Kind() Kind
	isAction()
}

// Tool asks the runtime to dispatch a tool call. Args is never nil
// once produced by this package.
type Tool struct {
	Name string
	Args map[string]any
}

// Reason records private reasoning without side effects.
type Reason struct {
	Text string
}

// Finish ends the run successfully with Text as the final answer.
type Finish struct {
	Text string
}

// Error ends the run with a failure message.
type Error struct {
	Message string
}

func (Tool) Kind() Kind   { return KindTool }
func (Reason) Kind() Kind { return KindReason }
func (Finish) Kind() Kind { return KindFinish }
func (Error) Kind() Kind  { return KindError }

func (Tool) isAction()   {}
func (Reason) isAction() {}
func (Finish) isAction() {}
func (Error) isAction()  {}

// Envelope is the flat JSON form of an action, used in transcripts and
// by decision sources that speak JSON.
type Envelope struct {
	Action    Kind           `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Final     string         `json:"final,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// ToEnvelope flattens a into its wire form.
func ToEnvelope(a Action) Envelope {
	switch v := a.(type) {
	case Tool:
		return Envelope{Action: KindTool, Tool: v.Name, Args: v.Args}
	case Reason:
		return Envelope{Action: KindReason, Reasoning: v.Text}
	case Finish:
		return Envelope{Action: KindFinish, Final: v.Text}
	case Error:
		return Envelope{Action: KindError, Final: v.Message}
	default:
		panic(fmt.Sprintf("action: unknown variant %T", a))
	}
}

// Intent is the structured result a decision source returns for a
// single decision.
type Intent struct {
	Finish    bool           `json:"finish"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	FinalText string         `json:"final_text,omitempty"`

	// Error is set by sources that decided the run cannot continue,
	// for example a model that answered with an error action.
	Error string `json:"error,omitempty"`

	// Usage reported by the backing model, when known.
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// FromIntent normalizes a structured decision. An explicit error wins,
// then Finish, then a tool name, then bare reasoning; an intent
// carrying none of these becomes an [Error].
func FromIntent(in *Intent) Action {
	if in == nil {
		return Error{Message: "decision source returned no intent"}
	}
	switch {
	case strings.TrimSpace(in.Error) != "":
		return Error{Message: in.Error}
	case in.Finish:
		return Finish{Text: in.FinalText}
	case strings.TrimSpace(in.ToolName) != "":
		return Tool{Name: strings.TrimSpace(in.ToolName), Args: cloneArgs(in.ToolArgs)}
	case strings.TrimSpace(in.Reasoning) != "":
		return Reason{Text: in.Reasoning}
	default:
		return Error{Message: "decision source returned no actionable intent"}
	}
}

// FromMap normalizes a decoded decision object. The "action" field must
// name a valid kind; anything else is coerced to an [Error] carrying a
// diagnostic. Non-map args are replaced with an empty map.
func FromMap(m map[string]any) Action {
	raw, _ := m["action"].(string)
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))

	switch kind {
	case KindTool:
		name := firstString(m, "tool", "name", "tool_name")
		if name == "" {
			return Error{Message: "tool action is missing a tool name"}
		}
		args, ok := m["args"].(map[string]any)
		if !ok {
			args = map[string]any{}
		}
		return Tool{Name: name, Args: args}
	case KindReason:
		return Reason{Text: firstString(m, "reasoning", "text", "thought")}
	case KindFinish:
		return Finish{Text: firstString(m, "final", "text", "answer")}
	case KindError:
		msg := firstString(m, "message", "error", "final")
		if msg == "" {
			msg = "decision reported an unspecified error"
		}
		return Error{Message: msg}
	default:
		return Error{Message: fmt.Sprintf("invalid action %q (valid: %s)", raw, validList())}
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func validList() string {
	kinds := ValidKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func cloneArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
