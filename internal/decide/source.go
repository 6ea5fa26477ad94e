// Package decide implements the decision source on top of a chat
// model. Each call renders the run's assembled prompt as one chat
// exchange and turns the reply into a structured intent.
package decide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/wayfinder/internal/action"
	"github.com/nugget/wayfinder/internal/agent"
	"github.com/nugget/wayfinder/internal/config"
	"github.com/nugget/wayfinder/internal/llm"
	"github.com/nugget/wayfinder/internal/prompts"
	"github.com/nugget/wayfinder/internal/usage"
)

// ErrCanceled is returned when Cancel abandoned an in-flight decision.
var ErrCanceled = errors.New("decision canceled")

// emptyReasoning stands in for a reason action that carried no text.
const emptyReasoning = "(no reasoning given)"

// UsageRecorder persists token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// providerRouter is implemented by llm.MultiClient.
type providerRouter interface {
	Provider(name string) llm.Client
}

// Option configures an LLMSource.
type Option func(*LLMSource)

// WithTimeout bounds each decision call.
func WithTimeout(d time.Duration) Option {
	return func(s *LLMSource) { s.timeout = d }
}

// WithUsage records every successful call.
func WithUsage(rec UsageRecorder, pricing map[string]config.PricingEntry) Option {
	return func(s *LLMSource) {
		s.usage = rec
		s.pricing = pricing
	}
}

// WithNativeTools offers the catalog to the model as native tools in
// addition to the JSON action schema.
func WithNativeTools() Option {
	return func(s *LLMSource) { s.nativeTools = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *LLMSource) { s.logger = l }
}

// LLMSource is an agent.DecisionSource backed by an llm.Client.
type LLMSource struct {
	client      llm.Client
	model       string
	provider    string
	timeout     time.Duration
	usage       UsageRecorder
	pricing     map[string]config.PricingEntry
	nativeTools bool
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// NewLLMSource creates a source that uses model on provider unless a
// payload names its own.
func NewLLMSource(client llm.Client, provider, model string, opts ...Option) *LLMSource {
	s := &LLMSource{
		client:   client,
		model:    model,
		provider: provider,
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// AgentIntent makes one decision.
func (s *LLMSource) AgentIntent(ctx context.Context, p agent.Payload) (*action.Intent, error) {
	model := p.Model
	if model == "" {
		model = s.model
	}
	provider := p.Provider
	if provider == "" {
		provider = s.provider
	}
	client := s.clientFor(p.Provider)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.timeout)
		defer stop()
	}
	s.track(p.CorrelationID, cancel)
	defer s.untrack(p.CorrelationID)

	messages := []llm.Message{
		{Role: "system", Content: prompts.DecisionSystemPrompt},
		{Role: "user", Content: p.Prompt},
	}
	var tools []map[string]any
	names := make(map[string]string)
	if s.nativeTools {
		for _, spec := range p.Tools {
			wire := wireName(spec.Name)
			names[wire] = spec.Name
			tools = append(tools, llm.FunctionTool(wire, spec.Description, spec.Schema))
		}
	}

	logger := s.logger.With("session_id", p.SessionID, "correlation_id", p.CorrelationID, "model", model)
	start := time.Now()
	resp, err := client.Chat(ctx, model, messages, tools)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrCanceled) {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("chat %s: %w", model, err)
	}
	logger.Debug("decision received",
		"elapsed", time.Since(start),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)

	s.record(ctx, p, provider, model, resp)

	intent, err := toIntent(resp.Message, names)
	if err != nil {
		return nil, err
	}
	intent.Model = resp.Model
	if intent.Model == "" {
		intent.Model = model
	}
	intent.InputTokens = resp.InputTokens
	intent.OutputTokens = resp.OutputTokens
	return intent, nil
}

// Cancel abandons the decision with the given correlation ID, if it is
// still in flight.
func (s *LLMSource) Cancel(correlationID string) {
	s.mu.Lock()
	cancel, ok := s.inflight[correlationID]
	s.mu.Unlock()
	if ok {
		s.logger.Debug("canceling decision", "correlation_id", correlationID)
		cancel(ErrCanceled)
	}
}

// InFlight returns the number of decisions currently running.
func (s *LLMSource) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *LLMSource) clientFor(provider string) llm.Client {
	if provider == "" {
		return s.client
	}
	if r, ok := s.client.(providerRouter); ok {
		if c := r.Provider(provider); c != nil {
			return c
		}
	}
	return s.client
}

func (s *LLMSource) track(id string, cancel context.CancelCauseFunc) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *LLMSource) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *LLMSource) record(ctx context.Context, p agent.Payload, provider, model string, resp *llm.ChatResponse) {
	if s.usage == nil {
		return
	}
	rec := usage.Record{
		RunID:         p.SessionID,
		CorrelationID: p.CorrelationID,
		Agent:         p.Agent,
		Model:         model,
		Provider:      provider,
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		CostUSD:       usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, s.pricing),
	}
	if err := s.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record usage", "correlation_id", p.CorrelationID, "error", err)
	}
}

// toIntent prefers a native tool call and otherwise parses the reply
// text as an action object.
func toIntent(msg llm.Message, names map[string]string) (*action.Intent, error) {
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0].Function
		name := tc.Name
		if orig, ok := names[name]; ok {
			name = orig
		}
		return &action.Intent{
			ToolName:  name,
			ToolArgs:  tc.Arguments,
			Reasoning: strings.TrimSpace(msg.Content),
		}, nil
	}

	act, err := action.ParseRaw(msg.Content)
	if err != nil {
		return nil, err
	}
	switch a := act.(type) {
	case action.Tool:
		return &action.Intent{ToolName: a.Name, ToolArgs: a.Args}, nil
	case action.Reason:
		text := a.Text
		if strings.TrimSpace(text) == "" {
			text = emptyReasoning
		}
		return &action.Intent{Reasoning: text}, nil
	case action.Finish:
		return &action.Intent{Finish: true, FinalText: a.Text}, nil
	case action.Error:
		return &action.Intent{Error: a.Message}, nil
	default:
		panic(fmt.Sprintf("decide: unknown action %T", act))
	}
}

// wireName maps a dotted tool name onto the character set providers
// accept for native tools.
func wireName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}
