package decide

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wayfinder/internal/action"
	"github.com/nugget/wayfinder/internal/agent"
	"github.com/nugget/wayfinder/internal/config"
	"github.com/nugget/wayfinder/internal/llm"
	"github.com/nugget/wayfinder/internal/prompts"
	"github.com/nugget/wayfinder/internal/tools"
	"github.com/nugget/wayfinder/internal/usage"
)

type fakeClient struct {
	mu       sync.Mutex
	reply    llm.Message
	err      error
	block    bool
	started  chan struct{}
	model    string
	messages []llm.Message
	tools    []map[string]any
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.model = model
	f.messages = messages
	f.tools = tools
	f.mu.Unlock()
	if f.block {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Model: model, Message: f.reply, InputTokens: 50, OutputTokens: 10}, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

type memUsage struct {
	recs []usage.Record
}

func (m *memUsage) Record(_ context.Context, rec usage.Record) error {
	m.recs = append(m.recs, rec)
	return nil
}

func payload() agent.Payload {
	return agent.Payload{
		SessionID:     "run-1",
		CorrelationID: "corr-1",
		Agent:         "default",
		Goal:          "find the bug",
		MaxSteps:      1,
		Prompt:        "## Goal\nfind the bug",
		Tools: []tools.Spec{
			{Name: "context.fts_search", Description: "Full text search"},
		},
	}
}

func TestAgentIntent_TextReplies(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, in *action.Intent)
	}{
		{
			name:    "tool",
			content: `{"action":"tool","tool":"context.fts_search","args":{"query":"retry"}}`,
			check: func(t *testing.T, in *action.Intent) {
				if in.ToolName != "context.fts_search" || in.ToolArgs["query"] != "retry" {
					t.Errorf("intent = %+v", in)
				}
			},
		},
		{
			name:    "fenced finish",
			content: "Done.\n```json\n{\"action\":\"finish\",\"final\":\"All good.\"}\n```",
			check: func(t *testing.T, in *action.Intent) {
				if !in.Finish || in.FinalText != "All good." {
					t.Errorf("intent = %+v", in)
				}
			},
		},
		{
			name:    "reason",
			content: `thinking {"action":"reason","reasoning":"need more data"} ok`,
			check: func(t *testing.T, in *action.Intent) {
				if in.Reasoning != "need more data" || in.Finish || in.ToolName != "" {
					t.Errorf("intent = %+v", in)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{reply: llm.Message{Role: "assistant", Content: tt.content}}
			s := NewLLMSource(fc, "ollama", "qwen3:4b")
			in, err := s.AgentIntent(context.Background(), payload())
			if err != nil {
				t.Fatalf("AgentIntent: %v", err)
			}
			tt.check(t, in)
			if in.InputTokens != 50 || in.OutputTokens != 10 || in.Model != "qwen3:4b" {
				t.Errorf("usage = %d/%d model %q", in.InputTokens, in.OutputTokens, in.Model)
			}
		})
	}
}

func TestAgentIntent_Messages(t *testing.T) {
	fc := &fakeClient{reply: llm.Message{Content: `{"action":"finish","final":"x"}`}}
	s := NewLLMSource(fc, "ollama", "qwen3:4b")
	p := payload()
	p.Model = "override-model"
	if _, err := s.AgentIntent(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if fc.model != "override-model" {
		t.Errorf("model = %q, want override-model", fc.model)
	}
	if len(fc.messages) != 2 || fc.messages[0].Content != prompts.DecisionSystemPrompt || fc.messages[1].Content != p.Prompt {
		t.Errorf("messages = %+v", fc.messages)
	}
	if fc.tools != nil {
		t.Errorf("tools offered without WithNativeTools: %v", fc.tools)
	}
}

func TestAgentIntent_Malformed(t *testing.T) {
	fc := &fakeClient{reply: llm.Message{Content: "I am not sure what to do."}}
	_, err := NewLLMSource(fc, "ollama", "m").AgentIntent(context.Background(), payload())
	if !errors.Is(err, action.ErrMalformedDecision) {
		t.Errorf("error = %v, want ErrMalformedDecision", err)
	}

}

func TestAgentIntent_NonToolActions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    action.Action
	}{
		{"model error", `{"action":"error","message":"cannot reach the repo"}`,
			action.Error{Message: "cannot reach the repo"}},
		{"error without message", `{"action":"error"}`,
			action.Error{Message: "decision reported an unspecified error"}},
		{"reason", `{"action":"reason","reasoning":"look at logs"}`,
			action.Reason{Text: "look at logs"}},
		{"reason without text", `{"action":"reason"}`,
			action.Reason{Text: emptyReasoning}},
		{"finish", `{"action":"finish","final":"done"}`,
			action.Finish{Text: "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{reply: llm.Message{Content: tt.content}}
			in, err := NewLLMSource(fc, "ollama", "m").AgentIntent(context.Background(), payload())
			if err != nil {
				t.Fatalf("AgentIntent: %v", err)
			}
			if got := action.FromIntent(in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FromIntent = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAgentIntent_UnknownActionCarriesDiagnostic(t *testing.T) {
	fc := &fakeClient{reply: llm.Message{Content: `{"action":"dance"}`}}
	in, err := NewLLMSource(fc, "ollama", "m").AgentIntent(context.Background(), payload())
	if err != nil {
		t.Fatalf("AgentIntent: %v", err)
	}
	got, ok := action.FromIntent(in).(action.Error)
	if !ok {
		t.Fatalf("FromIntent = %#v, want action.Error", action.FromIntent(in))
	}
	if !strings.Contains(got.Message, "invalid action") {
		t.Errorf("message = %q, want invalid action diagnostic", got.Message)
	}
}

func TestAgentIntent_NativeToolCall(t *testing.T) {
	fc := &fakeClient{reply: llm.Message{
		Content:   "Searching first.",
		ToolCalls: []llm.ToolCall{llm.NewToolCall("t1", "context__fts_search", map[string]any{"query": "retry"})},
	}}
	s := NewLLMSource(fc, "anthropic", "claude-test", WithNativeTools())
	in, err := s.AgentIntent(context.Background(), payload())
	if err != nil {
		t.Fatal(err)
	}
	if in.ToolName != "context.fts_search" {
		t.Errorf("ToolName = %q, want context.fts_search", in.ToolName)
	}
	if in.Reasoning != "Searching first." {
		t.Errorf("Reasoning = %q", in.Reasoning)
	}
	if len(fc.tools) != 1 {
		t.Errorf("offered %d tools, want 1", len(fc.tools))
	}
}

func TestAgentIntent_ClientError(t *testing.T) {
	fc := &fakeClient{err: errors.New("connection refused")}
	if _, err := NewLLMSource(fc, "ollama", "m").AgentIntent(context.Background(), payload()); err == nil {
		t.Error("AgentIntent error = nil")
	}
}

func TestAgentIntent_RecordsUsage(t *testing.T) {
	fc := &fakeClient{reply: llm.Message{Content: `{"action":"finish","final":"x"}`}}
	rec := &memUsage{}
	pricing := map[string]config.PricingEntry{"claude-test": {InputPerMillion: 1_000_000, OutputPerMillion: 0}}
	s := NewLLMSource(fc, "anthropic", "claude-test", WithUsage(rec, pricing))
	if _, err := s.AgentIntent(context.Background(), payload()); err != nil {
		t.Fatal(err)
	}
	if len(rec.recs) != 1 {
		t.Fatalf("recorded %d usage rows, want 1", len(rec.recs))
	}
	got := rec.recs[0]
	if got.RunID != "run-1" || got.CorrelationID != "corr-1" || got.Provider != "anthropic" {
		t.Errorf("record = %+v", got)
	}
	if got.CostUSD != 50 {
		t.Errorf("CostUSD = %f, want 50", got.CostUSD)
	}
}

func TestCancel_AbandonsInFlight(t *testing.T) {
	fc := &fakeClient{block: true, started: make(chan struct{})}
	s := NewLLMSource(fc, "ollama", "m")

	errc := make(chan error, 1)
	go func() {
		_, err := s.AgentIntent(context.Background(), payload())
		errc <- err
	}()

	<-fc.started
	if s.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", s.InFlight())
	}
	s.Cancel("unknown")
	s.Cancel("corr-1")

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("error = %v, want ErrCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decision not canceled")
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight after cancel = %d, want 0", s.InFlight())
	}
}

func TestAgentIntent_Timeout(t *testing.T) {
	fc := &fakeClient{block: true, started: make(chan struct{})}
	s := NewLLMSource(fc, "ollama", "m", WithTimeout(10*time.Millisecond))
	_, err := s.AgentIntent(context.Background(), payload())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

type routerClient struct {
	*fakeClient
	providers map[string]llm.Client
}

func (r *routerClient) Provider(name string) llm.Client { return r.providers[name] }

func TestAgentIntent_ProviderRouting(t *testing.T) {
	def := &fakeClient{reply: llm.Message{Content: `{"action":"finish","final":"default"}`}}
	other := &fakeClient{reply: llm.Message{Content: `{"action":"finish","final":"anthropic"}`}}
	rc := &routerClient{fakeClient: def, providers: map[string]llm.Client{"anthropic": other}}
	s := NewLLMSource(rc, "ollama", "m")

	p := payload()
	p.Provider = "anthropic"
	in, err := s.AgentIntent(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if in.FinalText != "anthropic" {
		t.Errorf("routed to %q, want anthropic", in.FinalText)
	}
}

func TestLLMSourceImplementsDecisionSource(t *testing.T) {
	var _ agent.DecisionSource = (*LLMSource)(nil)
}
