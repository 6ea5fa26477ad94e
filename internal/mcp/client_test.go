package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response
	failWith  error
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string]*Response)}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Result: data}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: code, Message: msg}}
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if m.failWith != nil {
		return nil, m.failWith
	}
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "search-engine", Version: "1.2.0"},
	})

	c := NewClient("search", mt, nil)
	if c.Initialized() {
		t.Fatal("Initialized() = true before handshake")
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.Initialized() {
		t.Error("Initialized() = false after handshake")
	}
	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Errorf("sent = %+v", mt.sent)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v", mt.notifs)
	}
	if c.serverName != "search-engine" {
		t.Errorf("serverName = %q", c.serverName)
	}
}

func TestClient_ListTools_Caches(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{
		{Name: "context.fts_search", Description: "Full text search", InputSchema: map[string]any{"type": "object"}},
	}})

	c := NewClient("search", mt, nil)
	for i := 0; i < 2; i++ {
		got, err := c.ListTools(context.Background())
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		if len(got) != 1 || got[0].Name != "context.fts_search" {
			t.Errorf("ListTools() = %+v", got)
		}
	}
	if len(mt.sent) != 1 {
		t.Errorf("tools/list sent %d times, want 1", len(mt.sent))
	}

	c.Refresh()
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(mt.sent) != 2 {
		t.Errorf("after Refresh sent %d, want 2", len(mt.sent))
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name     string
		result   callToolResult
		rpcErr   bool
		want     string
		wantTool bool
		wantErr  bool
	}{
		{
			name:   "text",
			result: callToolResult{Content: []ContentBlock{{Type: "text", Text: "3 hits"}}},
			want:   "3 hits",
		},
		{
			name: "mixed blocks",
			result: callToolResult{Content: []ContentBlock{
				{Type: "text", Text: "see"},
				{Type: "image"},
			}},
			want: "see\n[image]",
		},
		{
			name:     "tool error",
			result:   callToolResult{Content: []ContentBlock{{Type: "text", Text: "index missing"}}, IsError: true},
			wantTool: true,
			wantErr:  true,
		},
		{
			name:    "rpc error",
			rpcErr:  true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			if tt.rpcErr {
				mt.addError("tools/call", -32602, "invalid params")
			} else {
				mt.addResponse("tools/call", tt.result)
			}
			got, err := NewClient("search", mt, nil).CallTool(context.Background(), "context.fts_search", map[string]any{"query": "x"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var te *ToolError
			if errors.As(err, &te) != tt.wantTool {
				t.Errorf("ToolError match = %v, want %v (err %v)", !tt.wantTool, tt.wantTool, err)
			}
			if tt.rpcErr {
				var re *RPCError
				if !errors.As(err, &re) || re.Code != -32602 {
					t.Errorf("err = %v, want RPCError -32602", err)
				}
			}
			if got != tt.want {
				t.Errorf("CallTool() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_PingAndClose(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})
	c := NewClient("search", mt, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := c.Close(); err != nil || !mt.closed {
		t.Errorf("Close: %v closed=%v", err, mt.closed)
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})
	c := NewClient("search", mt, nil)
	for i := 0; i < 3; i++ {
		_ = c.Ping(context.Background())
	}
	for i, req := range mt.sent {
		if req.ID != int64(i+1) {
			t.Errorf("request %d id = %d, want %d", i, req.ID, i+1)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q", req.JSONRPC)
		}
	}
}

func TestNotificationOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Errorf("notification = %s", data)
	}
}
