package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/wayfinder/internal/httpkit"
)

// sessionHeader carries the engine-assigned session between requests.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	URL     string
	Headers map[string]string // sent on every request, e.g. Authorization
	Logger  *slog.Logger
	Client  *http.Client // nil builds one with httpkit
}

// HTTPTransport posts each JSON-RPC message to the engine URL and reads
// the reply from the response body.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates a transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// Send posts req and decodes the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &TransportError{URL: t.url, Err: fmt.Errorf("read response body: %w", err)}
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	resp, err := t.post(ctx, notif, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}

// Close is a no-op; httpkit owns the connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any, okStatus ...int) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: t.url, Err: err}
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	for _, code := range okStatus {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	errBody := httpkit.ReadErrorBody(resp.Body, 4096)
	t.logger.Debug("engine returned error status", "url", t.url, "status", resp.StatusCode, "body", errBody)
	return nil, &TransportError{URL: t.url, Err: fmt.Errorf("status %d: %s", resp.StatusCode, errBody)}
}
