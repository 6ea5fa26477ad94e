// Package api implements the HTTP API for submitting, inspecting, and
// canceling runs, plus a WebSocket stream of run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/wayfinder/internal/buildinfo"
	"github.com/nugget/wayfinder/internal/connwatch"
	"github.com/nugget/wayfinder/internal/events"
	"github.com/nugget/wayfinder/internal/runs"
	"github.com/nugget/wayfinder/internal/usage"
)

// maxRequestBody caps run submissions.
const maxRequestBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RunService is the run supervisor as the API sees it.
type RunService interface {
	Submit(req runs.Request) (runs.Run, error)
	Cancel(id string) error
	Get(ctx context.Context, id string) (runs.Run, error)
	List() []runs.Run
	Active() int
}

// WorkflowLister lists workflow definitions.
type WorkflowLister interface {
	List() ([]string, error)
}

// HealthReporter reports engine health.
type HealthReporter interface {
	Status() []connwatch.ServiceStatus
}

// TraceReader returns the recorded events of a run.
type TraceReader interface {
	ReadTrace(runID string) ([]events.Event, error)
}

// UsageReporter summarizes decision token usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	runs      RunService
	workflows WorkflowLister
	health    HealthReporter
	traces    TraceReader
	usage     UsageReporter
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, svc RunService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runs:    svc,
		logger:  logger,
	}
}

// SetWorkflows configures the workflow listing endpoint.
func (s *Server) SetWorkflows(w WorkflowLister) {
	s.workflows = w
}

// SetHealth configures the engine health source for /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetTraces configures the run trace endpoint.
func (s *Server) SetTraces(t TraceReader) {
	s.traces = t
}

// SetUsage configures the usage summary endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetEventBus configures the WebSocket event stream.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/runs", s.handleRunSubmit)
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("GET /v1/runs/{id}/trace", s.handleRunTrace)

	mux.HandleFunc("GET /v1/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var req runs.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Goal == "" {
		s.errorResponse(w, http.StatusBadRequest, "goal is required")
		return
	}

	run, err := s.runs.Submit(req)
	if errors.Is(err, runs.ErrStopped) {
		s.errorResponse(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, run, s.logger)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	list := s.runs.List()
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"runs":   list,
		"count":  len(list),
		"active": s.runs.Active(),
	}, s.logger)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, runs.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("run lookup failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, run, s.logger)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.runs.Cancel(id); {
	case errors.Is(err, runs.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runs.ErrFinished):
		s.errorResponse(w, http.StatusConflict, "run already finished")
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"run_id": id, "status": "cancel_requested"}, s.logger)
	}
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "traces not enabled")
		return
	}
	id := r.PathValue("id")
	evs, err := s.traces.ReadTrace(id)
	if err != nil {
		s.logger.Debug("trace read failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusNotFound, "trace not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"run_id": id, "events": evs}, s.logger)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.workflows != nil {
		var err error
		if names, err = s.workflows.List(); err != nil {
			s.logger.Error("workflow list failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "workflow list failed")
			return
		}
	}
	if names == nil {
		names = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"workflows": names}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not enabled")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":    hours,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var engines []connwatch.ServiceStatus
	if s.health != nil {
		engines = s.health.Status()
		for _, e := range engines {
			if !e.Ready {
				status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":      status,
		"version":     buildinfo.Version,
		"uptime":      buildinfo.Uptime().Round(time.Second).String(),
		"active_runs": s.runs.Active(),
		"engines":     engines,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
