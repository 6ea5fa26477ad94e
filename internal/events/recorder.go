package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Recorder is the run telemetry sink. Every event is published on the
// bus and appended as one JSON line to <dir>/<run_id>.jsonl. Trace
// writes are best effort: failures are logged and never surface to the
// run that emitted the event.
type Recorder struct {
	bus    *Bus
	dir    string
	source string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewRecorder creates a recorder. An empty dir disables trace files; a
// nil bus disables publishing.
func NewRecorder(bus *Bus, dir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		bus:    bus,
		dir:    dir,
		source: SourceRuntime,
		logger: logger,
		now:    time.Now,
	}
}

// Emit records one run event.
func (r *Recorder) Emit(runID string, step int, kind string, data map[string]any) {
	e := Event{
		Timestamp: r.now(),
		Source:    r.source,
		Kind:      kind,
		RunID:     runID,
		Step:      step,
		Data:      data,
	}
	r.bus.Publish(e)
	if err := r.append(e); err != nil {
		r.logger.Warn("trace write failed", "run_id", runID, "kind", kind, "error", err)
	}
}

// TracePath returns the trace file for a run, or "" when traces are
// disabled.
func (r *Recorder) TracePath(runID string) string {
	if r.dir == "" || runID == "" {
		return ""
	}
	return filepath.Join(r.dir, safeName(runID)+".jsonl")
}

func (r *Recorder) append(e Event) error {
	path := r.TracePath(e.RunID)
	if path == "" {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write trace: %w", err)
	}
	return f.Close()
}

// ReadTrace loads every event recorded for a run, in write order.
func (r *Recorder) ReadTrace(runID string) ([]Event, error) {
	path := r.TracePath(runID)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	var out []Event
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return out, fmt.Errorf("trace line %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// safeName keeps run IDs from escaping the trace directory.
func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}
