// Package memory holds the per-run session memory: an append-only log
// of steps and errors that is snapshotted to disk after every step and
// kept under a fixed serialized size.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxBytes bounds the serialized snapshot once more than KeepSteps
	// steps exist.
	MaxBytes = 16000

	// KeepSteps is how many of the most recent real steps survive a
	// collapse.
	KeepSteps = 5

	// maxSummaries caps the summaries list carried in the transcript.
	maxSummaries = 10
)

// Step kinds recorded by the runtime.
const (
	KindTool    = "tool"
	KindReason  = "reason"
	KindFinish  = "finish"
	KindError   = "error"
	KindSummary = "summary"
)

// clipStages are the field-length limits applied, in order, when the
// retained steps alone still exceed MaxBytes.
var clipStages = []int{2048, 512, 128, 0}

// Step is one entry in the session log.
type Step struct {
	Index     int            `json:"index"`
	Kind      string         `json:"kind"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Output    any            `json:"output,omitempty"`
	Text      string         `json:"text,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Collapsed int            `json:"collapsed,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorRecord is one entry in the error log.
type ErrorRecord struct {
	Step      int       `json:"step"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the serialized form of a session.
type Transcript struct {
	Steps     []Step         `json:"steps"`
	Errors    []ErrorRecord  `json:"errors"`
	Summaries []string       `json:"summaries"`
	State     map[string]any `json:"state"`
}

// Session is the memory owned by a single run. It is written by the
// owning runtime only; the mutex lets observers read transcripts while
// the run is in progress.
type Session struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	steps     []Step
	errors    []ErrorRecord
	summaries []string
	state     map[string]any
	appended  int
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session that snapshots to path. An empty path keeps the
// session in memory only.
func New(path string, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		path:   path,
		logger: logger,
		now:    time.Now,
		state:  make(map[string]any),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the snapshot location.
func (s *Session) Path() string {
	return s.path
}

// AppendStep adds a step, assigning its index and timestamp. It returns
// the stored step.
func (s *Session) AppendStep(st Step) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended++
	st.Index = s.appended
	if st.Timestamp.IsZero() {
		st.Timestamp = s.now()
	}
	s.steps = append(s.steps, st)
	return st
}

// AppendError adds an error record.
func (s *Session) AppendError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.errors = append(s.errors, rec)
}

// AddSummary appends a free-text summary. Only the most recent
// summaries are retained.
func (s *Session) AddSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addSummaryLocked(text)
}

func (s *Session) addSummaryLocked(text string) {
	s.summaries = append(s.summaries, text)
	if n := len(s.summaries); n > maxSummaries {
		s.summaries = append([]string(nil), s.summaries[n-maxSummaries:]...)
	}
}

// SetState records an auxiliary key/value pair.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// Appended returns the number of steps ever appended, including steps
// since collapsed into a summary.
func (s *Session) Appended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// Len returns the number of steps currently held.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Steps returns a copy of the current steps.
func (s *Session) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

// Transcript returns a copy of the session contents.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked()
}

func (s *Session) transcriptLocked() Transcript {
	state := make(map[string]any, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	t := Transcript{
		Steps:     append([]Step{}, s.steps...),
		Errors:    append([]ErrorRecord{}, s.errors...),
		Summaries: append([]string{}, s.summaries...),
		State:     state,
	}
	return t
}

// Size returns the serialized snapshot size in bytes.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

func (s *Session) sizeLocked() int {
	data, err := json.MarshalIndent(s.transcriptLocked(), "", "  ")
	if err != nil {
		return 0
	}
	return len(data)
}

// TruncateIfNeeded collapses all but the last KeepSteps real steps into
// one summary step when the snapshot exceeds MaxBytes and more than
// KeepSteps steps exist. It reports whether anything changed.
func (s *Session) TruncateIfNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) <= KeepSteps || s.sizeLocked() <= MaxBytes {
		return false
	}

	var real []Step
	for _, st := range s.steps {
		if st.Kind != KindSummary {
			real = append(real, st)
		}
	}
	keep := real
	if len(keep) > KeepSteps {
		keep = real[len(real)-KeepSteps:]
	}
	kept := make(map[int]bool, len(keep))
	for _, st := range keep {
		kept[st.Index] = true
	}

	collapsed := 0
	for _, st := range s.steps {
		switch {
		case st.Kind == KindSummary:
			collapsed += st.Collapsed
		case !kept[st.Index]:
			collapsed++
		}
	}

	summary := Step{
		Kind:      KindSummary,
		Collapsed: collapsed,
		Text:      fmt.Sprintf("%d earlier steps collapsed to keep memory bounded.", collapsed),
		Timestamp: s.now(),
	}
	s.steps = append([]Step{summary}, keep...)

	for _, limit := range clipStages {
		if s.sizeLocked() <= MaxBytes {
			break
		}
		s.clipLocked(limit)
	}
	return true
}

// clipLocked shortens the large fields of every retained record.
func (s *Session) clipLocked(limit int) {
	for i := range s.steps {
		st := &s.steps[i]
		st.Text = clip(st.Text, limit)
		if st.Output != nil {
			st.Output = clip(stringify(st.Output), limit)
		}
		if len(st.Args) > 0 {
			st.Args = map[string]any{"_clipped": clip(stringify(st.Args), limit)}
		}
	}
	for i := range s.errors {
		s.errors[i].Message = clip(s.errors[i].Message, limit)
	}
	for i := range s.summaries {
		s.summaries[i] = clip(s.summaries[i], limit)
	}
	for k, v := range s.state {
		if str, ok := v.(string); ok {
			s.state[k] = clip(str, limit)
		}
	}
}

// Snapshot truncates if needed and overwrites the snapshot file with
// the pretty-printed session. The write goes through a temp file and a
// rename so readers never see a partial snapshot. Failures are logged
// and returned; they never invalidate the in-memory session.
func (s *Session) Snapshot() error {
	if s.TruncateIfNeeded() {
		s.logger.Debug("session memory collapsed", "path", s.path, "steps", s.Len())
	}
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	data, err := json.MarshalIndent(s.transcriptLocked(), "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("memory snapshot encode failed", "path", s.path, "error", err)
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		s.logger.Warn("memory snapshot write failed", "path", s.path, "error", err)
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Summary renders the last n steps as compact text lines for prompt
// assembly. Output is deterministic for identical sessions.
func (s *Session) Summary(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps
	if n > 0 && len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	var sb strings.Builder
	for _, st := range steps {
		fmt.Fprintf(&sb, "#%d %s", st.Index, st.Kind)
		if st.Tool != "" {
			fmt.Fprintf(&sb, " %s", st.Tool)
			if len(st.Args) > 0 {
				fmt.Fprintf(&sb, " %s", clip(stringify(st.Args), 160))
			}
		}
		if st.Text != "" {
			fmt.Fprintf(&sb, ": %s", clip(oneLine(st.Text), 240))
		}
		if st.Output != nil {
			fmt.Fprintf(&sb, " => %s", clip(oneLine(stringify(st.Output)), 240))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ToolsUsed counts the retained tool steps by name.
func (s *Session) ToolsUsed() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, st := range s.steps {
		if st.Kind == KindTool && st.Tool != "" {
			counts[st.Tool]++
		}
	}
	return counts
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func clip(s string, limit int) string {
	if limit <= 0 {
		if s == "" {
			return s
		}
		return "[clipped]"
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[clipped]"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
