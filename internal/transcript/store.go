// Package transcript persists the terminal record of every run in
// SQLite.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/wayfinder/internal/memory"
)

// ErrNotFound is returned by Get for an unknown run.
var ErrNotFound = errors.New("run not found")

const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Run is one finished run.
type Run struct {
	RunID        string            `json:"run_id"`
	Agent        string            `json:"agent"`
	User         string            `json:"user"`
	Goal         string            `json:"goal"`
	Status       string            `json:"status"`
	Reason       string            `json:"reason"`
	Steps        int               `json:"steps"`
	Final        string            `json:"final,omitempty"`
	Error        string            `json:"error,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	StartedAt    time.Time         `json:"started_at"`
	Elapsed      time.Duration     `json:"elapsed"`
	Transcript   memory.Transcript `json:"transcript"`
}

// Store keeps runs in a single table keyed by run ID.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema on db if needed. The caller owns db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		agent         TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		goal          TEXT NOT NULL,
		status        TEXT NOT NULL,
		reason        TEXT NOT NULL,
		steps         INTEGER NOT NULL,
		final         TEXT,
		error         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		started_at    TEXT NOT NULL,
		elapsed_ms    INTEGER NOT NULL,
		transcript    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// Save inserts or replaces a run.
func (s *Store) Save(ctx context.Context, r Run) error {
	data, err := json.Marshal(r.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
			(run_id, agent, user_id, goal, status, reason, steps, final, error,
			 input_tokens, output_tokens, started_at, elapsed_ms, transcript)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Agent, r.User, r.Goal, r.Status, r.Reason, r.Steps,
		nullString(r.Final), nullString(r.Error),
		r.InputTokens, r.OutputTokens,
		r.StartedAt.UTC().Format(tsLayout),
		r.Elapsed.Milliseconds(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

const columns = `run_id, agent, user_id, goal, status, reason, steps, final, error,
	input_tokens, output_tokens, started_at, elapsed_ms`

type scanner interface{ Scan(...any) error }

func scanRun(row scanner, extra ...any) (*Run, error) {
	var (
		r         Run
		final, e  sql.NullString
		started   string
		elapsedMS int64
	)
	dest := []any{&r.RunID, &r.Agent, &r.User, &r.Goal, &r.Status, &r.Reason, &r.Steps,
		&final, &e, &r.InputTokens, &r.OutputTokens, &started, &elapsedMS}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.Final = final.String
	r.Error = e.String
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	ts, err := time.Parse(tsLayout, started)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", started, err)
	}
	r.StartedAt = ts
	return &r, nil
}

// Get returns a run with its transcript.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+`, transcript FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(data), &r.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", runID, err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first, without transcripts.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteBefore removes runs started before t and reports how many
// were removed.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, t.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
