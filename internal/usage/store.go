// Package usage records the token usage of every decision call so runs
// can be costed and compared after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/wayfinder/internal/config"
)

// tsLayout has fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Record is the usage of one decision call.
type Record struct {
	ID            string
	Timestamp     time.Time
	RunID         string
	CorrelationID string
	Agent         string
	Model         string
	Provider      string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is an append-only ledger in SQLite. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema on db if needed. The caller owns db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS decision_usage (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		run_id         TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		agent          TEXT NOT NULL,
		model          TEXT NOT NULL,
		provider       TEXT NOT NULL,
		input_tokens   INTEGER NOT NULL,
		output_tokens  INTEGER NOT NULL,
		cost_usd       REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_usage_timestamp ON decision_usage(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decision_usage_run ON decision_usage(run_id);
	`)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_usage
			(id, timestamp, run_id, correlation_id, agent, model, provider,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.RunID,
		rec.CorrelationID,
		rec.Agent,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const sumColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

func scanSummary(row interface{ Scan(...any) error }, sum *Summary, extra ...any) error {
	dest := append(extra, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD)
	return row.Scan(dest...)
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sumColumns+` FROM decision_usage WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	var sum Summary
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// RunSummary returns totals for one run.
func (s *Store) RunSummary(ctx context.Context, runID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sumColumns+` FROM decision_usage WHERE run_id = ?`, runID)
	var sum Summary
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("query run usage: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByAgent returns per-agent totals within [start, end).
func (s *Store) SummaryByAgent(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "agent", start, end)
}

// column is always one of our own constants.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), %s
		 FROM decision_usage
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, sumColumns, column,
	)
	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := scanSummary(rows, &sum, &key); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// ComputeCost prices a call from the pricing table. Unknown models are
// free, which covers local models.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000.0*entry.InputPerMillion +
		float64(outputTokens)/1_000_000.0*entry.OutputPerMillion
}
