// Package usage keeps an append-only ledger of model token usage, one
// row per model call, so operators can see what a conversation cost
// after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sage/internal/events"
)

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one model call.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id"`
	Phase        string    `json:"phase"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Summary aggregates records over a window.
type Summary struct {
	Calls        int   `json:"calls"`
	Turns        int   `json:"turns"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is the ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens the ledger at path with the named database/sql driver.
func Open(driver, path string) (*Store, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		trace_id      TEXT NOT NULL,
		phase         TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_trace ON usage_records(trace_id);
	`)
	return err
}

// Record appends rec, assigning a UUIDv7 id and the current time when
// they are unset.
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
		`INSERT INTO usage_records (id, timestamp, trace_id, phase, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.TraceID,
		rec.Phase,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT trace_id), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	).Scan(&sum.Calls, &sum.Turns, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryByModel totals records in [start, end) per model.
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COUNT(DISTINCT trace_id), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Calls, &sum.Turns, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		out[model] = sum
	}
	return out, rows.Err()
}

// ForTrace returns one turn's records in call order.
func (s *Store) ForTrace(ctx context.Context, traceID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, trace_id, phase, model, input_tokens, output_tokens
		 FROM usage_records WHERE trace_id = ? ORDER BY timestamp, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query usage for trace: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.TraceID, &r.Phase, &r.Model, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if r.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse usage timestamp %q: %w", ts, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Watch records every model response published on bus until ctx is
// cancelled. Write failures are logged and dropped.
func (s *Store) Watch(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			rec, ok := FromEvent(e)
			if !ok {
				continue
			}
			if err := s.Record(ctx, rec); err != nil {
				logger.Warn("usage record dropped", "trace_id", rec.TraceID, "error", err)
			}
		}
	}
}

// FromEvent converts a model response event into a Record.
func FromEvent(e events.Event) (Record, bool) {
	if e.Kind != events.KindLLMResponse {
		return Record{}, false
	}
	str := func(k string) string {
		v, _ := e.Data[k].(string)
		return v
	}
	return Record{
		Timestamp:    e.Timestamp,
		TraceID:      str("trace_id"),
		Phase:        str("phase"),
		Model:        str("model"),
		InputTokens:  asInt(e.Data["tokens_in"]),
		OutputTokens: asInt(e.Data["tokens_out"]),
	}, true
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
