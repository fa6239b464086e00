// Package outcomelog persists one row per finished classification, sync or
// queued, to SQLite or Postgres for operator reporting.
package outcomelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/logging"
)

// Entry is one finished request.
type Entry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Source     string    `json:"source"`
	Label      string    `json:"label,omitempty"`
	Valid      bool      `json:"valid"`
	Credential int       `json:"credential"`
	Mode       string    `json:"mode,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query filters List. A zero Limit means 50.
type Query struct {
	Source string
	Label  string
	Failed bool
	Since  time.Time
	Limit  int
	Offset int
}

// ListResult is a page of entries plus the total match count.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// Stats aggregates outcomes.
type Stats struct {
	Total   int            `json:"total"`
	Failed  int            `json:"failed"`
	ByLabel map[string]int `json:"by_label"`
}

// Writer persists and reads outcome entries.
type Writer interface {
	Write(ctx context.Context, e Entry) error
	List(ctx context.Context, q Query) (ListResult, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
	Close() error
}

// ErrDisabled is returned by the reads of a NoopWriter.
var ErrDisabled = errors.New("outcome log is disabled")

// NoopWriter drops every write.
type NoopWriter struct{}

func (NoopWriter) Write(context.Context, Entry) error { return nil }

func (NoopWriter) List(context.Context, Query) (ListResult, error) {
	return ListResult{}, ErrDisabled
}

func (NoopWriter) Stats(context.Context, time.Time) (Stats, error) { return Stats{}, ErrDisabled }

func (NoopWriter) Close() error { return nil }

// Open returns the writer for driver ("sqlite", "postgres" or "" for none).
func Open(driver, dsn string) (Writer, error) {
	switch driver {
	case "":
		return NoopWriter{}, nil
	case "sqlite":
		return NewSQLiteWriter(dsn)
	case "postgres":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unknown outcome log driver %q", driver)
	}
}

// SQLWriter persists entries to SQLite or Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "capgate-outcomes.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite outcome log: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres outcome log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s outcome log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY,
	request_id TEXT,
	trace_id TEXT,
	source TEXT NOT NULL,
	label TEXT,
	valid INTEGER NOT NULL,
	credential INTEGER NOT NULL,
	mode TEXT,
	attempts INTEGER NOT NULL,
	error_message TEXT,
	latency_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS outcomes (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT,
	trace_id TEXT,
	source TEXT NOT NULL,
	label TEXT,
	valid INTEGER NOT NULL,
	credential INTEGER NOT NULL,
	mode TEXT,
	attempts INTEGER NOT NULL,
	error_message TEXT,
	latency_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}
	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize outcome log schema: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $n for Postgres.
func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (w *SQLWriter) Write(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	valid := 0
	if e.Valid {
		valid = 1
	}
	_, err := w.db.ExecContext(ctx, w.bind(`INSERT INTO outcomes(request_id, trace_id, source, label, valid, credential, mode, attempts, error_message, latency_ms, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.RequestID, e.TraceID, e.Source, e.Label, valid, e.Credential,
		e.Mode, e.Attempts, e.Error, e.LatencyMS, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}

func (w *SQLWriter) where(q Query) (string, []any) {
	var conds []string
	var args []any
	if q.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, q.Source)
	}
	if q.Label != "" {
		conds = append(conds, "label = ?")
		args = append(args, q.Label)
	}
	if q.Failed {
		conds = append(conds, "error_message <> ''")
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	where, args := w.where(q)

	var out ListResult
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM outcomes"+where), args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("count outcomes: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT id, request_id, trace_id, source, label, valid, credential, mode, attempts, error_message, latency_ms, created_at
	FROM outcomes`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return out, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	out.Data = make([]Entry, 0, q.Limit)
	for rows.Next() {
		var (
			e                                   Entry
			requestID, traceID, label, mode, em sql.NullString
			valid                               int
		)
		if err := rows.Scan(&e.ID, &requestID, &traceID, &e.Source, &label, &valid, &e.Credential,
			&mode, &e.Attempts, &em, &e.LatencyMS, &e.CreatedAt); err != nil {
			return out, fmt.Errorf("scan outcome: %w", err)
		}
		e.RequestID, e.TraceID, e.Label, e.Mode, e.Error = requestID.String, traceID.String, label.String, mode.String, em.String
		e.Valid = valid == 1
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// Stats counts outcomes since the given time (all time when zero).
func (w *SQLWriter) Stats(ctx context.Context, since time.Time) (Stats, error) {
	where, args := w.where(Query{Since: since})
	st := Stats{ByLabel: map[string]int{}}

	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT COALESCE(label, ''), COUNT(*),
	SUM(CASE WHEN error_message <> '' THEN 1 ELSE 0 END) FROM outcomes`+where+` GROUP BY COALESCE(label, '')`), args...)
	if err != nil {
		return st, fmt.Errorf("outcome stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label         string
			count, failed int
		)
		if err := rows.Scan(&label, &count, &failed); err != nil {
			return st, fmt.Errorf("scan outcome stats: %w", err)
		}
		st.Total += count
		st.Failed += failed
		if label != "" {
			st.ByLabel[label] = count
		}
	}
	return st, rows.Err()
}

// DeleteBefore removes entries older than cutoff.
func (w *SQLWriter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind("DELETE FROM outcomes WHERE created_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete outcomes: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// FromEvent converts a gateway event into an entry.
func FromEvent(ev capgate.Event) Entry {
	e := Entry{
		RequestID: ev.RequestID,
		TraceID:   ev.TraceID,
		Source:    ev.Source,
		LatencyMS: ev.Latency.Milliseconds(),
		CreatedAt: ev.FinishedAt,
	}
	if ev.Result != nil {
		e.Credential = ev.Result.Credential
		e.Mode = ev.Result.Mode
		e.Attempts = ev.Result.Attempts
		if ev.Result.Classification != nil {
			e.Label = string(ev.Result.Label)
			e.Valid = ev.Result.Valid
		}
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
		var se *capgate.SweepError
		if errors.As(ev.Err, &se) {
			e.Attempts = se.Called
		}
	}
	return e
}

// Hook returns a gateway hook that records every finished request in w.
func Hook(w Writer) capgate.EventHookFunc {
	return func(ctx context.Context, ev capgate.Event) {
		if err := w.Write(ctx, FromEvent(ev)); err != nil {
			logging.FromContext(ctx).Warn("outcome log write failed", "error", err)
		}
	}
}
