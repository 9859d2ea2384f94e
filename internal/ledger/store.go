// Package ledger keeps a sqlite history of invocations, their state
// transitions and failures, next to the concatenation's artifacts.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an invocation does not exist.
var ErrNotFound = errors.New("invocation not found")

// Ledger is the invocation history database.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		concat TEXT NOT NULL,
		highpass TEXT NOT NULL,
		runs_json TEXT NOT NULL,
		backend TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		invocation_id TEXT NOT NULL REFERENCES invocations(id),
		modality TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS failures (
		invocation_id TEXT PRIMARY KEY REFERENCES invocations(id),
		kind TEXT NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		exit_code INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_invocation ON transitions(invocation_id, seq);
	`
	_, err := l.db.Exec(schema)
	return err
}

// NewInvocationID returns a fresh random identifier.
func NewInvocationID() string { return uuid.NewString() }

// Start records a new running invocation. Missing ID and start time are filled in.
func (l *Ledger) Start(ctx context.Context, inv Invocation) (Invocation, error) {
	if inv.ID == "" {
		inv.ID = NewInvocationID()
	}
	if inv.StartTime.IsZero() {
		inv.StartTime = time.Now().UTC()
	}
	if inv.Status == "" {
		inv.Status = StatusRunning
	}
	if err := inv.Validate(); err != nil {
		return Invocation{}, fmt.Errorf("invalid invocation: %w", err)
	}
	runs, err := json.Marshal(inv.Runs)
	if err != nil {
		return Invocation{}, err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO invocations (id, subject, concat, highpass, runs_json, backend, start_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Subject, inv.Concat, inv.HighPass, string(runs), inv.Backend,
		formatTime(inv.StartTime), string(inv.Status))
	if err != nil {
		return Invocation{}, fmt.Errorf("record invocation: %w", err)
	}
	return inv, nil
}

// RecordTransition appends a state change for the invocation.
func (l *Ledger) RecordTransition(ctx context.Context, id string, t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transitions (invocation_id, modality, from_state, to_state, at)
		VALUES (?, ?, ?, ?, ?)`,
		id, t.Modality, t.From, t.To, formatTime(t.At))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordFailure classifies err and stores it as the invocation's failure.
func (l *Ledger) RecordFailure(ctx context.Context, id string, err error) error {
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO failures (invocation_id, kind, stage, message, exit_code)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(f.Kind), f.Stage, f.Message, f.ExitCode)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Finish marks the invocation as ended with status.
func (l *Ledger) Finish(ctx context.Context, id string, status Status) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, end_time = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Invocation loads one invocation.
func (l *Ledger) Invocation(ctx context.Context, id string) (Invocation, error) {
	var (
		inv         Invocation
		runs, start string
		end         sql.NullString
		status      string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, subject, concat, highpass, runs_json, backend, start_time, end_time, status
		FROM invocations WHERE id = ?`, id).
		Scan(&inv.ID, &inv.Subject, &inv.Concat, &inv.HighPass, &runs, &inv.Backend, &start, &end, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Invocation{}, ErrNotFound
	}
	if err != nil {
		return Invocation{}, err
	}
	if err := json.Unmarshal([]byte(runs), &inv.Runs); err != nil {
		return Invocation{}, fmt.Errorf("decode runs: %w", err)
	}
	if inv.StartTime, err = parseTime(start); err != nil {
		return Invocation{}, err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return Invocation{}, err
		}
		inv.EndTime = &t
	}
	inv.Status = Status(status)
	return inv, nil
}

// Transitions returns the invocation's transitions in recording order.
func (l *Ledger) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT modality, from_state, to_state, at FROM transitions
		WHERE invocation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at string
		if err := rows.Scan(&t.Modality, &t.From, &t.To, &at); err != nil {
			return nil, err
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Failure returns the recorded failure, or nil when the invocation has none.
func (l *Ledger) Failure(ctx context.Context, id string) (*Failure, error) {
	var f Failure
	var kind string
	err := l.db.QueryRowContext(ctx, `
		SELECT kind, stage, message, exit_code FROM failures WHERE invocation_id = ?`, id).
		Scan(&kind, &f.Stage, &f.Message, &f.ExitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Kind = FailureKind(kind)
	return &f, nil
}

// Latest returns the most recent invocation IDs, newest first.
func (l *Ledger) Latest(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM invocations ORDER BY start_time DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
