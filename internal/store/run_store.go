// Package store persists run history: one row per pipeline run and one per
// generate/execute/validate attempt, in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"scrapeqa/internal/feedback"
	"scrapeqa/internal/logging"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: run not found")

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// Run is one pipeline invocation.
type Run struct {
	ID         string          `json:"id"`
	Question   string          `json:"question"`
	Status     string          `json:"status"`
	Phase      string          `json:"phase,omitempty"`
	Message    string          `json:"message,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// AttemptRecord is the persisted form of feedback.Attempt.
type AttemptRecord struct {
	RunID           string    `json:"run_id"`
	Phase           string    `json:"phase"`
	Index           int       `json:"index"`
	Prompt          string    `json:"prompt"`
	Code            string    `json:"code"`
	Output          string    `json:"output"`
	ExitCode        int       `json:"exit_code"`
	Killed          bool      `json:"killed"`
	GenerationError string    `json:"generation_error,omitempty"`
	ExecutionError  string    `json:"execution_error,omitempty"`
	Passed          bool      `json:"passed"`
	Diagnostics     []string  `json:"diagnostics,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// RunStore is the SQLite-backed history.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*RunStore, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &RunStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Run store ready at %s", path)
	return s, nil
}

func (s *RunStore) initialize() error {
	schema := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			status TEXT NOT NULL,
			phase TEXT,
			message TEXT,
			answer TEXT,
			attempts INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			attempt_index INTEGER NOT NULL,
			prompt TEXT,
			code TEXT,
			output TEXT,
			exit_code INTEGER,
			killed BOOLEAN,
			generation_error TEXT,
			execution_error TEXT,
			passed BOOLEAN NOT NULL,
			diagnostics TEXT,
			duration_ms INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *RunStore) Path() string {
	return s.dbPath
}

// CreateRun inserts a run in the running state.
func (s *RunStore) CreateRun(ctx context.Context, id, question string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, question, status, created_at) VALUES (?, ?, ?, ?)`,
		id, question, RunRunning, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", id, err)
	}
	logging.StoreDebug("Created run %s", id)
	return nil
}

// FinishRun records the terminal state of a run. answer may be nil.
func (s *RunStore) FinishRun(ctx context.Context, id, status, phase, message string, answer []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var answerText sql.NullString
	if len(answer) > 0 {
		answerText = sql.NullString{String: string(answer), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, phase = ?, message = ?, answer = ?, finished_at = ?,
			attempts = (SELECT COUNT(*) FROM attempts WHERE run_id = ?)
		 WHERE id = ?`,
		status, phase, message, answerText, formatTime(time.Now()), id, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordAttempt appends an attempt to a run.
func (s *RunStore) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	diagnostics, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, phase, attempt_index, prompt, code, output, exit_code,
			killed, generation_error, execution_error, passed, diagnostics, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Phase, rec.Index, rec.Prompt, rec.Code, rec.Output, rec.ExitCode,
		rec.Killed, rec.GenerationError, rec.ExecutionError, rec.Passed, string(diagnostics),
		rec.DurationMs, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record attempt %d of run %s: %w", rec.Index, rec.RunID, err)
	}
	return nil
}

// Recorder adapts the store to the feedback loop for one run.
func (s *RunStore) Recorder(runID string) feedback.Recorder {
	return feedback.RecorderFunc(func(ctx context.Context, a feedback.Attempt) error {
		return s.RecordAttempt(ctx, AttemptFromFeedback(runID, a))
	})
}

// AttemptFromFeedback converts a loop attempt into its stored form.
func AttemptFromFeedback(runID string, a feedback.Attempt) AttemptRecord {
	return AttemptRecord{
		RunID:           runID,
		Phase:           a.Phase,
		Index:           a.Index,
		Prompt:          a.Prompt,
		Code:            a.Code,
		Output:          a.Output,
		ExitCode:        a.ExitCode,
		Killed:          a.Killed,
		GenerationError: a.GenerationError,
		ExecutionError:  a.ExecutionError,
		Passed:          a.Validation.Passed,
		Diagnostics:     a.Validation.Diagnostics,
		DurationMs:      a.Duration.Milliseconds(),
		CreatedAt:       a.StartedAt,
	}
}

const runColumns = `id, question, status, phase, message, answer, attempts, created_at, finished_at`

// GetRun returns one run.
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 50.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetAttempts returns a run's attempts in execution order.
func (s *RunStore) GetAttempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase, attempt_index, prompt, code, output, exit_code, killed,
			generation_error, execution_error, passed, diagnostics, duration_ms, created_at
		 FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempts of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var prompt, code, output, genErr, execErr, diagnostics sql.NullString
		var exitCode, durationMs sql.NullInt64
		var killed sql.NullBool
		var created string
		if err := rows.Scan(&rec.RunID, &rec.Phase, &rec.Index, &prompt, &code, &output,
			&exitCode, &killed, &genErr, &execErr, &rec.Passed, &diagnostics, &durationMs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		rec.Prompt = prompt.String
		rec.Code = code.String
		rec.Output = output.String
		rec.ExitCode = int(exitCode.Int64)
		rec.Killed = killed.Bool
		rec.GenerationError = genErr.String
		rec.ExecutionError = execErr.String
		rec.DurationMs = durationMs.Int64
		rec.CreatedAt = parseTime(created)
		if diagnostics.Valid && diagnostics.String != "" && diagnostics.String != "null" {
			if err := json.Unmarshal([]byte(diagnostics.String), &rec.Diagnostics); err != nil {
				logging.StoreWarn("Bad diagnostics on attempt %d of %s: %v", rec.Index, runID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var phase, message, answer, finished sql.NullString
	var created string
	if err := sc.Scan(&run.ID, &run.Question, &run.Status, &phase, &message, &answer,
		&run.Attempts, &created, &finished); err != nil {
		return nil, err
	}
	run.Phase = phase.String
	run.Message = message.String
	if answer.Valid && strings.TrimSpace(answer.String) != "" {
		run.Answer = json.RawMessage(answer.String)
	}
	run.CreatedAt = parseTime(created)
	if finished.Valid && finished.String != "" {
		t := parseTime(finished.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
