package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no run matches the requested id.
var ErrRunNotFound = errors.New("run not found")

// RunKind distinguishes streaming chat requests from agent loop requests.
type RunKind string

const (
	RunKindChat  RunKind = "chat"
	RunKindAgent RunKind = "agent"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusRunning      RunStatus = "running"
	RunStatusDone         RunStatus = "done"
	RunStatusFailed       RunStatus = "failed"
	RunStatusIterationCap RunStatus = "iteration_cap"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusDone, RunStatusFailed, RunStatusIterationCap, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is the audit record of one chat or agent request. Conversation content
// is deliberately absent; only outcomes are kept.
type Run struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Kind         RunKind    `json:"kind"`
	Goal         string     `json:"goal"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Status       RunStatus  `json:"status"`
	Iterations   int        `json:"iterations"`
	PromptTokens int        `json:"prompt_tokens"`
	Summary      *string    `json:"summary,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewRun holds the fields supplied when a run is opened.
type NewRun struct {
	SessionID string
	Kind      RunKind
	Goal      string
	Provider  string
	Model     string
}

// RunResult is the terminal outcome written by Finish.
type RunResult struct {
	Status       RunStatus
	Iterations   int
	PromptTokens int
	Summary      string
	Error        string
}

// RunFilter narrows List. Zero values match everything.
type RunFilter struct {
	SessionID string
	Status    RunStatus
	Limit     int
}

// RunStore provides CRUD operations on the runs table.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, session_id, kind, goal, provider, model, status, iterations, prompt_tokens,
	summary, error, started_at, completed_at, updated_at, created_at`

// Create inserts a new queued run.
func (s *RunStore) Create(ctx context.Context, in NewRun) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		SessionID: in.SessionID,
		Kind:      in.Kind,
		Goal:      in.Goal,
		Provider:  in.Provider,
		Model:     in.Model,
		Status:    RunStatusQueued,
		UpdatedAt: now,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, kind, goal, provider, model, status, updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, string(run.Kind), run.Goal, run.Provider, run.Model,
		string(run.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetByID retrieves a run by its ID.
func (s *RunStore) GetByID(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListByStatus retrieves all runs with the given status, oldest first.
func (s *RunStore) ListByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// List retrieves runs matching f, newest first.
func (s *RunStore) List(ctx context.Context, f RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// MarkRunning moves a run to running and stamps started_at.
func (s *RunStore) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ? WHERE id = ?`,
		string(RunStatusRunning), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// UpdateProgress records the iteration count and latest prompt token estimate.
func (s *RunStore) UpdateProgress(ctx context.Context, id string, iterations, promptTokens int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET iterations = ?, prompt_tokens = ?, updated_at = ? WHERE id = ?`,
		iterations, promptTokens, now, id,
	)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// Finish writes the terminal outcome of a run.
func (s *RunStore) Finish(ctx context.Context, id string, res RunResult) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("finish run: status %q is not terminal", res.Status)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, iterations = ?, prompt_tokens = ?, summary = ?, error = ?,
		 completed_at = ?, updated_at = ? WHERE id = ?`,
		string(res.Status), res.Iterations, res.PromptTokens, nullString(res.Summary), nullString(res.Error),
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// MarkInterrupted fails every run left running or queued by a previous
// process. It returns the number of runs touched.
func (s *RunStore) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = 'interrupted', completed_at = ?, updated_at = ?
		 WHERE status IN (?, ?)`,
		string(RunStatusFailed), now, now, string(RunStatusRunning), string(RunStatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var kind, status string
	var summary sql.NullString
	var errMsg sql.NullString
	var startedAt, completedAt, updatedAt, createdAt *string

	err := s.Scan(&r.ID, &r.SessionID, &kind, &r.Goal, &r.Provider, &r.Model,
		&status, &r.Iterations, &r.PromptTokens, &summary, &errMsg,
		&startedAt, &completedAt, &updatedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if summary.Valid {
		v := summary.String
		r.Summary = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		r.Error = &v
	}

	r.Kind = RunKind(kind)
	r.Status = RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	if t := parseTime(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
