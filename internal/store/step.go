package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepPhase represents what part of a run a step records.
type StepPhase string

const (
	StepPhaseModel  StepPhase = "model"
	StepPhaseFileOp StepPhase = "file_op"
	StepPhaseTool   StepPhase = "tool"
	StepPhaseDone   StepPhase = "done"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusOK      StepStatus = "ok"
	StepStatusError   StepStatus = "error"
)

// Step represents a single step in a run.
type Step struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	StepNum     int             `json:"step_num"`
	Phase       StepPhase       `json:"phase"`
	Tool        *string         `json:"tool,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
	Status      StepStatus      `json:"status"`
	Error       *string         `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StepStore provides operations on the steps table.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates a new StepStore.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

// Append inserts a new pending step for a run.
func (s *StepStore) Append(ctx context.Context, runID string, stepNum int, phase StepPhase, tool *string, toolInput json.RawMessage) (*Step, error) {
	now := time.Now().UTC()
	step := &Step{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepNum:   stepNum,
		Phase:     phase,
		Tool:      tool,
		ToolInput: toolInput,
		Status:    StepStatusPending,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_num, phase, tool, tool_input, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepNum, string(step.Phase),
		step.Tool, nullJSON(step.ToolInput), string(step.Status),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	return step, nil
}

// Complete sets a step's final status and output.
func (s *StepStore) Complete(ctx context.Context, id string, status StepStatus, toolOutput json.RawMessage, errMsg *string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, tool_output = COALESCE(?, tool_output), error = COALESCE(?, error),
		 completed_at = ? WHERE id = ?`,
		string(status), nullJSON(toolOutput), errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	return nil
}

// GetByRunID retrieves all steps for a run, ordered by step_num.
func (s *StepStore) GetByRunID(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_num, phase, tool, tool_input, tool_output, status, error, completed_at, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_num ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get steps by run: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanStep(s scanner) (*Step, error) {
	var step Step
	var phase, status string
	var tool sql.NullString
	var toolInputJSON sql.NullString
	var toolOutputJSON sql.NullString
	var errMsg sql.NullString
	var completedAt, createdAt *string

	err := s.Scan(&step.ID, &step.RunID, &step.StepNum, &phase,
		&tool, &toolInputJSON, &toolOutputJSON, &status,
		&errMsg, &completedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if tool.Valid {
		v := tool.String
		step.Tool = &v
	}
	if toolInputJSON.Valid && toolInputJSON.String != "" {
		step.ToolInput = json.RawMessage(toolInputJSON.String)
	}
	if toolOutputJSON.Valid && toolOutputJSON.String != "" {
		step.ToolOutput = json.RawMessage(toolOutputJSON.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		step.Error = &v
	}

	step.Phase = StepPhase(phase)
	step.Status = StepStatus(status)
	step.CompletedAt = parseTime(completedAt)
	if t := parseTime(createdAt); t != nil {
		step.CreatedAt = *t
	}
	return &step, nil
}
