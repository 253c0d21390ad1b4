package store

import (
	"context"
	"encoding/json"
	"testing"
)

func TestStepStoreCompleteRecordsOutput(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	runStore := NewRunStore(db)
	run, err := runStore.Create(ctx, NewRun{SessionID: "s1", Kind: RunKindAgent, Goal: "goal", Provider: "p", Model: "m"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	stepStore := NewStepStore(db)
	tool := "read_file"
	step, err := stepStore.Append(ctx, run.ID, 1, StepPhaseTool, &tool, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("append step: %v", err)
	}
	if _, err := stepStore.Append(ctx, run.ID, 2, StepPhaseDone, nil, nil); err != nil {
		t.Fatalf("append done step: %v", err)
	}

	errMsg := "file not found: a.txt"
	if err := stepStore.Complete(ctx, step.ID, StepStatusError, json.RawMessage(`{"status":"error"}`), &errMsg); err != nil {
		t.Fatalf("complete step: %v", err)
	}

	steps, err := stepStore.GetByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected two steps, got %d", len(steps))
	}
	got := steps[0]
	if got.Status != StepStatusError {
		t.Fatalf("status = %s, want %s", got.Status, StepStatusError)
	}
	if got.Tool == nil || *got.Tool != "read_file" {
		t.Fatalf("tool = %v, want read_file", got.Tool)
	}
	if string(got.ToolInput) != `{"path":"a.txt"}` {
		t.Fatalf("tool_input = %s", got.ToolInput)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Fatalf("error = %v, want %q", got.Error, errMsg)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if steps[1].Status != StepStatusPending || steps[1].ToolInput != nil {
		t.Fatalf("second step = %+v, want pending without input", steps[1])
	}
}
