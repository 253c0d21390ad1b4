package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/provider"
	"github.com/beeweed/vibecoder/internal/store"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// ModelFactory resolves providers and builds chat models.
// *provider.Factory satisfies it.
type ModelFactory interface {
	Resolve(name, model string) (string, config.ProviderConfig, string, error)
	ChatModel(ctx context.Context, name string, params provider.Params) (model.BaseChatModel, error)
}

// Runner executes agent loops and records each one as a run with steps.
type Runner struct {
	models    ModelFactory
	cfg       config.AgentConfig
	runStore  *store.RunStore
	stepStore *store.StepStore
	logger    *slog.Logger
}

// NewRunner creates a new Runner. The stores may be nil to skip auditing.
func NewRunner(models ModelFactory, cfg config.AgentConfig, runStore *store.RunStore, stepStore *store.StepStore, logger *slog.Logger) *Runner {
	return &Runner{
		models:    models,
		cfg:       cfg,
		runStore:  runStore,
		stepStore: stepStore,
		logger:    logger,
	}
}

// RecoverRuns fails runs a previous process left running or queued. Agent
// runs are bound to the HTTP request that started them, so there is nothing
// to resume.
func (r *Runner) RecoverRuns(ctx context.Context) error {
	if r.runStore == nil {
		return nil
	}
	for _, status := range []store.RunStatus{store.RunStatusRunning, store.RunStatusQueued} {
		stale, err := r.runStore.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, run := range stale {
			r.logger.Warn("run interrupted by restart",
				"run_id", run.ID,
				"session_id", run.SessionID,
				"kind", run.Kind,
				"status", run.Status,
			)
		}
	}
	n, err := r.runStore.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("marked interrupted runs failed", "count", n)
	}
	return nil
}

// Run executes one agent request against view, forwarding every event to
// emit with the run id attached.
func (r *Runner) Run(ctx context.Context, sessionID string, view *vfs.FileView, req Request, emit func(Event)) (Outcome, error) {
	providerName, _, modelName, err := r.models.Resolve(req.Provider, req.Model)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}, err
	}

	chatModel, err := r.models.ChatModel(ctx, providerName, provider.Params{
		Model:       modelName,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}, err
	}

	logger := r.logger.With("session_id", sessionID, "provider", providerName, "model", modelName)
	rec := r.openRun(ctx, logger, store.NewRun{
		SessionID: sessionID,
		Kind:      store.RunKindAgent,
		Goal:      req.Goal,
		Provider:  providerName,
		Model:     modelName,
	})
	if rec.runID != "" {
		logger = logger.With("run_id", rec.runID)
	}

	start := time.Now()
	loop := NewLoop(chatModel, view, r.cfg, logger)
	outcome := loop.Run(ctx, req, func(ev Event) {
		ev.RunID = rec.runID
		rec.observe(ev)
		emit(ev)
	})

	status := store.RunStatusDone
	switch {
	case outcome.Status == StatusIterationCap:
		status = store.RunStatusIterationCap
	case outcome.Err != nil && errors.Is(outcome.Err, context.Canceled):
		status = store.RunStatusCancelled
	case outcome.Status == StatusFailed:
		status = store.RunStatusFailed
	}
	res := store.RunResult{
		Status:       status,
		Iterations:   outcome.Iterations,
		PromptTokens: outcome.PromptTokens,
		Summary:      outcome.Summary,
	}
	if outcome.Err != nil {
		res.Error = outcome.Err.Error()
	}
	rec.finish(res)

	logger.Info("agent run finished",
		"status", outcome.Status,
		"outcome", outcome.Describe(),
		"duration", time.Since(start),
	)
	return outcome, outcome.Err
}

// runRecorder mirrors loop events into run and step rows. Store failures
// are logged and never fail the run.
type runRecorder struct {
	ctx       context.Context
	runID     string
	runStore  *store.RunStore
	stepStore *store.StepStore
	logger    *slog.Logger
	stepNum   int
	pending   map[string]*store.Step
}

func (r *Runner) openRun(ctx context.Context, logger *slog.Logger, in store.NewRun) *runRecorder {
	rec := &runRecorder{
		ctx:       context.WithoutCancel(ctx),
		runStore:  r.runStore,
		stepStore: r.stepStore,
		logger:    logger,
		pending:   make(map[string]*store.Step),
	}
	if r.runStore == nil {
		return rec
	}
	run, err := r.runStore.Create(rec.ctx, in)
	if err != nil {
		logger.Error("failed to record run", "error", err)
		return rec
	}
	rec.runID = run.ID
	if err := r.runStore.MarkRunning(rec.ctx, run.ID); err != nil {
		logger.Error("failed to mark run running", "run_id", run.ID, "error", err)
	}
	return rec
}

func (rec *runRecorder) observe(ev Event) {
	if rec.runID == "" {
		return
	}
	switch ev.Type {
	case EventIterationStarted:
		if err := rec.runStore.UpdateProgress(rec.ctx, rec.runID, ev.Iteration, ev.PromptTokens); err != nil {
			rec.logger.Error("failed to update run progress", "error", err)
		}
		rec.step(store.StepPhaseModel, nil, nil, store.StepStatusOK, nil, "")
	case EventFileOp:
		input, _ := json.Marshal(ev.Op)
		status := store.StepStatusOK
		if ev.ApplyError != "" {
			status = store.StepStatusError
		}
		rec.step(store.StepPhaseFileOp, nil, input, status, nil, ev.ApplyError)
	case EventToolCallStarted:
		name := ev.Name
		input, _ := json.Marshal(ev.Args)
		if step := rec.append(store.StepPhaseTool, &name, input); step != nil {
			rec.pending[ev.Name] = step
		}
	case EventToolCallResult:
		step, ok := rec.pending[ev.Name]
		if !ok {
			return
		}
		delete(rec.pending, ev.Name)
		status := store.StepStatusOK
		if ev.IsError {
			status = store.StepStatusError
		}
		rec.complete(step, status, json.RawMessage(ev.Result), "")
	case EventDone:
		summary, _ := json.Marshal(map[string]string{"summary": ev.Summary})
		rec.step(store.StepPhaseDone, nil, nil, store.StepStatusOK, summary, "")
	}
}

func (rec *runRecorder) append(phase store.StepPhase, tool *string, input json.RawMessage) *store.Step {
	if rec.stepStore == nil {
		return nil
	}
	rec.stepNum++
	step, err := rec.stepStore.Append(rec.ctx, rec.runID, rec.stepNum, phase, tool, input)
	if err != nil {
		rec.logger.Error("failed to record step", "phase", phase, "error", err)
		return nil
	}
	return step
}

func (rec *runRecorder) complete(step *store.Step, status store.StepStatus, output json.RawMessage, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if len(output) > 0 && !json.Valid(output) {
		output, _ = json.Marshal(string(output))
	}
	if err := rec.stepStore.Complete(rec.ctx, step.ID, status, output, msg); err != nil {
		rec.logger.Error("failed to complete step", "step_id", step.ID, "error", err)
	}
}

func (rec *runRecorder) step(phase store.StepPhase, tool *string, input json.RawMessage, status store.StepStatus, output json.RawMessage, errMsg string) {
	if step := rec.append(phase, tool, input); step != nil {
		rec.complete(step, status, output, errMsg)
	}
}

func (rec *runRecorder) finish(res store.RunResult) {
	if rec.runStore == nil || rec.runID == "" {
		return
	}
	if err := rec.runStore.Finish(rec.ctx, rec.runID, res); err != nil {
		rec.logger.Error("failed to finish run", "error", err)
	}
}

// Describe renders an outcome for logs and CLI status lines.
func (o Outcome) Describe() string {
	switch o.Status {
	case StatusDone:
		return fmt.Sprintf("done after %d iteration(s)", o.Iterations)
	case StatusIterationCap:
		return fmt.Sprintf("stopped at the %d iteration cap; try a narrower request", o.Iterations)
	default:
		if o.Err != nil {
			return "failed: " + o.Err.Error()
		}
		return "failed"
	}
}
