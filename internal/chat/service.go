package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/prompt"
	"github.com/beeweed/vibecoder/internal/protocol"
	"github.com/beeweed/vibecoder/internal/provider"
	"github.com/beeweed/vibecoder/internal/store"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// ErrEmptyMessage is returned when a request carries no user message.
var ErrEmptyMessage = errors.New("message is required")

// Streamer opens a provider stream. *provider.Streamer satisfies it.
type Streamer interface {
	Stream(ctx context.Context, cfg config.ProviderConfig, req provider.StreamRequest, emit func(provider.Delta)) error
}

// Resolver maps a requested provider and model to configuration.
// *provider.Factory satisfies it.
type Resolver interface {
	Resolve(name, model string) (string, config.ProviderConfig, string, error)
}

// Request is one user turn of a streaming chat.
type Request struct {
	Provider     string             `json:"provider,omitempty"`
	Model        string             `json:"model,omitempty"`
	Message      string             `json:"message"`
	History      []provider.Message `json:"history,omitempty"`
	Temperature  *float32           `json:"temperature,omitempty"`
	MaxTokens    int                `json:"max_tokens,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
}

// Result summarizes a finished stream.
type Result struct {
	RunID      string
	Text       string
	Operations []protocol.FileOperation
	Incomplete bool
}

// Service streams chat completions through the file operation parser and
// applies the resulting operations to a session's file view.
type Service struct {
	resolver Resolver
	streamer Streamer
	parser   *protocol.Parser
	cfg      config.ChatConfig
	runs     *store.RunStore
	logger   *slog.Logger
}

// NewService creates a Service. runs may be nil to skip audit records.
func NewService(resolver Resolver, streamer Streamer, cfg config.ChatConfig, runs *store.RunStore, logger *slog.Logger) *Service {
	return &Service{
		resolver: resolver,
		streamer: streamer,
		parser:   protocol.NewParser(nil),
		cfg:      cfg,
		runs:     runs,
		logger:   logger,
	}
}

// Stream runs one chat turn. Events are emitted in order on the calling
// goroutine. When ctx is cancelled the parser state is dropped without a
// flush, so an operation still being written is never applied.
func (s *Service) Stream(ctx context.Context, sessionID string, view *vfs.FileView, req Request, emit func(Event)) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	providerName, providerCfg, modelName, err := s.resolver.Resolve(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}

	custom := req.SystemPrompt
	if custom == "" {
		custom = s.cfg.SystemPrompt
	}
	system, err := prompt.Render(prompt.Data{Files: view.Paths(), Custom: custom})
	if err != nil {
		return nil, err
	}

	messages := make([]provider.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, provider.Message{Role: "user", Content: req.Message})

	temperature := s.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := s.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	logger := s.logger.With("session_id", sessionID, "provider", providerName, "model", modelName)
	rec := s.openRun(ctx, logger, store.NewRun{
		SessionID: sessionID,
		Kind:      store.RunKindChat,
		Goal:      req.Message,
		Provider:  providerName,
		Model:     modelName,
	})
	result := &Result{RunID: rec.id}
	promptTokens := estimatePrompt(system, messages)

	var (
		state    = s.parser.NewState()
		lastPath string
		text     strings.Builder
	)

	apply := func(op protocol.FileOperation, incomplete bool) {
		ev := Event{Type: EventFileOp, Op: &op, Incomplete: incomplete}
		if err := view.Apply(op); err != nil {
			logger.Warn("file operation not applied", "op", op.Kind, "path", op.Path, "error", err)
			ev.ApplyError = err.Error()
		}
		result.Operations = append(result.Operations, op)
		emit(ev)
	}

	progress := func(path string) {
		if path == lastPath {
			return
		}
		lastPath = path
		emit(Event{Type: EventFileProgress, Path: path})
	}

	streamErr := s.streamer.Stream(ctx, providerCfg, provider.StreamRequest{
		Model:        modelName,
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}, func(d provider.Delta) {
		if d.Content == "" {
			return
		}
		var res protocol.ChunkResult
		state, res = s.parser.ParseChunk(state, d.Content)
		if res.DisplayText != "" {
			text.WriteString(res.DisplayText)
			emit(Event{Type: EventText, Content: res.DisplayText})
		}
		for _, op := range res.NewOperations {
			apply(op, false)
		}
		progress(res.CurrentPath)
	})

	if ctx.Err() != nil {
		logger.Info("chat stream cancelled", "open_path", state.CurrentPath())
		rec.finish(logger, store.RunResult{Status: store.RunStatusCancelled, PromptTokens: promptTokens, Error: ctx.Err().Error()})
		return nil, ctx.Err()
	}
	if streamErr != nil {
		logger.Error("chat stream failed", "error", streamErr)
		emit(Event{Type: EventError, Error: streamErr.Error()})
		rec.finish(logger, store.RunResult{Status: store.RunStatusFailed, PromptTokens: promptTokens, Error: streamErr.Error()})
		result.Text = text.String()
		return result, fmt.Errorf("chat stream: %w", streamErr)
	}

	flushed := s.parser.Flush(state)
	if flushed.DisplayText != "" {
		text.WriteString(flushed.DisplayText)
		emit(Event{Type: EventText, Content: flushed.DisplayText})
	}
	if flushed.Incomplete != nil {
		logger.Warn("stream ended inside a file operation", "op", flushed.Incomplete.Kind, "path", flushed.Incomplete.Path)
		result.Incomplete = true
		apply(*flushed.Incomplete, true)
	}
	progress("")

	result.Text = text.String()
	emit(Event{Type: EventDone, RunID: rec.id, Operations: len(result.Operations)})
	rec.finish(logger, store.RunResult{
		Status:       store.RunStatusDone,
		Iterations:   1,
		PromptTokens: promptTokens,
		Summary:      fmt.Sprintf("%d file operation(s)", len(result.Operations)),
	})
	logger.Info("chat stream completed", "operations", len(result.Operations), "incomplete", result.Incomplete)
	return result, nil
}

func estimatePrompt(system string, messages []provider.Message) int {
	contents := make([]string, 0, len(messages)+1)
	contents = append(contents, system)
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	return prompt.EstimateMessages(contents...)
}

// runRecord writes audit rows for one request. Store failures are logged and
// never fail the request.
type runRecord struct {
	id   string
	ctx  context.Context
	runs *store.RunStore
}

func (s *Service) openRun(ctx context.Context, logger *slog.Logger, in store.NewRun) runRecord {
	rec := runRecord{ctx: context.WithoutCancel(ctx), runs: s.runs}
	if s.runs == nil {
		return rec
	}
	run, err := s.runs.Create(rec.ctx, in)
	if err != nil {
		logger.Error("failed to record run", "error", err)
		return rec
	}
	rec.id = run.ID
	if err := s.runs.MarkRunning(rec.ctx, run.ID); err != nil {
		logger.Error("failed to mark run running", "run_id", run.ID, "error", err)
	}
	return rec
}

func (r runRecord) finish(logger *slog.Logger, res store.RunResult) {
	if r.runs == nil || r.id == "" {
		return
	}
	if err := r.runs.Finish(r.ctx, r.id, res); err != nil {
		logger.Error("failed to finish run", "run_id", r.id, "error", err)
	}
}
