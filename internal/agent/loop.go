package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/localtools"
	"github.com/beeweed/vibecoder/internal/prompt"
	"github.com/beeweed/vibecoder/internal/protocol"
	"github.com/beeweed/vibecoder/internal/provider"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// ErrIterationCap is returned when the model keeps calling tools past the
// iteration limit. It is an expected outcome, not a transport failure.
var ErrIterationCap = errors.New("iteration cap reached")

// ErrEmptyGoal is returned when a request carries no goal.
var ErrEmptyGoal = errors.New("goal is required")

// Status is the terminal state of a loop run.
type Status string

const (
	StatusDone         Status = "done"
	StatusIterationCap Status = "iteration_cap"
	StatusFailed       Status = "failed"
)

// Request is one user request handed to the agent loop.
type Request struct {
	Provider      string             `json:"provider,omitempty"`
	Model         string             `json:"model,omitempty"`
	Goal          string             `json:"goal"`
	History       []provider.Message `json:"history,omitempty"`
	Temperature   *float32           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	SystemPrompt  string             `json:"system_prompt,omitempty"`
	MaxIterations int                `json:"max_iterations,omitempty"`
}

// Outcome is the result of a loop run.
type Outcome struct {
	Status       Status
	Iterations   int
	PromptTokens int
	Summary      string
	Files        []vfs.File
	Err          error
}

// Loop drives the model through bounded rounds of file operations and tool
// calls against one session's file view.
type Loop struct {
	chatModel model.BaseChatModel
	view      *vfs.FileView
	tools     []tool.BaseTool
	byName    map[string]tool.InvokableTool
	parser    *protocol.Parser
	cfg       config.AgentConfig
	logger    *slog.Logger
}

// NewLoop creates a Loop whose tools read from view.
func NewLoop(chatModel model.BaseChatModel, view *vfs.FileView, cfg config.AgentConfig, logger *slog.Logger) *Loop {
	fileTools := localtools.BuildFileTools(view)
	l := &Loop{
		chatModel: chatModel,
		view:      view,
		tools:     make([]tool.BaseTool, 0, len(fileTools)),
		byName:    make(map[string]tool.InvokableTool, len(fileTools)),
		parser:    protocol.NewParser(nil),
		cfg:       cfg,
		logger:    logger,
	}
	for _, ft := range fileTools {
		ft = ft.WithObserver(l.observeTool)
		l.tools = append(l.tools, ft)
		l.byName[ft.Name()] = ft
	}
	return l
}

func (l *Loop) observeTool(name, input, output, status string) {
	l.logger.Debug("tool invoked", "tool", name, "input", input, "status", status, "output_bytes", len(output))
}

// maxIterations resolves the cap for one request. Requests and config may
// only lower the hard ceiling.
func (l *Loop) maxIterations(req Request) int {
	n := config.MaxAgentIterations
	if l.cfg.MaxIterations > 0 && l.cfg.MaxIterations < n {
		n = l.cfg.MaxIterations
	}
	if req.MaxIterations > 0 && req.MaxIterations < n {
		n = req.MaxIterations
	}
	return n
}

// Run executes the loop until the model answers without tool calls, the
// iteration cap is hit, or the model call fails. emit is called on the
// calling goroutine.
func (l *Loop) Run(ctx context.Context, req Request, emit func(Event)) Outcome {
	if strings.TrimSpace(req.Goal) == "" {
		emit(Event{Type: EventError, Error: ErrEmptyGoal.Error()})
		return Outcome{Status: StatusFailed, Err: ErrEmptyGoal}
	}

	conversation, err := l.seed(ctx, req)
	if err != nil {
		emit(Event{Type: EventError, Error: err.Error()})
		return Outcome{Status: StatusFailed, Err: err}
	}

	opts := l.modelOptions(req)
	maxIter := l.maxIterations(req)
	var promptTokens int

	for iteration := 1; iteration <= maxIter; iteration++ {
		promptTokens = estimateConversation(conversation)
		emit(Event{Type: EventIterationStarted, Iteration: iteration, PromptTokens: promptTokens})
		l.logger.Debug("agent iteration", "iteration", iteration, "messages", len(conversation), "prompt_tokens", promptTokens)

		resp, err := l.generate(ctx, conversation, opts)
		if err != nil {
			l.logger.Error("model call failed", "iteration", iteration, "error", err)
			emit(Event{Type: EventError, Error: err.Error()})
			return l.outcome(StatusFailed, iteration, promptTokens, "", err)
		}

		turn := l.parser.ExtractTurn(resp.Content)
		if turn.Narrative != "" {
			emit(Event{Type: EventText, Content: turn.Narrative})
		}

		// File operations land before tools run so same-turn lookups see them.
		for i, op := range turn.Operations {
			incomplete := turn.Truncated && i == len(turn.Operations)-1
			if incomplete {
				l.logger.Warn("model turn ended inside a file operation", "iteration", iteration, "op", op.Kind, "path", op.Path)
			}
			l.applyOperation(op, incomplete, emit)
		}

		conversation = append(conversation, schema.AssistantMessage(resp.Content, nil))

		if len(turn.ToolCalls) == 0 {
			emit(Event{Type: EventDone, Iterations: iteration, Summary: turn.Narrative})
			return l.outcome(StatusDone, iteration, promptTokens, turn.Narrative, nil)
		}

		results := make([]string, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			results = append(results, l.executeTool(ctx, call, emit))
		}
		conversation = append(conversation, schema.UserMessage("Tool results:\n\n"+strings.Join(results, "\n\n")))
	}

	l.logger.Warn("agent iteration cap reached", "iterations", maxIter)
	emit(Event{Type: EventError, Error: ErrIterationCap.Error(), IterationCap: true, Iterations: maxIter})
	return l.outcome(StatusIterationCap, maxIter, promptTokens, "", ErrIterationCap)
}

func (l *Loop) outcome(status Status, iterations, promptTokens int, summary string, err error) Outcome {
	return Outcome{
		Status:       status,
		Iterations:   iterations,
		PromptTokens: promptTokens,
		Summary:      summary,
		Files:        l.view.Files(),
		Err:          err,
	}
}

// seed builds the initial conversation: system prompt, prior turns, goal.
func (l *Loop) seed(ctx context.Context, req Request) ([]*schema.Message, error) {
	catalog, err := prompt.Catalog(ctx, l.tools)
	if err != nil {
		return nil, err
	}
	custom := req.SystemPrompt
	if custom == "" {
		custom = l.cfg.SystemPrompt
	}
	system, err := prompt.Render(prompt.Data{Files: l.view.Paths(), Tools: catalog, Custom: custom})
	if err != nil {
		return nil, err
	}

	conversation := make([]*schema.Message, 0, len(req.History)+2)
	conversation = append(conversation, schema.SystemMessage(system))
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			conversation = append(conversation, schema.AssistantMessage(m.Content, nil))
		case "user":
			conversation = append(conversation, schema.UserMessage(m.Content))
		default:
			l.logger.Debug("skipping history message", "role", m.Role)
		}
	}
	conversation = append(conversation, schema.UserMessage(req.Goal))
	return conversation, nil
}

func (l *Loop) modelOptions(req Request) []model.Option {
	temperature := l.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := l.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	opts := []model.Option{model.WithTemperature(temperature)}
	if maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(maxTokens))
	}
	return opts
}

func (l *Loop) generate(ctx context.Context, conversation []*schema.Message, opts []model.Option) (*schema.Message, error) {
	if l.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.StepTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := l.chatModel.Generate(ctx, conversation, opts...)
	if err != nil {
		return nil, fmt.Errorf("model generate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("model generate: empty response")
	}
	l.logger.Debug("model call completed", "duration", time.Since(start), "chars", len(resp.Content))
	return resp, nil
}

func (l *Loop) applyOperation(op protocol.FileOperation, incomplete bool, emit func(Event)) {
	ev := Event{Type: EventFileOp, Op: &op, Incomplete: incomplete}
	if err := l.view.Apply(op); err != nil {
		l.logger.Warn("file operation not applied", "op", op.Kind, "path", op.Path, "error", err)
		ev.ApplyError = err.Error()
	}
	emit(ev)
}

// executeTool runs one call and returns the text folded into the next turn.
// Every failure is reported to the model rather than aborting the run.
func (l *Loop) executeTool(ctx context.Context, call protocol.ToolCall, emit func(Event)) string {
	emit(Event{Type: EventToolCallStarted, Name: call.Name, Args: call.Arguments})

	output, isError := l.invoke(ctx, call)
	emit(Event{Type: EventToolCallResult, Name: call.Name, Result: output, IsError: isError})

	return fmt.Sprintf("Tool %s output:\n%s", call.Name, output)
}

func (l *Loop) invoke(ctx context.Context, call protocol.ToolCall) (string, bool) {
	t, ok := l.byName[call.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool %q", call.Name)), true
	}
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return toolError(fmt.Sprintf("encode arguments: %s", err)), true
	}
	output, err := t.InvokableRun(ctx, string(args))
	if err != nil {
		return toolError(err.Error()), true
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(output), &status); err != nil {
		l.logger.Warn("tool returned malformed output", "tool", call.Name, "error", err)
		return toolError(fmt.Sprintf("malformed tool output: %s", err)), true
	}
	return output, status.Status == "error"
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"status": "error", "error": msg})
	return string(b)
}

func estimateConversation(conversation []*schema.Message) int {
	contents := make([]string, len(conversation))
	for i, m := range conversation {
		contents[i] = m.Content
	}
	return prompt.EstimateMessages(contents...)
}
