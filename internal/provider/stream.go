package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/beeweed/vibecoder/internal/config"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
)

const defaultOllamaURL = "http://localhost:11434"

// Delta is the canonical streaming unit every provider adapter produces.
type Delta struct {
	Content string
	Done    bool
	Err     string
}

// Message is a role-tagged conversation entry sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is a provider-agnostic streaming completion request.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
}

// Streamer performs streaming completions through the Eino chat model of
// each provider kind.
type Streamer struct {
	logger *slog.Logger
}

// NewStreamer creates a Streamer. Streams are bounded by the request context.
func NewStreamer(logger *slog.Logger) *Streamer {
	return &Streamer{logger: logger}
}

// Stream sends req to the provider described by cfg and calls emit for every
// delta in arrival order. The final delta has Done set unless the stream
// failed, in which case an error is returned.
func (s *Streamer) Stream(ctx context.Context, cfg config.ProviderConfig, req StreamRequest, emit func(Delta)) error {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return err
	}

	chatModel, err := NewChatModel(ctx, cfg, Params{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return err
	}

	s.logger.Debug("provider stream request",
		"kind", kind,
		"model", req.Model,
		"messages", len(req.Messages),
	)

	reader, err := chatModel.Stream(ctx, toSchemaMessages(req), streamOptions(req)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrRequestFailed, kind, err)
	}
	defer reader.Close()

	return readStream(ctx, reader, emit)
}

// readStream drains reader and dispatches one delta per chunk carrying text.
// Reasoning and tool-call fragments have no display text and are skipped.
func readStream(ctx context.Context, reader *schema.StreamReader[*schema.Message], emit func(Delta)) error {
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			emit(Delta{Done: true})
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			emit(Delta{Err: err.Error()})
			return fmt.Errorf("%w: %v", ErrStreamError, err)
		}
		if chunk != nil && chunk.Content != "" {
			emit(Delta{Content: chunk.Content})
		}
	}
}

func streamOptions(req StreamRequest) []model.Option {
	opts := []model.Option{model.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	return opts
}

func toSchemaMessages(req StreamRequest) []*schema.Message {
	out := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, schema.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case "system":
			out = append(out, schema.SystemMessage(m.Content))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}
