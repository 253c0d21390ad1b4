package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beeweed/vibecoder/internal/config"
)

func testStreamer() *Streamer {
	return NewStreamer(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, s *Streamer, cfg config.ProviderConfig, req StreamRequest) (string, []Delta, error) {
	t.Helper()
	var (
		text   strings.Builder
		deltas []Delta
	)
	err := s.Stream(context.Background(), cfg, req, func(d Delta) {
		text.WriteString(d.Content)
		deltas = append(deltas, d)
	})
	return text.String(), deltas, err
}

func userTurn(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

func TestStreamOpenAI(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "openai", APIKey: "sk-test", BaseURL: srv.URL}
	text, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{
		Model:        "gpt-4o",
		SystemPrompt: "be brief",
		Messages:     userTurn("hi"),
		Temperature:  0.5,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want Hello", text)
	}
	if last := deltas[len(deltas)-1]; !last.Done {
		t.Fatalf("last delta not done: %+v", last)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want system + user", gotBody["messages"])
	}
	if gotBody["stream"] != true || gotBody["model"] != "gpt-4o" {
		t.Fatalf("request = %v", gotBody)
	}
}

func TestStreamAnthropic(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "an-key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic headers: %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"content\":[],\"model\":\"claude\",\"usage\":{\"input_tokens\":3,\"output_tokens\":0}}}\n\n")
		fmt.Fprint(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"<<<FILE_\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"END>>>\"}}\n\n")
		fmt.Fprint(w, "event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "anthropic", APIKey: "an-key", BaseURL: srv.URL}
	text, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{
		Model:        "claude",
		SystemPrompt: "sys",
		Messages:     userTurn("go"),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != "<<<FILE_END>>>" {
		t.Fatalf("text = %q", text)
	}
	if last := deltas[len(deltas)-1]; !last.Done {
		t.Fatalf("last delta not done: %+v", last)
	}
	if !strings.Contains(fmt.Sprint(gotBody["system"]), "sys") {
		t.Fatalf("system = %v, want out-of-band system prompt", gotBody["system"])
	}
	if msgs, _ := gotBody["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("messages = %v, want only the user turn", gotBody["messages"])
	}
}

func TestStreamAnthropicErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "anthropic", APIKey: "k", BaseURL: srv.URL}
	text, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{Model: "m", Messages: userTurn("go")})
	if !errors.Is(err, ErrStreamError) {
		t.Fatalf("err = %v, want ErrStreamError", err)
	}
	if text != "partial" {
		t.Fatalf("text = %q, want partial", text)
	}
	if last := deltas[len(deltas)-1]; !strings.Contains(last.Err, "Overloaded") {
		t.Fatalf("last delta = %+v, want error delta", last)
	}
}

func TestStreamOllama(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"qwen","message":{"role":"assistant","content":"a"},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen","message":{"role":"assistant","content":"b"},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "ollama", BaseURL: srv.URL}
	text, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{
		Model:       "qwen",
		Messages:    userTurn("go"),
		Temperature: 0.5,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != "ab" {
		t.Fatalf("text = %q, want ab", text)
	}
	if len(deltas) != 3 || !deltas[2].Done {
		t.Fatalf("deltas = %+v", deltas)
	}
	options, _ := gotBody["options"].(map[string]any)
	if options["temperature"] != 0.5 || options["num_predict"] != float64(64) {
		t.Fatalf("options = %v", gotBody["options"])
	}
}

func TestStreamHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "openai", APIKey: "k", BaseURL: srv.URL}
	_, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{Model: "m", Messages: userTurn("go")})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want status code", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("deltas = %+v, want none", deltas)
	}
}

func TestStreamWithoutTerminatorStillFinishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{Kind: "openai", APIKey: "k", BaseURL: srv.URL}
	_, deltas, err := collect(t, testStreamer(), cfg, StreamRequest{Model: "m", Messages: userTurn("go")})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(deltas) != 2 || deltas[0].Content != "x" || !deltas[1].Done {
		t.Fatalf("deltas = %+v, want content then done", deltas)
	}
}

func TestStreamRejectsUnknownKind(t *testing.T) {
	err := testStreamer().Stream(context.Background(), config.ProviderConfig{Kind: "gemini"}, StreamRequest{}, func(Delta) {})
	if err == nil || !strings.Contains(err.Error(), "unsupported llm provider") {
		t.Fatalf("err = %v", err)
	}
}

func TestToSchemaMessages(t *testing.T) {
	msgs := toSchemaMessages(StreamRequest{
		SystemPrompt: "sys",
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", Content: "a"},
			{Role: "user", Content: "q2"},
		},
	})
	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,user" {
		t.Fatalf("roles = %s", got)
	}
}

func TestFactoryResolve(t *testing.T) {
	cfg := &config.Config{
		DefaultProvider: "main",
		Providers: map[string]config.ProviderConfig{
			"main":  {Kind: "openai", APIKey: "k", DefaultModel: "gpt-4o"},
			"local": {Kind: "ollama", Models: []string{"qwen"}},
		},
	}
	f := NewFactory(cfg)

	name, _, m, err := f.Resolve("", "")
	if err != nil || name != "main" || m != "gpt-4o" {
		t.Fatalf("Resolve default = %q %q %v", name, m, err)
	}
	_, _, m, err = f.Resolve("local", "")
	if err != nil || m != "qwen" {
		t.Fatalf("Resolve local = %q %v", m, err)
	}
	if _, _, _, err := f.Resolve("nope", ""); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
