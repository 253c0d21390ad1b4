package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/protocol"
	"github.com/beeweed/vibecoder/internal/provider"
	"github.com/beeweed/vibecoder/internal/storage"
	"github.com/beeweed/vibecoder/internal/store"
	"github.com/beeweed/vibecoder/internal/vfs"
)

type fakeResolver struct{}

func (fakeResolver) Resolve(name, model string) (string, config.ProviderConfig, string, error) {
	if name == "missing" {
		return "", config.ProviderConfig{}, "", errors.New("unknown provider")
	}
	return "fake", config.ProviderConfig{Kind: "openai"}, "fake-model", nil
}

// scriptedStreamer replays chunks, then finishes with err (or Done).
type scriptedStreamer struct {
	chunks []string
	err    error
	// cancelAfter cancels the context once that many chunks were delivered.
	cancelAfter int
	cancel      context.CancelFunc
	lastReq     provider.StreamRequest
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ config.ProviderConfig, req provider.StreamRequest, emit func(provider.Delta)) error {
	s.lastReq = req
	for i, c := range s.chunks {
		if s.cancel != nil && i == s.cancelAfter {
			s.cancel()
			return ctx.Err()
		}
		emit(provider.Delta{Content: c})
	}
	if s.err != nil {
		return s.err
	}
	emit(provider.Delta{Done: true})
	return nil
}

func newTestService(t *testing.T, streamer Streamer, runs *store.RunStore) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(fakeResolver{}, streamer, config.ChatConfig{Temperature: 0.7, MaxTokens: 1024}, runs, logger)
}

func newView(t *testing.T, files ...vfs.File) *vfs.FileView {
	t.Helper()
	v, err := vfs.New(files)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	return v
}

func TestStreamAppliesOperationsInOrder(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{
		"Creating.\n<<<FILE_CRE",
		"ATE: a.txt>>>hello",
		" world<<<FILE_END>>>Then<<<FILE_UPDATE: a.txt>>>bye<<<FILE_END>>>",
		"<<<FILE_DELETE: old.txt>>> done",
	}}
	view := newView(t, vfs.File{Path: "old.txt", Content: "x"})

	var events []Event
	res, err := newTestService(t, streamer, nil).Stream(context.Background(), "s1", view, Request{Message: "make a file"}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if res.Text != "Creating.\nThen done" {
		t.Fatalf("text = %q", res.Text)
	}
	if len(res.Operations) != 3 {
		t.Fatalf("operations = %+v", res.Operations)
	}
	content, err := view.Read("a.txt")
	if err != nil || content != "bye" {
		t.Fatalf("a.txt = %q, %v", content, err)
	}
	if _, err := view.Read("old.txt"); !errors.Is(err, vfs.ErrNotFound) {
		t.Fatalf("old.txt should be deleted, err = %v", err)
	}

	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	got := strings.Join(types, ",")
	want := "text,file_progress,text,file_op,file_op,file_progress,text,file_op,done"
	if got != want {
		t.Fatalf("event order:\n got %s\nwant %s", got, want)
	}
	if events[1].Path != "a.txt" {
		t.Fatalf("progress path = %q", events[1].Path)
	}
	if last := events[len(events)-1]; last.Operations != 3 {
		t.Fatalf("done event = %+v", last)
	}
}

func TestStreamFlushesIncompleteOperation(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"<<<FILE_UPDATE: x.ts>>>partial", " content"}}
	view := newView(t)

	var events []Event
	res, err := newTestService(t, streamer, nil).Stream(context.Background(), "s1", view, Request{Message: "go"}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !res.Incomplete {
		t.Fatal("expected incomplete result")
	}
	content, err := view.Read("x.ts")
	if err != nil || content != "partial content" {
		t.Fatalf("x.ts = %q, %v", content, err)
	}

	var sawIncomplete, sawCleared bool
	for _, e := range events {
		if e.Type == EventFileOp && e.Incomplete && e.Op.Kind == protocol.OpUpdate {
			sawIncomplete = true
		}
		if e.Type == EventFileProgress && e.Path == "" {
			sawCleared = true
		}
	}
	if !sawIncomplete || !sawCleared {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamCancelDropsOpenOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer := &scriptedStreamer{
		chunks:      []string{"<<<FILE_CREATE: a.txt>>>half", " more"},
		cancelAfter: 1,
		cancel:      cancel,
	}
	view := newView(t)

	var events []Event
	_, err := newTestService(t, streamer, nil).Stream(ctx, "s1", view, Request{Message: "go"}, func(e Event) {
		events = append(events, e)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if view.Len() != 0 {
		t.Fatalf("view should be untouched, has %v", view.Paths())
	}
	for _, e := range events {
		if e.Type == EventFileOp || e.Type == EventDone {
			t.Fatalf("unexpected event after cancel: %+v", e)
		}
	}
}

func TestStreamProviderErrorKeepsEmittedText(t *testing.T) {
	streamer := &scriptedStreamer{
		chunks: []string{"Working on it"},
		err:    provider.ErrStreamError,
	}

	var events []Event
	res, err := newTestService(t, streamer, nil).Stream(context.Background(), "s1", newView(t), Request{Message: "go"}, func(e Event) {
		events = append(events, e)
	})
	if !errors.Is(err, provider.ErrStreamError) {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.Text != "Working on it" {
		t.Fatalf("result = %+v", res)
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.Error == "" {
		t.Fatalf("last event = %+v, want error", last)
	}
	if events[0].Type != EventText {
		t.Fatalf("first event = %+v, want text", events[0])
	}
}

func TestStreamReportsApplyErrors(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []string{"<<<FILE_DELETE: ghost.txt>>>"}}

	var opEvent *Event
	_, err := newTestService(t, streamer, nil).Stream(context.Background(), "s1", newView(t), Request{Message: "go"}, func(e Event) {
		if e.Type == EventFileOp {
			opEvent = &e
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if opEvent == nil || opEvent.ApplyError == "" {
		t.Fatalf("file_op event = %+v, want apply error", opEvent)
	}
}

func TestStreamBuildsPromptAndRequest(t *testing.T) {
	streamer := &scriptedStreamer{}
	view := newView(t, vfs.File{Path: "index.html", Content: "<html></html>"})
	temp := float32(0.1)

	_, err := newTestService(t, streamer, nil).Stream(context.Background(), "s1", view, Request{
		Message:     "add a footer",
		History:     []provider.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Temperature: &temp,
	}, func(Event) {})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	req := streamer.lastReq
	if req.Model != "fake-model" || req.Temperature != 0.1 || req.MaxTokens != 1024 {
		t.Fatalf("request = %+v", req)
	}
	if len(req.Messages) != 3 || req.Messages[2].Content != "add a footer" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if !strings.Contains(req.SystemPrompt, "- index.html") {
		t.Fatalf("system prompt missing file list:\n%s", req.SystemPrompt)
	}
}

func TestStreamValidatesRequest(t *testing.T) {
	svc := newTestService(t, &scriptedStreamer{}, nil)
	if _, err := svc.Stream(context.Background(), "s1", newView(t), Request{Message: "  "}, func(Event) {}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if _, err := svc.Stream(context.Background(), "s1", newView(t), Request{Message: "x", Provider: "missing"}, func(Event) {}); err == nil {
		t.Fatal("expected resolve error")
	}
}

func TestStreamRecordsRun(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "vibecoder.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	runs := store.NewRunStore(db)

	streamer := &scriptedStreamer{chunks: []string{"<<<FILE_CREATE: a.txt>>>x<<<FILE_END>>>"}}
	res, err := newTestService(t, streamer, runs).Stream(ctx, "s1", newView(t), Request{Message: "go"}, func(Event) {})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	run, err := runs.GetByID(ctx, res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunStatusDone || run.Kind != store.RunKindChat || run.Model != "fake-model" {
		t.Fatalf("run = %+v", run)
	}
	if run.PromptTokens <= 0 {
		t.Fatalf("prompt tokens = %d, want estimate", run.PromptTokens)
	}
}
