package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beeweed/vibecoder/internal/workspace"
)

func TestReadEventStreamSkipsHeartbeats(t *testing.T) {
	stream := ": keepalive\n\n" +
		"event: text\ndata: {\"content\":\"hi\"}\n\n" +
		": keepalive\n\n" +
		"event: done\ndata: {\"operations\":0}\n\n"

	out := make(chan streamEventMsg, 8)
	if err := readEventStream(strings.NewReader(stream), out); err != nil {
		t.Fatalf("readEventStream: %v", err)
	}
	close(out)

	var got []string
	for msg := range out {
		got = append(got, msg.Event+"="+string(msg.Data))
	}
	want := []string{`text={"content":"hi"}`, `done={"operations":0}`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func feedEvent(t *testing.T, m *clientModel, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.handleEvent(event, data)
}

func TestHandleEventMirrorsOperations(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	m := newClientModel(chatConfig{APIBase: "http://x", Message: "go"}, ws)

	feedEvent(t, &m, "text", map[string]any{"content": "Building "})
	feedEvent(t, &m, "file_progress", map[string]any{"path": "index.html"})
	feedEvent(t, &m, "text", map[string]any{"content": "it."})
	feedEvent(t, &m, "file_op", map[string]any{"op": map[string]any{"kind": "create", "path": "index.html", "content": "<p>hi</p>"}})
	feedEvent(t, &m, "file_op", map[string]any{"op": map[string]any{"kind": "delete", "path": "gone.txt"}, "apply_error": "file not found"})
	feedEvent(t, &m, "file_progress", map[string]any{})
	feedEvent(t, &m, "done", map[string]any{"run_id": "run-1", "operations": 2})

	if m.narrative != "Building it." {
		t.Fatalf("narrative = %q", m.narrative)
	}
	if !m.done || m.status != "done" || m.runID != "run-1" || m.writing != "" {
		t.Fatalf("model state = done:%v status:%q run:%q writing:%q", m.done, m.status, m.runID, m.writing)
	}

	data, err := os.ReadFile(filepath.Join(ws.Dir(), "index.html"))
	if err != nil || string(data) != "<p>hi</p>" {
		t.Fatalf("mirrored index.html = %q, %v", data, err)
	}
	if strings.Count(ws.Journal(), "\n") != 1 {
		t.Fatalf("failed service operation was mirrored:\n%s", ws.Journal())
	}

	if got := strings.Join(m.fileOrder, ","); got != "index.html,gone.txt" {
		t.Fatalf("file order = %s", got)
	}
	if m.files["gone.txt"].Err != "file not found" {
		t.Fatalf("gone.txt entry = %+v", m.files["gone.txt"])
	}
}

func TestHandleEventAgentStream(t *testing.T) {
	m := newClientModel(chatConfig{Agent: true}, nil)

	feedEvent(t, &m, "iteration_started", map[string]any{"iteration": 1, "prompt_tokens": 120})
	feedEvent(t, &m, "text", map[string]any{"content": "Reading first."})
	feedEvent(t, &m, "tool_call_started", map[string]any{"name": "read_file", "args": map[string]string{"path": "a.go"}})
	feedEvent(t, &m, "tool_call_result", map[string]any{"name": "read_file", "result": `{"status":"error"}`, "is_error": true})
	if m.status != "iteration 1" {
		t.Fatalf("status = %q", m.status)
	}
	feedEvent(t, &m, "iteration_started", map[string]any{"iteration": 2})
	feedEvent(t, &m, "text", map[string]any{"content": "Giving up."})
	feedEvent(t, &m, "error", map[string]any{"error": "iteration cap reached", "iteration_cap": true})

	if m.narrative != "Reading first.\n\nGiving up." {
		t.Fatalf("narrative = %q", m.narrative)
	}
	if m.status != "iteration_cap" || m.err == nil || !m.done {
		t.Fatalf("status = %q err = %v done = %v", m.status, m.err, m.done)
	}
	joined := strings.Join(m.events, "\n")
	for _, want := range []string{"tool read_file path=a.go", "tool read_file error", "error: iteration cap reached"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("events missing %q:\n%s", want, joined)
		}
	}
}

func TestStreamSessionPostsToModeEndpoint(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: done\ndata: {\"iterations\":1}\n\n"))
	}))
	defer srv.Close()

	cfg := chatConfig{APIBase: srv.URL, Token: "tok", Agent: true, Message: "fix it", Model: "m"}
	out := make(chan streamEventMsg, 4)
	streamSession(cfg, "sess-1", out)

	var msgs []streamEventMsg
	for msg := range out {
		msgs = append(msgs, msg)
	}
	if gotPath != "/v1/sessions/sess-1/agent" || gotAuth != "Bearer tok" {
		t.Fatalf("request = %s auth=%q", gotPath, gotAuth)
	}
	if gotBody["goal"] != "fix it" || gotBody["model"] != "m" {
		t.Fatalf("body = %v", gotBody)
	}
	if len(msgs) != 2 || msgs[0].Event != "done" || !msgs[1].EOF {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestStreamSessionReportsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is busy with another request"}`))
	}))
	defer srv.Close()

	out := make(chan streamEventMsg, 4)
	streamSession(chatConfig{APIBase: srv.URL, Token: "tok", Message: "hi"}, "s", out)
	msg := <-out
	if msg.Err == nil || !strings.Contains(msg.Err.Error(), "409") || !strings.Contains(msg.Err.Error(), "busy") {
		t.Fatalf("err = %v", msg.Err)
	}
}

func TestCreateSessionUploadsWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws, err := workspace.New(dir)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}

	var uploaded struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&uploaded)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"new-session","paths":["main.go"]}`))
	}))
	defer srv.Close()

	msg := createSessionCmd(chatConfig{APIBase: srv.URL, Token: "tok"}, ws)()
	ready, ok := msg.(sessionReadyMsg)
	if !ok || ready.Err != nil || ready.ID != "new-session" || ready.Files != 1 {
		t.Fatalf("msg = %+v", msg)
	}
	if len(uploaded.Files) != 1 || uploaded.Files[0].Path != "main.go" {
		t.Fatalf("uploaded = %+v", uploaded)
	}
}

func TestPanelHelpers(t *testing.T) {
	if got := trimForLog("abcdefghij", 6); got != "abc..." {
		t.Fatalf("trimForLog = %q", got)
	}
	if got := formatBytes(2048); got != "2.0KB" {
		t.Fatalf("formatBytes = %q", got)
	}
	n, a, f := panelHeights(40)
	if n+a+f != 35 || n < 6 {
		t.Fatalf("panelHeights(40) = %d %d %d", n, a, f)
	}
	if lines := trimPanelLines([]string{"a", "b", "c"}, 2); strings.Join(lines, ",") != "a,..." {
		t.Fatalf("trimPanelLines = %v", lines)
	}
	if lines := wrapLines("", 20); lines != nil {
		t.Fatalf("wrapLines(empty) = %v", lines)
	}
}
