package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/beeweed/vibecoder/internal/protocol"
	"github.com/beeweed/vibecoder/internal/vfs"
	"github.com/beeweed/vibecoder/internal/workspace"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8090", "base URL for the vibecoder API")
	token := fs.String("token", os.Getenv("VIBECODER_API_TOKEN"), "Bearer token for API auth")
	sessionID := fs.String("session", "", "session to continue; a new one is created when empty")
	agentMode := fs.Bool("agent", false, "run the agent loop instead of a single streaming turn")
	outDir := fs.String("out", "", "directory that mirrors every file operation")
	providerName := fs.String("provider", "", "provider name from the service config")
	modelName := fs.String("model", "", "model override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return fmt.Errorf("usage: vibecoder chat [--api <url>] [--token <token>] [--session <id>] [--agent] [--out <dir>] <message>")
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (use --token or VIBECODER_API_TOKEN)")
	}

	var ws *workspace.Workspace
	if *outDir != "" {
		var err error
		if ws, err = workspace.New(*outDir); err != nil {
			return err
		}
	}

	cfg := chatConfig{
		APIBase:   strings.TrimRight(*apiBase, "/"),
		Token:     *token,
		SessionID: *sessionID,
		Agent:     *agentMode,
		Provider:  *providerName,
		Model:     *modelName,
		Message:   message,
	}

	p := tea.NewProgram(newClientModel(cfg, ws), tea.WithAltScreen())
	final, err := p.Run()
	if m, ok := final.(clientModel); ok && m.sessionID != "" {
		fmt.Printf("session: %s\n", m.sessionID)
	}
	return err
}

type chatConfig struct {
	APIBase   string
	Token     string
	SessionID string
	Agent     bool
	Provider  string
	Model     string
	Message   string
}

func (c chatConfig) mode() string {
	if c.Agent {
		return "agent"
	}
	return "chat"
}

type streamEventMsg struct {
	Event string
	Data  []byte
	Err   error
	EOF   bool
}

type streamStartedMsg struct{}

type sessionReadyMsg struct {
	ID    string
	Files int
	Err   error
}

// streamEvent is the union of the chat and agent event payloads.
type streamEvent struct {
	Content      string                  `json:"content"`
	Op           *protocol.FileOperation `json:"op"`
	Incomplete   bool                    `json:"incomplete"`
	ApplyError   string                  `json:"apply_error"`
	Path         string                  `json:"path"`
	RunID        string                  `json:"run_id"`
	Operations   int                     `json:"operations"`
	Iteration    int                     `json:"iteration"`
	PromptTokens int                     `json:"prompt_tokens"`
	Name         string                  `json:"name"`
	Args         map[string]string       `json:"args"`
	Result       string                  `json:"result"`
	IsError      bool                    `json:"is_error"`
	Iterations   int                     `json:"iterations"`
	Summary      string                  `json:"summary"`
	Error        string                  `json:"error"`
	IterationCap bool                    `json:"iteration_cap"`
}

type fileEntry struct {
	Kind       protocol.OpKind
	Bytes      int
	Incomplete bool
	Err        string
}

type clientModel struct {
	cfg          chatConfig
	ws           *workspace.Workspace
	sessionID    string
	streamEvents chan streamEventMsg
	width        int
	height       int
	connected    bool
	done         bool
	err          error
	status       string
	runID        string
	writing      string
	narrative    string
	events       []string
	files        map[string]fileEntry
	fileOrder    []string
}

func newClientModel(cfg chatConfig, ws *workspace.Workspace) clientModel {
	return clientModel{
		cfg:          cfg,
		ws:           ws,
		sessionID:    cfg.SessionID,
		streamEvents: make(chan streamEventMsg, 32),
		status:       "connecting",
		files:        map[string]fileEntry{},
	}
}

func (m clientModel) Init() tea.Cmd {
	if m.sessionID == "" {
		return createSessionCmd(m.cfg, m.ws)
	}
	return tea.Batch(
		startStreamCmd(m.cfg, m.sessionID, m.streamEvents),
		waitForStreamEventCmd(m.streamEvents),
	)
}

func (m clientModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case sessionReadyMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.status = "failed"
			m.appendEvent("create session: " + msg.Err.Error())
			return m, nil
		}
		m.sessionID = msg.ID
		m.appendEvent(fmt.Sprintf("[%s] session %s created with %d file(s)", time.Now().Format("15:04:05"), msg.ID, msg.Files))
		return m, tea.Batch(
			startStreamCmd(m.cfg, m.sessionID, m.streamEvents),
			waitForStreamEventCmd(m.streamEvents),
		)
	case streamStartedMsg:
		m.connected = true
		m.status = "streaming"
		return m, nil
	case streamEventMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.status = "failed"
			m.appendEvent("stream error: " + msg.Err.Error())
			return m, nil
		}
		if msg.EOF {
			if !m.done {
				m.appendEvent("stream closed by server")
			}
			m.done = true
			return m, nil
		}
		m.handleEvent(msg.Event, msg.Data)
		return m, waitForStreamEventCmd(m.streamEvents)
	default:
		return m, nil
	}
}

func (m *clientModel) handleEvent(event string, data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		m.appendEvent(event + " (unparsed)")
		return
	}
	stamp := time.Now().Format("15:04:05")
	if ev.RunID != "" {
		m.runID = ev.RunID
	}

	switch event {
	case "text":
		if m.cfg.Agent && m.narrative != "" {
			m.narrative += "\n\n"
		}
		m.narrative += ev.Content
	case "file_progress":
		m.writing = ev.Path
		if ev.Path != "" {
			m.appendEvent(fmt.Sprintf("[%s] writing %s", stamp, ev.Path))
		}
	case "file_op":
		if ev.Op == nil {
			m.appendEvent("file_op (missing op)")
			return
		}
		m.recordOperation(*ev.Op, ev.Incomplete, ev.ApplyError)
		line := fmt.Sprintf("[%s] %s", stamp, ev.Op)
		if ev.Incomplete {
			line += " incomplete"
		}
		if ev.ApplyError != "" {
			line += " err=" + trimForLog(ev.ApplyError, 60)
		}
		m.appendEvent(line)
	case "iteration_started":
		m.status = fmt.Sprintf("iteration %d", ev.Iteration)
		m.appendEvent(fmt.Sprintf("[%s] iteration %d (~%d prompt tokens)", stamp, ev.Iteration, ev.PromptTokens))
	case "tool_call_started":
		line := fmt.Sprintf("[%s] tool %s", stamp, ev.Name)
		if p := ev.Args["path"]; p != "" {
			line += " path=" + p
		}
		m.appendEvent(line)
	case "tool_call_result":
		status := "ok"
		if ev.IsError {
			status = "error"
		}
		m.appendEvent(fmt.Sprintf("[%s] tool %s %s (%s)", stamp, ev.Name, status, formatBytes(int64(len(ev.Result)))))
	case "done":
		m.done = true
		m.writing = ""
		m.status = "done"
		line := fmt.Sprintf("[%s] done", stamp)
		if ev.Iterations > 0 {
			line += fmt.Sprintf(" iterations=%d", ev.Iterations)
		}
		if ev.Operations > 0 {
			line += fmt.Sprintf(" operations=%d", ev.Operations)
		}
		m.appendEvent(line)
	case "error":
		m.done = true
		m.writing = ""
		m.status = "failed"
		if ev.IterationCap {
			m.status = "iteration_cap"
		}
		if ev.Error == "" {
			ev.Error = "unknown stream error"
		}
		m.err = errors.New(ev.Error)
		m.appendEvent(fmt.Sprintf("[%s] error: %s", stamp, ev.Error))
	default:
		m.appendEvent(fmt.Sprintf("[%s] %s", stamp, event))
	}
}

// recordOperation tracks op in the files panel and mirrors it into the
// local workspace. Operations the service failed to apply are not mirrored.
func (m *clientModel) recordOperation(op protocol.FileOperation, incomplete bool, applyErr string) {
	entry := fileEntry{Kind: op.Kind, Bytes: len(op.Content), Incomplete: incomplete, Err: applyErr}
	if m.ws != nil && applyErr == "" {
		if err := m.ws.Apply(op, incomplete); err != nil {
			entry.Err = "local: " + err.Error()
		}
	}
	if _, seen := m.files[op.Path]; !seen {
		m.fileOrder = append(m.fileOrder, op.Path)
	}
	m.files[op.Path] = entry
}

func (m clientModel) View() string {
	accent := lipgloss.Color("#F97316")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("vibecoder " + m.cfg.mode())

	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1)
	switch m.status {
	case "connecting":
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	case "done":
		statusStyle = statusStyle.Background(lipgloss.Color("#FDBA74"))
	case "failed", "iteration_cap":
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FFF7ED"))
	}

	sessionLabel := m.sessionID
	if sessionLabel == "" {
		sessionLabel = "-"
	}
	metaText := fmt.Sprintf("session=%s  api=%s  stream=%s", sessionLabel, m.cfg.APIBase, connectionLabel(m.connected, m.done, m.err))
	if m.runID != "" {
		metaText += "  run=" + m.runID
	}
	if m.ws != nil {
		metaText += "  out=" + m.ws.Dir()
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(metaText)

	status := statusStyle.Render(strings.ToUpper(m.status))
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render("q: quit")
	if m.done {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FDBA74")).
			Render("finished, q: quit")
	}
	if m.err != nil {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	}

	panelWidth := bodyWidth(m.width)
	narrativeHeight, activityHeight, filesHeight := panelHeights(m.height)

	narrative := wrapLines(m.narrative, panelWidth-4)
	if len(narrative) == 0 {
		narrative = []string{"waiting for the model..."}
	}
	activity := m.events
	if len(activity) == 0 {
		activity = []string{"waiting for events..."}
	}

	narrativePanel := renderPanel("Assistant", narrative, panelWidth, narrativeHeight, accent, false)
	activityPanel := renderPanel("Activity", activity, panelWidth, activityHeight, accent, false)
	filesPanel := renderPanel("Files", m.filePanelLines(filesHeight-1), panelWidth, filesHeight, accent, true)

	return strings.Join([]string{title + " " + status, meta, narrativePanel, activityPanel, filesPanel, footer}, "\n")
}

func (m *clientModel) filePanelLines(maxLines int) []string {
	lines := []string{fmt.Sprintf("operations=%d", len(m.fileOrder))}
	if m.writing != "" {
		lines = append(lines, "  writing "+m.writing+"...")
	}
	if len(m.fileOrder) == 0 && m.writing == "" {
		lines = append(lines, "no file operations yet")
	}
	for _, p := range m.fileOrder {
		f := m.files[p]
		line := fmt.Sprintf("  %-6s %s", f.Kind, p)
		if f.Kind != protocol.OpDelete {
			line += " (" + formatBytes(int64(f.Bytes)) + ")"
		}
		if f.Incomplete {
			line += " incomplete"
		}
		if f.Err != "" {
			line += " err=" + trimForLog(f.Err, 50)
		}
		lines = append(lines, line)
	}
	return trimPanelLines(lines, maxLines)
}

func panelHeights(terminalHeight int) (narrative, activity, files int) {
	available := terminalHeight - 5
	if available < 15 {
		available = 15
	}
	activity = 7
	files = 7
	narrative = available - activity - files
	if narrative < 6 {
		narrative = 6
		remaining := available - narrative
		activity = remaining / 2
		files = remaining - activity
		if activity < 4 {
			activity = 4
		}
		if files < 4 {
			files = 4
		}
	}
	return narrative, activity, files
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color, keepHead bool) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		if keepHead {
			lines = lines[:contentHeight]
		} else {
			lines = lines[len(lines)-contentHeight:]
		}
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#FFF7ED")).
		Background(lipgloss.Color("#2A1305")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

// wrapLines soft-wraps text to width so panels can keep the tail of a long
// narrative.
func wrapLines(text string, width int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if width < 10 {
		width = 10
	}
	wrapped := lipgloss.NewStyle().Width(width).Render(text)
	lines := strings.Split(wrapped, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return lines
}

func trimPanelLines(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{}
	}
	if len(lines) <= maxLines {
		return lines
	}
	trimmed := append([]string{}, lines[:maxLines]...)
	trimmed[maxLines-1] = "..."
	return trimmed
}

func formatBytes(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%dB", size)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(size)
	for _, u := range units {
		v /= 1024.0
		if v < 1024.0 {
			return fmt.Sprintf("%.1f%s", v, u)
		}
	}
	return fmt.Sprintf("%.1fPB", v/1024.0)
}

func (m *clientModel) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > 800 {
		m.events = m.events[len(m.events)-800:]
	}
}

func createSessionCmd(cfg chatConfig, ws *workspace.Workspace) tea.Cmd {
	return func() tea.Msg {
		var files []vfs.File
		if ws != nil {
			var err error
			if files, err = ws.Snapshot(); err != nil {
				return sessionReadyMsg{Err: err}
			}
		}
		body, err := json.Marshal(map[string]any{"files": files})
		if err != nil {
			return sessionReadyMsg{Err: fmt.Errorf("encode session request: %w", err)}
		}
		resp, err := apiRequest(cfg, http.MethodPost, "/v1/sessions", body)
		if err != nil {
			return sessionReadyMsg{Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return sessionReadyMsg{Err: responseError(resp)}
		}
		var payload struct {
			ID    string   `json:"id"`
			Paths []string `json:"paths"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return sessionReadyMsg{Err: fmt.Errorf("decode session response: %w", err)}
		}
		return sessionReadyMsg{ID: payload.ID, Files: len(payload.Paths)}
	}
}

func startStreamCmd(cfg chatConfig, sessionID string, out chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		go streamSession(cfg, sessionID, out)
		return streamStartedMsg{}
	}
}

func waitForStreamEventCmd(in <-chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return streamEventMsg{EOF: true}
		}
		return msg
	}
}

func streamRequestBody(cfg chatConfig) ([]byte, error) {
	body := map[string]any{}
	if cfg.Agent {
		body["goal"] = cfg.Message
	} else {
		body["message"] = cfg.Message
	}
	if cfg.Provider != "" {
		body["provider"] = cfg.Provider
	}
	if cfg.Model != "" {
		body["model"] = cfg.Model
	}
	return json.Marshal(body)
}

func streamSession(cfg chatConfig, sessionID string, out chan<- streamEventMsg) {
	defer close(out)

	body, err := streamRequestBody(cfg)
	if err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("encode request: %w", err)}
		return
	}
	resp, err := apiRequest(cfg, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/"+cfg.mode(), body)
	if err != nil {
		out <- streamEventMsg{Err: err}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		out <- streamEventMsg{Err: responseError(resp)}
		return
	}

	if err := readEventStream(resp.Body, out); err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	out <- streamEventMsg{EOF: true}
}

// readEventStream decodes SSE frames from r into out. Comment lines are
// heartbeats and are skipped.
func readEventStream(r io.Reader, out chan<- streamEventMsg) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var eventName string
	var dataLines []string

	flushEvent := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		if eventName == "" {
			eventName = "message"
		}
		out <- streamEventMsg{
			Event: eventName,
			Data:  []byte(strings.Join(dataLines, "\n")),
		}
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flushEvent()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			part := strings.TrimPrefix(line, "data:")
			if strings.HasPrefix(part, " ") {
				part = part[1:]
			}
			dataLines = append(dataLines, part)
		}
	}
	flushEvent()
	return scanner.Err()
}

func apiRequest(cfg chatConfig, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func trimForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func connectionLabel(connected, done bool, err error) string {
	if err != nil {
		return "error"
	}
	if done {
		return "closed"
	}
	if connected {
		return "open"
	}
	return "connecting"
}
