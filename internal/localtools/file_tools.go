package localtools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/beeweed/vibecoder/internal/vfs"
)

// Observer is called after each tool invocation.
type Observer func(tool, input, output, status string)

// FileTool exposes a single read-only lookup against a session file view.
type FileTool struct {
	name     string
	desc     string
	params   map[string]*schema.ParameterInfo
	handler  func(view *vfs.FileView, args json.RawMessage) (string, error)
	view     *vfs.FileView
	observer Observer
}

var _ tool.InvokableTool = (*FileTool)(nil)

// Name returns the tool name the model uses to call it.
func (t *FileTool) Name() string {
	return t.name
}

// WithObserver returns a copy with the given observer attached.
func (t *FileTool) WithObserver(obs Observer) *FileTool {
	cp := *t
	cp.observer = obs
	return &cp
}

// Info returns tool metadata for the prompt's tool catalog.
func (t *FileTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.name,
		Desc:        t.desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.params),
	}, nil
}

// InvokableRun executes the lookup. Failures are reported in the JSON output
// with status "error" so the model can adapt; the Go error is reserved for
// output encoding problems.
func (t *FileTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	out, err := t.handler(t.view, json.RawMessage(argumentsInJSON))
	status := "ok"
	if err != nil {
		status = "error"
		resp := encode(map[string]any{"status": "error", "error": err.Error()})
		out = string(resp)
	}
	if t.observer != nil {
		t.observer(t.name, argumentsInJSON, out, status)
	}
	return out, nil
}

// BuildFileTools returns the file lookup tools bound to view.
func BuildFileTools(view *vfs.FileView) []*FileTool {
	tools := []*FileTool{
		{
			name: "read_file",
			desc: "Read the full current content of a project file.",
			params: map[string]*schema.ParameterInfo{
				"path": {Type: schema.String, Desc: "Relative path of the file", Required: true},
			},
			handler: handleRead,
		},
		{
			name:    "list_files",
			desc:    "List the paths of every file in the project.",
			params:  map[string]*schema.ParameterInfo{},
			handler: handleList,
		},
	}
	for _, t := range tools {
		t.view = view
	}
	return tools
}

func handleRead(view *vfs.FileView, args json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	content, err := view.Read(p.Path)
	if err != nil {
		return "", err
	}
	out := encode(map[string]any{
		"status":  "ok",
		"path":    p.Path,
		"content": content,
	})
	return string(out), nil
}

func handleList(view *vfs.FileView, _ json.RawMessage) (string, error) {
	out := encode(map[string]any{
		"status": "ok",
		"paths":  view.Paths(),
	})
	return string(out), nil
}

// encode renders tool output without HTML escaping so file content reaches
// the model verbatim.
func encode(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte(`{"status":"error","error":"encode output"}`)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}
