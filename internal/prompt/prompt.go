// Package prompt renders the system prompts that teach models the file
// operation and tool-call grammars.
package prompt

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/cloudwego/eino/components/tool"
)

//go:embed system.tmpl
var systemTemplate string

var tmpl = template.Must(template.New("system").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(systemTemplate))

// ToolEntry is one line of the tool catalog.
type ToolEntry struct {
	Name   string
	Desc   string
	Params []string
}

// Data is the input to the system prompt.
type Data struct {
	Files  []string
	Tools  []ToolEntry
	Custom string
}

// Render renders the system prompt for d.
func Render(d Data) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Catalog describes tools for the prompt from their eino metadata.
func Catalog(ctx context.Context, tools []tool.BaseTool) ([]ToolEntry, error) {
	entries := make([]ToolEntry, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		entry := ToolEntry{Name: info.Name, Desc: info.Desc}
		if info.ParamsOneOf != nil {
			js, err := info.ParamsOneOf.ToJSONSchema()
			if err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", info.Name, err)
			}
			if js != nil && js.Properties != nil {
				for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
					entry.Params = append(entry.Params, pair.Key)
				}
			}
		}
		sort.Strings(entry.Params)
		entries = append(entries, entry)
	}
	return entries, nil
}
