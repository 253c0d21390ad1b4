package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is one tool invocation embedded in model output.
type ToolCall struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
	RawSpan   string            `json:"-"`
}

var (
	toolCallPattern = regexp.MustCompile(`(?is)<<<TOOL_CALL[ \t]*:[ \t]*([A-Za-z0-9_.-]+)[ \t]*>>>(.*?)<<<TOOL_END>>>`)
	lenientPath     = regexp.MustCompile(`(?i)(?:^|[\s{,])["']?path["']?\s*[:=]\s*["']?([^"'\s,}]+)`)
)

// ArgsResult is the outcome of decoding a tool-call body. Lenient is set when
// the strict JSON decode failed and the fallback scan produced the arguments.
type ArgsResult struct {
	Args    map[string]string
	OK      bool
	Lenient bool
}

// ParseToolArguments decodes a tool-call body. A JSON object is preferred;
// otherwise a path argument is scanned for leniently. A blank body is a call
// without arguments.
func ParseToolArguments(body string) ArgsResult {
	body = CleanContent(body)
	if body == "" {
		return ArgsResult{Args: map[string]string{}, OK: true}
	}
	if args, ok := decodeJSONArgs(body); ok {
		return ArgsResult{Args: args, OK: true}
	}
	if m := lenientPath.FindStringSubmatch(body); m != nil {
		return ArgsResult{Args: map[string]string{"path": m[1]}, OK: true, Lenient: true}
	}
	return ArgsResult{}
}

func decodeJSONArgs(body string) (map[string]string, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}
	args := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			args[k] = tv
		case nil:
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				continue
			}
			args[k] = string(b)
		}
	}
	return args, true
}

// ExtractToolCalls finds every tool call in text, in order of appearance.
// Calls whose arguments cannot be recovered are dropped.
func ExtractToolCalls(text string) []ToolCall {
	var calls []ToolCall
	for _, m := range toolCallPattern.FindAllStringSubmatchIndex(text, -1) {
		res := ParseToolArguments(text[m[4]:m[5]])
		if !res.OK {
			continue
		}
		calls = append(calls, ToolCall{
			Name:      strings.ToLower(text[m[2]:m[3]]),
			Arguments: res.Args,
			RawSpan:   text[m[0]:m[1]],
		})
	}
	return calls
}

// StripToolCalls removes every tool-call span from text.
func StripToolCalls(text string) string {
	return toolCallPattern.ReplaceAllString(text, "")
}

// Turn is a complete, non-streamed model response broken into its parts.
type Turn struct {
	Narrative  string
	Operations []FileOperation
	// Truncated is set when the last operation never saw its end marker.
	Truncated bool
	ToolCalls []ToolCall
}

// ExtractTurn parses a whole response: file operations (an unterminated one
// is kept as best effort), tool calls, and the narrative left once both are
// removed.
func (p *Parser) ExtractTurn(text string) Turn {
	state, res := p.ParseChunk(p.NewState(), text)
	flushed := p.Flush(state)

	turn := Turn{Operations: res.NewOperations}
	if flushed.Incomplete != nil {
		turn.Operations = append(turn.Operations, *flushed.Incomplete)
		turn.Truncated = true
	}

	display := res.DisplayText + flushed.DisplayText
	turn.ToolCalls = ExtractToolCalls(display)
	turn.Narrative = strings.TrimSpace(StripToolCalls(display))
	return turn
}
