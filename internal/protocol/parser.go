package protocol

import "strings"

// openOperation is a create/update whose end marker has not arrived yet.
type openOperation struct {
	kind    OpKind
	path    string
	content string
}

// State is the resumable state of one streaming session. It is a value:
// ParseChunk returns a new State and never mutates the one passed in, so a
// session threads it explicitly from call to call.
type State struct {
	buffer    string
	current   *openOperation
	completed []FileOperation
}

// CurrentPath returns the path of the in-flight operation, or "" if none.
func (s State) CurrentPath() string {
	if s.current == nil {
		return ""
	}
	return s.current.path
}

// Buffered returns the unclassified tail held back for the next chunk.
func (s State) Buffered() string {
	return s.buffer
}

// Completed returns every operation completed so far, in order.
func (s State) Completed() []FileOperation {
	out := make([]FileOperation, len(s.completed))
	copy(out, s.completed)
	return out
}

// ChunkResult is what a single ParseChunk call produced.
type ChunkResult struct {
	NewOperations []FileOperation
	DisplayText   string
	// CurrentPath is the path of the operation still open after this chunk.
	CurrentPath string
}

// FlushResult is the end-of-stream remainder.
type FlushResult struct {
	DisplayText string
	// Incomplete is set when an operation was still open at end of stream.
	// Its content is everything received for it, cleaned.
	Incomplete *FileOperation
}

// Parser extracts file operations from a chunked text stream.
type Parser struct {
	grammar *Grammar
}

// NewParser returns a parser over g. A nil grammar selects DefaultGrammar.
func NewParser(g *Grammar) *Parser {
	if g == nil {
		g = DefaultGrammar()
	}
	return &Parser{grammar: g}
}

// NewState returns a fresh session state.
func (p *Parser) NewState() State {
	return State{}
}

// ParseChunk consumes chunk and returns the advanced state together with the
// display text, the operations completed by this chunk and the in-flight path.
func (p *Parser) ParseChunk(s State, chunk string) (State, ChunkResult) {
	next := State{
		buffer:    s.buffer + chunk,
		completed: s.completed[:len(s.completed):len(s.completed)],
	}
	if s.current != nil {
		cur := *s.current
		next.current = &cur
	}

	var display strings.Builder
	var ops []FileOperation

	drain := func(text string) {
		if text == "" {
			return
		}
		if next.current != nil {
			next.current.content += text
		} else {
			display.WriteString(text)
		}
	}

	for {
		m, ok := p.grammar.find(next.buffer, next.current != nil)
		if !ok {
			break
		}
		drain(next.buffer[:m.start])
		next.buffer = next.buffer[m.end:]

		switch m.def.kind {
		case markerCreate, markerUpdate:
			next.current = &openOperation{kind: kindOf(m.def.kind), path: m.path}
		case markerDelete:
			op := FileOperation{Kind: OpDelete, Path: m.path}
			ops = append(ops, op)
			next.completed = append(next.completed, op)
		case markerEnd:
			op := FileOperation{
				Kind:    next.current.kind,
				Path:    next.current.path,
				Content: CleanContent(next.current.content),
			}
			next.current = nil
			ops = append(ops, op)
			next.completed = append(next.completed, op)
		}
	}

	hold := p.grammar.pendingStart(next.buffer, next.current != nil)
	drain(next.buffer[:hold])
	next.buffer = next.buffer[hold:]

	return next, ChunkResult{
		NewOperations: ops,
		DisplayText:   display.String(),
		CurrentPath:   next.CurrentPath(),
	}
}

// Flush finalizes a stream. Whatever is still buffered becomes trailing
// display text, or, when an operation is open, the rest of its content.
func (p *Parser) Flush(s State) FlushResult {
	if s.current == nil {
		return FlushResult{DisplayText: s.buffer}
	}
	return FlushResult{
		Incomplete: &FileOperation{
			Kind:    s.current.kind,
			Path:    s.current.path,
			Content: CleanContent(s.current.content + s.buffer),
		},
	}
}
