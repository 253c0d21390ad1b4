package protocol

import (
	"regexp"
	"strings"
)

// MaxPathLength bounds the path payload of a marker. A marker head whose path
// grows past this without closing is treated as ordinary text.
const MaxPathLength = 512

// MarkerPadding bounds the blanks a path marker may carry around its colon
// and path. Together with MaxPathLength it caps the length of any marker.
const MarkerPadding = 32

const (
	markerOpen  = "<<<"
	markerClose = ">>>"
)

// markerKind distinguishes the four file markers.
type markerKind int

const (
	markerCreate markerKind = iota
	markerUpdate
	markerDelete
	markerEnd
)

// markerDef describes one marker form of the grammar.
type markerDef struct {
	kind    markerKind
	keyword string
	head    string // "<<<" + keyword
	hasPath bool
	pattern *regexp.Regexp
	maxLen  int // longest valid marker text
}

// literal is the fixed (path independent) text of the marker.
func (m *markerDef) literal() string {
	if m.hasPath {
		return m.head + ":" + markerClose
	}
	return m.head + markerClose
}

// Grammar is the immutable marker table shared by parsers. It is safe to use
// from many sessions at once since it is never mutated after construction.
type Grammar struct {
	markers []*markerDef // priority order: create, update, delete, end

	// Holdback is the longest fixed marker literal minus one: the most text
	// that can be a strict prefix of a marker literal.
	Holdback int

	// Window is the longest text a valid marker can span. A suffix longer
	// than this can never become a marker, so it is never held back.
	Window int
}

// NewGrammar builds the file-operation grammar.
func NewGrammar() *Grammar {
	defs := []*markerDef{
		{kind: markerCreate, keyword: "FILE_CREATE", hasPath: true},
		{kind: markerUpdate, keyword: "FILE_UPDATE", hasPath: true},
		{kind: markerDelete, keyword: "FILE_DELETE", hasPath: true},
		{kind: markerEnd, keyword: "FILE_END"},
	}

	g := &Grammar{markers: defs}
	for _, d := range defs {
		d.head = markerOpen + d.keyword
		if d.hasPath {
			d.pattern = regexp.MustCompile(regexp.QuoteMeta(d.head) + `[ \t]*:[ \t]*([^<>\n]+)>>>`)
		} else {
			d.pattern = regexp.MustCompile(regexp.QuoteMeta(d.head + markerClose))
		}
		d.maxLen = len(d.literal())
		if d.hasPath {
			d.maxLen += MaxPathLength + MarkerPadding
		}
		if n := len(d.literal()) - 1; n > g.Holdback {
			g.Holdback = n
		}
		if d.maxLen > g.Window {
			g.Window = d.maxLen
		}
	}
	return g
}

var defaultGrammar = NewGrammar()

// DefaultGrammar returns the shared file-operation grammar.
func DefaultGrammar() *Grammar {
	return defaultGrammar
}

// markerMatch is a located marker in a buffer.
type markerMatch struct {
	def        *markerDef
	start, end int
	path       string
}

// active returns the markers valid in the given context. Start markers only
// apply while no operation is open; the end marker only while one is.
func (g *Grammar) active(open bool) []*markerDef {
	if open {
		return g.markers[len(g.markers)-1:]
	}
	return g.markers[:len(g.markers)-1]
}

// find locates the earliest valid marker in s. Ties go to the marker listed
// first in priority order.
func (g *Grammar) find(s string, open bool) (markerMatch, bool) {
	var best markerMatch
	found := false
	for _, d := range g.active(open) {
		m, ok := d.firstValid(s)
		if !ok {
			continue
		}
		if !found || m.start < best.start {
			best = m
			found = true
		}
	}
	return best, found
}

func (d *markerDef) firstValid(s string) (markerMatch, bool) {
	if !d.hasPath {
		loc := d.pattern.FindStringIndex(s)
		if loc == nil || loc[1]-loc[0] > d.maxLen {
			return markerMatch{}, false
		}
		return markerMatch{def: d, start: loc[0], end: loc[1]}, true
	}
	for _, loc := range d.pattern.FindAllStringSubmatchIndex(s, -1) {
		path := strings.TrimSpace(s[loc[2]:loc[3]])
		if path == "" || len(path) > MaxPathLength || loc[1]-loc[0] > d.maxLen {
			continue
		}
		return markerMatch{def: d, start: loc[0], end: loc[1], path: path}, true
	}
	return markerMatch{}, false
}

// couldStart reports whether s, a buffer suffix, can still grow into a valid
// marker of def once more input arrives.
func (d *markerDef) couldStart(s string) bool {
	if len(s) >= d.maxLen {
		return false
	}
	if len(s) <= len(d.head) {
		return strings.HasPrefix(d.head, s)
	}
	if !strings.HasPrefix(s, d.head) {
		return false
	}
	rest := s[len(d.head):]
	if !d.hasPath {
		return len(rest) < len(markerClose) && strings.HasPrefix(markerClose, rest)
	}

	rest = strings.TrimLeft(rest, " \t")
	if rest == "" {
		return true
	}
	if rest[0] != ':' {
		return false
	}
	rest = rest[1:]

	i := strings.IndexAny(rest, "<>\n")
	if i < 0 {
		return len(strings.TrimSpace(rest)) <= MaxPathLength
	}
	path, tail := strings.TrimSpace(rest[:i]), rest[i:]
	if path == "" || len(path) > MaxPathLength {
		return false
	}
	return len(tail) < len(markerClose) && strings.HasPrefix(markerClose, tail)
}

// pendingStart returns the index where the shortest retainable suffix of s
// begins: the earliest position from which s could still become a marker
// valid in the current context. It returns len(s) when nothing must be held.
func (g *Grammar) pendingStart(s string, open bool) int {
	from := 0
	if len(s) > g.Window {
		from = len(s) - g.Window
	}
	defs := g.active(open)
	for i := from; i < len(s); i++ {
		if s[i] != '<' {
			continue
		}
		for _, d := range defs {
			if d.couldStart(s[i:]) {
				return i
			}
		}
	}
	return len(s)
}
