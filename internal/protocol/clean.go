package protocol

import (
	"regexp"
	"strings"
)

var (
	openingFence = regexp.MustCompile("^```[A-Za-z0-9_+.#-]*[ \t]*\r?\n")
	closingFence = regexp.MustCompile("\r?\n?```$")
)

// CleanContent trims a file body and removes a markdown code fence wrapping
// it. Fences are stripped until none wrap the content, so cleaning an already
// clean body returns it unchanged.
func CleanContent(content string) string {
	out := strings.TrimSpace(content)
	for {
		stripped, ok := stripFence(out)
		if !ok {
			return out
		}
		out = stripped
	}
}

func stripFence(s string) (string, bool) {
	loc := openingFence.FindStringIndex(s)
	if loc == nil {
		return s, false
	}
	body := s[loc[1]:]
	if end := closingFence.FindStringIndex(body); end != nil {
		body = body[:end[0]]
	}
	return strings.TrimSpace(body), true
}
