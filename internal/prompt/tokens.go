package prompt

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base codec, a close enough approximation for
// every supported provider.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text, or 0 when the
// codec is unavailable.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimateMessages sums the estimate over several message bodies, adding a
// small per-message overhead for role framing.
func EstimateMessages(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += EstimateTokens(c) + 4
	}
	return total
}
