// internal/usage/counter.go
package usage

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/streamchat/internal/types"
)

const fallbackEncoding = "cl100k_base"

// Counter counts tokens in message text.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// New creates a counter using the tokenizer for model (e.g. "gpt-4"). Unknown
// models use cl100k_base. If no tokenizer can be loaded the counter falls
// back to EstimateTokens.
func New(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			return &Counter{}
		}
	}
	return &Counter{tokenizer: enc}
}

// Heuristic returns a counter that never loads a tokenizer.
func Heuristic() *Counter {
	return &Counter{}
}

// Exact reports whether counts come from a real tokenizer.
func (c *Counter) Exact() bool {
	return c.tokenizer != nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c.tokenizer == nil {
		return EstimateTokens(text)
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}

// CountMessages returns the total token count of the messages' content.
func (c *Counter) CountMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Count(m.Content)
	}
	return total
}

// EstimateTokens estimates the token count for a given text using a Unicode-aware heuristic.
// ASCII characters are weighted at ~4 per token, everything else at ~1 per token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
