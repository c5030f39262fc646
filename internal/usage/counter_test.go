// internal/usage/counter_test.go
package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/streamchat/internal/types"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"日本語", 3},
		{"hi 世界", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), tt.text)
	}
}

func TestHeuristicCounter(t *testing.T) {
	c := Heuristic()
	assert.False(t, c.Exact())
	assert.Equal(t, 2, c.Count("hello wo"))

	msgs := []types.Message{{Content: "abcd"}, {Content: "abcdabcd"}}
	assert.Equal(t, 3, c.CountMessages(msgs))
}

func TestNewCounter(t *testing.T) {
	// The tokenizer may be unavailable offline; either way counts are positive.
	c := New("gpt-4")
	assert.Positive(t, c.Count("hello world"))
	assert.Equal(t, 0, c.Count(""))
}
