package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// DecodeFrame turns one frame into a Delta. Frames that are not data frames,
// have an empty payload or fail to parse decode to the zero Delta; malformed
// payloads are logged at warn level.
func DecodeFrame(frame string) Delta {
	d, err := ParseFrame(frame)
	if err != nil {
		slog.Warn("skipping malformed stream frame", "error", err)
		return Delta{}
	}
	return d
}

// ParseFrame is DecodeFrame without logging. It returns an error wrapping
// ErrMalformedFrame when a data payload is not a valid delta record.
func ParseFrame(frame string) (Delta, error) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(frame), dataPrefix)
	if !ok {
		return Delta{}, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Delta{}, nil
	}
	if payload == doneSentinel {
		return Delta{Done: true}, nil
	}

	var record openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Delta{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(record.Choices) == 0 {
		return Delta{}, nil
	}

	choice := record.Choices[0]
	d := Delta{
		Text:         choice.Delta.Content,
		HasText:      choice.Delta.Content != "",
		FinishReason: string(choice.FinishReason),
	}
	d.Done = d.FinishReason != ""
	return d, nil
}
