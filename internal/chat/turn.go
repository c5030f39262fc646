package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

// TurnState is the lifecycle state of a session's current turn.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateSending    TurnState = "sending"
	StateStreaming  TurnState = "streaming"
	StateFinalizing TurnState = "finalizing"
	StateFailed     TurnState = "failed"
)

var (
	ErrNoSession    = errors.New("no session selected")
	ErrEmptyInput   = errors.New("input is empty")
	ErrTurnInFlight = errors.New("a turn is already in flight")
)

// Turn tracks one user message and the assistant reply streamed for it.
type Turn struct {
	ID        types.TurnID
	SessionID types.SessionID
	Input     string
	State     TurnState
	StartedAt time.Time

	pending strings.Builder
	cancel  func()
}

func newTurn(sessionID types.SessionID, input string, cancel func()) *Turn {
	return &Turn{
		ID:        types.NewTurnID(),
		SessionID: sessionID,
		Input:     input,
		State:     StateSending,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
}

// TurnError reports a turn that failed after it was accepted.
type TurnError struct {
	TurnID    types.TurnID
	SessionID types.SessionID
	// State is where the turn was when it failed.
	State TurnState
	// InputConsumed is true once the user message has been persisted. When
	// false the caller still owns the input and may resubmit it.
	InputConsumed bool
	Err           error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s (session %s) failed while %s: %v", e.TurnID, e.SessionID, e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Result describes a completed turn.
type Result struct {
	TurnID      types.TurnID
	UserMessage types.Message
	// AssistantMessage is nil when the reply was empty.
	AssistantMessage *types.Message
	// Empty is set when the stream finished without any non-whitespace text.
	// Nothing is persisted for an empty reply.
	Empty            bool
	Stats            llm.Stats
	CompletionTokens int
	Duration         time.Duration
}
