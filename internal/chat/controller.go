// Package chat drives chat turns: it persists the user's message, streams
// the assistant reply and persists it once the stream completes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/streamchat/internal/metrics"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

// Store is the subset of the session cache the controller needs.
type Store interface {
	Messages(id types.SessionID) ([]types.Message, bool)
	ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error)
	AppendMessage(ctx context.Context, id types.SessionID, msg types.NewMessage) (*types.Message, error)
}

// Streamer opens a reply stream for a session's current history.
type Streamer interface {
	OpenStream(ctx context.Context, id types.SessionID) (*llm.Stream, error)
}

// TokenCounter counts tokens in reply text.
type TokenCounter interface {
	Count(text string) int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxConcurrent bounds the number of turns streaming at once across all
// sessions.
func WithMaxConcurrent(n int64) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRetryPolicy sets the policy used when persisting assistant replies.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

// WithTokenCounter sets the counter used for Result.CompletionTokens.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Controller) { c.counter = tc }
}

// Controller runs at most one turn per session at a time.
type Controller struct {
	store    Store
	streamer Streamer
	retry    *RetryPolicy
	sem      *semaphore.Weighted
	counter  TokenCounter

	mu    sync.Mutex
	turns map[types.SessionID]*Turn

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// New creates a Controller. By default up to 4 turns stream concurrently.
func New(store Store, streamer Streamer, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		streamer: streamer,
		retry:    DefaultRetryPolicy(),
		sem:      semaphore.NewWeighted(4),
		turns:    make(map[types.SessionID]*Turn),
		subs:     make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends input as a user message to the session and streams the
// assistant's reply. It blocks until the turn completes, fails or is
// cancelled through ctx or Cancel.
//
// Rejections (ErrNoSession, ErrEmptyInput, ErrTurnInFlight) have no side
// effects. Failures after the turn has started are returned as *TurnError.
func (c *Controller) Submit(ctx context.Context, id types.SessionID, input string) (*Result, error) {
	if !id.Valid() {
		return nil, ErrNoSession
	}
	text := strings.TrimSpace(input)
	if text == "" {
		return nil, ErrEmptyInput
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turn := newTurn(id, text, cancel)
	c.mu.Lock()
	if _, busy := c.turns[id]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, ErrTurnInFlight)
	}
	c.turns[id] = turn
	c.mu.Unlock()

	slog.Debug("turn started", "session_id", id, "turn_id", turn.ID)
	c.publish(Event{Kind: EventState, SessionID: id, TurnID: turn.ID, State: StateSending})

	res, err := c.run(turnCtx, turn)
	c.finish(turn, res, err)
	return res, err
}

func (c *Controller) run(ctx context.Context, turn *Turn) (*Result, error) {
	id := turn.SessionID

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, c.fail(turn, false, err)
	}
	defer c.sem.Release(1)

	// Appends only land locally once history is loaded, so a turn never
	// starts against an unloaded session.
	if _, loaded := c.store.Messages(id); !loaded {
		if _, err := c.store.ListMessages(ctx, id); err != nil {
			return nil, c.fail(turn, false, err)
		}
	}

	user, err := c.store.AppendMessage(ctx, id, types.NewMessage{Role: types.RoleUser, Content: turn.Input})
	if err != nil {
		return nil, c.fail(turn, false, err)
	}

	c.setState(turn, StateStreaming)
	stream, err := c.streamer.OpenStream(ctx, id)
	if err != nil {
		return nil, c.fail(turn, true, err)
	}
	reply, err := llm.Accumulate(stream, func(delta string) {
		c.appendPending(turn, delta)
	})
	stats := stream.Stats()
	recordStream(stats)
	if err != nil {
		return nil, c.fail(turn, true, err)
	}

	c.setState(turn, StateFinalizing)
	res := &Result{
		TurnID:      turn.ID,
		UserMessage: *user,
		Stats:       stats,
	}
	if strings.TrimSpace(reply) == "" {
		res.Empty = true
		return res, nil
	}

	var assistant *types.Message
	err = c.retry.Execute(ctx, func() error {
		m, err := c.store.AppendMessage(ctx, id, types.NewMessage{Role: types.RoleAssistant, Content: reply})
		if err != nil {
			slog.Warn("persisting reply failed", "session_id", id, "turn_id", turn.ID, "error", err)
			return err
		}
		assistant = m
		return nil
	})
	if err != nil {
		return nil, c.fail(turn, true, err)
	}

	res.AssistantMessage = assistant
	if c.counter != nil {
		res.CompletionTokens = c.counter.Count(reply)
	}
	return res, nil
}

// fail moves the turn to Failed and wraps err in a TurnError describing
// where it happened.
func (c *Controller) fail(turn *Turn, consumed bool, err error) error {
	c.mu.Lock()
	state := turn.State
	turn.State = StateFailed
	c.mu.Unlock()

	c.publish(Event{Kind: EventState, SessionID: turn.SessionID, TurnID: turn.ID, State: StateFailed, Err: err})
	return &TurnError{
		TurnID:        turn.ID,
		SessionID:     turn.SessionID,
		State:         state,
		InputConsumed: consumed,
		Err:           err,
	}
}

// finish removes the turn, clearing its pending text. It runs only after the
// reply has been persisted or the turn has failed.
func (c *Controller) finish(turn *Turn, res *Result, err error) {
	c.mu.Lock()
	delete(c.turns, turn.SessionID)
	c.mu.Unlock()

	elapsed := time.Since(turn.StartedAt)
	metrics.TurnDuration.Observe(elapsed.Seconds())
	if res != nil {
		res.Duration = elapsed
	}

	result := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		result = "cancelled"
		slog.Info("turn cancelled", "session_id", turn.SessionID, "turn_id", turn.ID)
	case err != nil:
		result = "failed"
		slog.Error("turn failed", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	case res.Empty:
		result = "empty"
		slog.Info("assistant reply was empty", "session_id", turn.SessionID, "turn_id", turn.ID)
	default:
		slog.Debug("turn complete", "session_id", turn.SessionID, "turn_id", turn.ID, "duration", elapsed)
	}
	metrics.Turns.WithLabelValues(result).Inc()

	c.publish(Event{Kind: EventState, SessionID: turn.SessionID, TurnID: turn.ID, State: StateIdle, Err: err})
}

func (c *Controller) setState(turn *Turn, state TurnState) {
	c.mu.Lock()
	turn.State = state
	c.mu.Unlock()
	c.publish(Event{Kind: EventState, SessionID: turn.SessionID, TurnID: turn.ID, State: state})
}

func (c *Controller) appendPending(turn *Turn, delta string) {
	c.mu.Lock()
	turn.pending.WriteString(delta)
	c.mu.Unlock()
	c.publish(Event{Kind: EventDelta, SessionID: turn.SessionID, TurnID: turn.ID, State: StateStreaming, Delta: delta})
}

// pendingText returns the in-flight reply for a session, if there is one
// with any text.
func (c *Controller) pendingText(id types.SessionID) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, ok := c.turns[id]
	if !ok || turn.State == StateFailed || turn.pending.Len() == 0 {
		return Pending{}, false
	}
	return Pending{TurnID: turn.ID, Text: turn.pending.String()}, true
}

// State returns the state of the session's current turn, or StateIdle.
func (c *Controller) State(id types.SessionID) TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if turn, ok := c.turns[id]; ok {
		return turn.State
	}
	return StateIdle
}

// Cancel cancels the session's in-flight turn. It reports whether there was
// one.
func (c *Controller) Cancel(id types.SessionID) bool {
	c.mu.Lock()
	turn, ok := c.turns[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	slog.Debug("cancelling turn", "session_id", id, "turn_id", turn.ID)
	turn.cancel()
	return true
}

// Close cancels all in-flight turns and closes subscriber channels.
func (c *Controller) Close() error {
	c.mu.Lock()
	for _, turn := range c.turns {
		turn.cancel()
	}
	c.mu.Unlock()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	return nil
}

func recordStream(stats llm.Stats) {
	metrics.StreamFrames.WithLabelValues("ok").Add(float64(stats.Frames - stats.Malformed))
	metrics.StreamFrames.WithLabelValues("malformed").Add(float64(stats.Malformed))
	metrics.StreamDeltas.Add(float64(stats.Deltas))
}
