package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/streamchat/internal/backend"
	"github.com/user/streamchat/internal/backend/backendtest"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

const session types.SessionID = "s1"

type submitResult struct {
	res *Result
	err error
}

func setup(t *testing.T, opts ...Option) (*Controller, *backendtest.Fake, *state.Cache) {
	t.Helper()
	fake := backendtest.New()
	fake.Seed(session, "Chat")
	cache := state.NewCache(fake)
	t.Cleanup(func() { cache.Close() })
	c := New(cache, fake, opts...)
	t.Cleanup(func() { c.Close() })
	return c, fake, cache
}

func submitAsync(c *Controller, id types.SessionID, input string) <-chan submitResult {
	done := make(chan submitResult, 1)
	go func() {
		res, err := c.Submit(context.Background(), id, input)
		done <- submitResult{res, err}
	}()
	return done
}

func waitState(t *testing.T, c *Controller, id types.SessionID, want TurnState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(id) == want }, 5*time.Second, 2*time.Millisecond,
		"session %s never reached %s", id, want)
}

func wait(t *testing.T, done <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
		return submitResult{}
	}
}

func contents(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestSubmitStreamsAndPersists(t *testing.T) {
	c, fake, cache := setup(t, WithTokenCounter(fixedCounter(7)))
	fake.QueueReply(backendtest.Reply("He", "llo"))

	events, cancel := c.Subscribe(32)
	defer cancel()

	res, err := c.Submit(context.Background(), session, "  hi there  ")
	require.NoError(t, err)

	assert.Equal(t, "hi there", res.UserMessage.Content)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, "Hello", res.AssistantMessage.Content)
	assert.False(t, res.Empty)
	assert.Equal(t, 2, res.Stats.Deltas)
	assert.Equal(t, "stop", res.Stats.FinishReason)
	assert.Equal(t, 7, res.CompletionTokens)

	msgs, ok := cache.Messages(session)
	require.True(t, ok)
	assert.Equal(t, []string{"user:hi there", "assistant:Hello"}, contents(msgs))
	assert.Equal(t, StateIdle, c.State(session))

	view := c.View(session)
	require.Len(t, view, 2)
	assert.Equal(t, Persisted{Message: msgs[1]}, view[1])

	var deltas []string
	var states []TurnState
	for len(events) > 0 {
		ev := <-events
		switch ev.Kind {
		case EventDelta:
			deltas = append(deltas, ev.Delta)
		case EventState:
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []string{"He", "llo"}, deltas)
	assert.Equal(t, []TurnState{StateSending, StateStreaming, StateFinalizing, StateIdle}, states)
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

func TestSubmitRejections(t *testing.T) {
	c, fake, _ := setup(t)

	_, err := c.Submit(context.Background(), "", "hello")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = c.Submit(context.Background(), "a/b", "hello")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = c.Submit(context.Background(), session, " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	assert.Equal(t, 0, fake.Calls("PostMessage"))
	assert.Equal(t, 0, fake.Calls("OpenStream"))
}

func TestSubmitWhileStreamingIsRejected(t *testing.T) {
	c, fake, _ := setup(t)
	pw := fake.QueuePipe()

	done := submitAsync(c, session, "first")
	waitState(t, c, session, StateStreaming)

	_, err := c.Submit(context.Background(), session, "second")
	require.ErrorIs(t, err, ErrTurnInFlight)
	assert.Equal(t, []string{"user:first"}, contents(fake.Stored(session)))

	_, err = pw.Write([]byte(backendtest.Reply("done")))
	require.NoError(t, err)
	pw.Close()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, []string{"user:first", "assistant:done"}, contents(fake.Stored(session)))
}

func TestViewShowsPendingWhileStreaming(t *testing.T) {
	c, fake, _ := setup(t)
	pw := fake.QueuePipe()

	done := submitAsync(c, session, "question")
	waitState(t, c, session, StateStreaming)

	_, err := pw.Write([]byte(backendtest.Frame("par", "") + backendtest.Frame("tial", "")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view := c.View(session)
		if len(view) != 2 {
			return false
		}
		p, ok := view[1].(Pending)
		return ok && p.Text == "partial"
	}, 5*time.Second, 2*time.Millisecond)

	_, err = pw.Write([]byte(backendtest.Frame("", "stop")))
	require.NoError(t, err)
	require.NoError(t, wait(t, done).err)

	view := c.View(session)
	require.Len(t, view, 2)
	last, ok := view[1].(Persisted)
	require.True(t, ok, "pending entry is replaced by the persisted reply")
	assert.Equal(t, "partial", last.Message.Content)
}

func TestViewNeverShowsGapOrDuplicate(t *testing.T) {
	fake := backendtest.New()
	fake.Seed(session, "Chat")
	cache := state.NewCache(fake)
	defer cache.Close()

	store := &hookStore{Cache: cache}
	c := New(store, fake)
	defer c.Close()

	var atPersist []Entry
	store.afterAssistant = func() { atPersist = c.View(session) }

	fake.QueueReply(backendtest.Reply("Hello"))
	_, err := c.Submit(context.Background(), session, "hi")
	require.NoError(t, err)

	require.Len(t, atPersist, 2, "reply visible exactly once at the moment of persistence")
	last, ok := atPersist[1].(Persisted)
	require.True(t, ok)
	assert.Equal(t, "Hello", last.Message.Content)
}

func TestCancelAbortsTurn(t *testing.T) {
	c, fake, _ := setup(t)
	pw := fake.QueuePipe()

	done := submitAsync(c, session, "long answer please")
	waitState(t, c, session, StateStreaming)

	_, err := pw.Write([]byte(backendtest.Frame("Once upon", "")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.View(session)) == 2 }, 5*time.Second, 2*time.Millisecond)

	assert.True(t, c.Cancel(session))

	r := wait(t, done)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, llm.ErrStreamAborted)
	assert.ErrorIs(t, r.err, context.Canceled)

	var te *TurnError
	require.ErrorAs(t, r.err, &te)
	assert.Equal(t, StateStreaming, te.State)
	assert.True(t, te.InputConsumed)

	assert.Equal(t, []string{"user:long answer please"}, contents(fake.Stored(session)))
	assert.Len(t, c.View(session), 1, "pending text is discarded")
	assert.Equal(t, StateIdle, c.State(session))
	assert.False(t, c.Cancel(session))
}

func TestSubmitContextDeadline(t *testing.T) {
	c, fake, _ := setup(t)
	fake.QueuePipe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, session, "hello")
	require.ErrorIs(t, err, llm.ErrStreamAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitEmptyReply(t *testing.T) {
	c, fake, _ := setup(t)
	fake.QueueReply(backendtest.Reply("  ", "\n"))

	res, err := c.Submit(context.Background(), session, "say nothing")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Nil(t, res.AssistantMessage)
	assert.Equal(t, []string{"user:say nothing"}, contents(fake.Stored(session)))
}

func TestSubmitUserAppendFails(t *testing.T) {
	c, fake, cache := setup(t)
	_, err := cache.ListMessages(context.Background(), session)
	require.NoError(t, err)

	fake.Fail("PostMessage", errors.New("backend down"))

	_, err = c.Submit(context.Background(), session, "hello")
	require.ErrorIs(t, err, types.ErrPersistenceFailed)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateSending, te.State)
	assert.False(t, te.InputConsumed)
	assert.Equal(t, 0, fake.Calls("OpenStream"))

	msgs, _ := cache.Messages(session)
	assert.Empty(t, msgs)
	assert.Equal(t, StateIdle, c.State(session))
}

func TestSubmitHistoryLoadFails(t *testing.T) {
	c, fake, _ := setup(t)
	fake.Fail("ListMessages", &backend.StatusError{Method: "GET", Path: "/chats/s1/messages", Code: 503})
	fake.QueueReply(backendtest.Reply("He", "llo"))

	_, err := c.Submit(context.Background(), session, "hi")
	require.ErrorIs(t, err, types.ErrFetchFailed)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateSending, te.State)
	assert.False(t, te.InputConsumed)
	assert.Empty(t, fake.Stored(session), "nothing is posted")
	assert.Equal(t, 0, fake.Calls("OpenStream"))

	// Once the backend recovers the same input goes through and stays visible.
	res, err := c.Submit(context.Background(), session, "hi")
	require.NoError(t, err)
	require.NotNil(t, res.AssistantMessage)

	view := c.View(session)
	require.Len(t, view, 2)
	assert.Equal(t, "Hello", view[1].(Persisted).Message.Content)
}

func TestSubmitStreamUnavailable(t *testing.T) {
	c, fake, cache := setup(t)
	fake.QueueStatus(502)

	_, err := c.Submit(context.Background(), session, "hello")
	require.ErrorIs(t, err, llm.ErrStreamUnavailable)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateStreaming, te.State)
	assert.True(t, te.InputConsumed)

	msgs, _ := cache.Messages(session)
	assert.Equal(t, []string{"user:hello"}, contents(msgs), "persisted input is left intact")
}

func TestSubmitRetriesAssistantPersist(t *testing.T) {
	fake := backendtest.New()
	fake.Seed(session, "Chat")
	cache := state.NewCache(fake)
	defer cache.Close()

	store := &hookStore{Cache: cache, failAssistant: 2}
	c := New(store, fake, WithRetryPolicy(fastRetry(3)))
	defer c.Close()

	fake.QueueReply(backendtest.Reply("saved"))
	res, err := c.Submit(context.Background(), session, "hi")
	require.NoError(t, err)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, []string{"user:hi", "assistant:saved"}, contents(fake.Stored(session)))
}

func TestSubmitAssistantPersistExhausted(t *testing.T) {
	fake := backendtest.New()
	fake.Seed(session, "Chat")
	cache := state.NewCache(fake)
	defer cache.Close()

	store := &hookStore{Cache: cache, failAssistant: 5}
	c := New(store, fake, WithRetryPolicy(fastRetry(3)))
	defer c.Close()

	fake.QueueReply(backendtest.Reply("lost"))
	_, err := c.Submit(context.Background(), session, "hi")

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateFinalizing, te.State)
	assert.True(t, te.InputConsumed)
	assert.Len(t, c.View(session), 1, "no pending entry survives a failed turn")
	assert.Equal(t, 2, store.remaining())
}

func TestTurnsAcrossSessionsAreBounded(t *testing.T) {
	c, fake, _ := setup(t, WithMaxConcurrent(1))
	fake.Seed("s2", "Other")

	first := fake.QueuePipe()
	fake.QueueReply(backendtest.Reply("two"))

	done1 := submitAsync(c, session, "one")
	waitState(t, c, session, StateStreaming)

	done2 := submitAsync(c, "s2", "two")
	waitState(t, c, "s2", StateSending)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateSending, c.State("s2"), "second session waits for a slot")
	assert.Equal(t, 1, fake.Calls("OpenStream"))

	_, err := first.Write([]byte(backendtest.Reply("one")))
	require.NoError(t, err)

	require.NoError(t, wait(t, done1).err)
	r2 := wait(t, done2)
	require.NoError(t, r2.err)
	assert.Equal(t, "two", r2.res.AssistantMessage.Content)
}

func TestSessionsRunIndependently(t *testing.T) {
	c, fake, _ := setup(t)
	fake.Seed("s2", "Other")

	pw := fake.QueuePipe()
	done1 := submitAsync(c, session, "slow")
	require.Eventually(t, func() bool { return fake.Calls("OpenStream") == 1 }, 5*time.Second, 2*time.Millisecond)

	fake.QueueReply(backendtest.Reply("fast"))
	res, err := c.Submit(context.Background(), "s2", "quick")
	require.NoError(t, err)
	assert.Equal(t, "fast", res.AssistantMessage.Content)
	assert.Equal(t, StateStreaming, c.State(session))

	pw.Write([]byte(backendtest.Reply("slow reply")))
	require.NoError(t, wait(t, done1).err)
}

func TestCloseCancelsTurns(t *testing.T) {
	c, fake, _ := setup(t)
	fake.QueuePipe()

	events, _ := c.Subscribe(64)
	done := submitAsync(c, session, "hello")
	waitState(t, c, session, StateStreaming)

	require.NoError(t, c.Close())
	r := wait(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)

	for range events {
	}
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     time.Millisecond,
	}
}

// hookStore wraps the cache to fail or observe assistant appends.
type hookStore struct {
	*state.Cache

	mu             sync.Mutex
	failAssistant  int
	afterAssistant func()
}

func (s *hookStore) AppendMessage(ctx context.Context, id types.SessionID, msg types.NewMessage) (*types.Message, error) {
	if msg.Role == types.RoleAssistant {
		s.mu.Lock()
		fail := s.failAssistant > 0
		if fail {
			s.failAssistant--
		}
		s.mu.Unlock()
		if fail {
			return nil, fmt.Errorf("%w: status 503", types.ErrPersistenceFailed)
		}
	}

	m, err := s.Cache.AppendMessage(ctx, id, msg)
	if err == nil && msg.Role == types.RoleAssistant && s.afterAssistant != nil {
		s.afterAssistant()
	}
	return m, err
}

func (s *hookStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failAssistant
}
