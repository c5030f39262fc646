// Package backendtest provides an in-memory chat backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

// Fake is an in-memory implementation of types.Backend that can also open
// scripted reply streams. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	sessions []types.Session
	messages map[types.SessionID][]types.Message
	seq      int
	clock    time.Time

	calls    map[string]int
	failures map[string][]error
	replies  []func() (io.ReadCloser, error)
}

// New returns an empty fake backend.
func New() *Fake {
	return &Fake{
		messages: make(map[types.SessionID][]types.Message),
		clock:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Seed adds a session with the given messages, bypassing call counting.
func (f *Fake) Seed(id types.SessionID, title string, contents ...string) types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := types.Session{ID: id, Title: title, CreatedAt: f.tick()}
	f.sessions = append([]types.Session{s}, f.sessions...)
	msgs := []types.Message{}
	for i, content := range contents {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, f.newMessage(types.NewMessage{Role: role, Content: content}))
	}
	f.messages[id] = msgs
	return s
}

// Fail makes the next call to method (e.g. "PostMessage") return err.
// Repeated calls queue further failures.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// Calls returns how many times method has been called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Stored returns the backend's copy of a session's messages.
func (f *Fake) Stored(id types.SessionID) []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[id])
}

// QueueReply scripts the next OpenStream call to serve raw as its body.
func (f *Fake) QueueReply(raw ...string) {
	body := strings.Join(raw, "")
	f.queue(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

// QueuePipe scripts the next OpenStream call to serve whatever is written to
// the returned writer.
func (f *Fake) QueuePipe() *io.PipeWriter {
	pr, pw := io.Pipe()
	f.queue(func() (io.ReadCloser, error) { return pr, nil })
	return pw
}

// QueueStatus scripts the next OpenStream call to fail as if the backend had
// answered with code.
func (f *Fake) QueueStatus(code int) {
	f.queue(func() (io.ReadCloser, error) {
		return nil, fmt.Errorf("%w: status %d", llm.ErrStreamUnavailable, code)
	})
}

func (f *Fake) queue(reply func() (io.ReadCloser, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
}

// Frame renders one event-stream data frame carrying content and, when
// non-empty, a finish reason.
func Frame(content, finish string) string {
	choice := map[string]any{"delta": map[string]any{"content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	b, _ := json.Marshal(map[string]any{"choices": []any{choice}})
	return "data: " + string(b) + "\n\n"
}

// Reply renders a complete stream delivering deltas and then finishing.
func Reply(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(Frame(d, ""))
	}
	sb.WriteString(Frame("", "stop"))
	return sb.String()
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *Fake) newMessage(msg types.NewMessage) types.Message {
	f.seq++
	return types.Message{
		ID:        types.MessageID(fmt.Sprintf("m%d", f.seq)),
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: f.tick(),
		AudioURL:  msg.AudioURL,
	}
}

func notFound(id types.SessionID) error {
	return fmt.Errorf("session %s: %s", id, http.StatusText(http.StatusNotFound))
}

func (f *Fake) ListSessions(_ context.Context) ([]types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSessions"); err != nil {
		return nil, err
	}
	return slices.Clone(f.sessions), nil
}

func (f *Fake) CreateSession(_ context.Context, title string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateSession"); err != nil {
		return nil, err
	}
	f.seq++
	s := types.Session{
		ID:        types.SessionID(fmt.Sprintf("s%d", f.seq)),
		Title:     title,
		CreatedAt: f.tick(),
		Messages:  []types.Message{},
	}
	f.sessions = append([]types.Session{s}, f.sessions...)
	f.messages[s.ID] = []types.Message{}
	return &s, nil
}

func (f *Fake) DeleteSession(_ context.Context, id types.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteSession"); err != nil {
		return err
	}
	i := slices.IndexFunc(f.sessions, func(s types.Session) bool { return s.ID == id })
	if i < 0 {
		return notFound(id)
	}
	f.sessions = slices.Delete(f.sessions, i, i+1)
	delete(f.messages, id)
	return nil
}

func (f *Fake) ListMessages(_ context.Context, id types.SessionID) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListMessages"); err != nil {
		return nil, err
	}
	msgs, ok := f.messages[id]
	if !ok {
		return nil, notFound(id)
	}
	return slices.Clone(msgs), nil
}

func (f *Fake) PostMessage(_ context.Context, id types.SessionID, msg types.NewMessage) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PostMessage"); err != nil {
		return nil, err
	}
	if _, ok := f.messages[id]; !ok {
		return nil, notFound(id)
	}
	m := f.newMessage(msg)
	f.messages[id] = append(f.messages[id], m)
	return &m, nil
}

// OpenStream serves the next queued reply. With nothing queued it fails with
// llm.ErrStreamUnavailable.
func (f *Fake) OpenStream(ctx context.Context, id types.SessionID) (*llm.Stream, error) {
	f.mu.Lock()
	err := f.enter("OpenStream")
	var reply func() (io.ReadCloser, error)
	if err == nil && len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: no reply queued for %s", llm.ErrStreamUnavailable, id)
	}
	body, err := reply()
	if err != nil {
		return nil, err
	}
	return llm.NewStream(ctx, body), nil
}
