// internal/state/cache.go
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/streamchat/internal/metrics"
	"github.com/user/streamchat/internal/types"
)

// ErrClosed is returned by operations on a closed Cache.
var ErrClosed = errors.New("cache closed")

// ChangeKind identifies what a Change notification is about.
type ChangeKind int

const (
	// ChangeListing means the session listing was invalidated or refreshed.
	ChangeListing ChangeKind = iota
	// ChangeMessages means a session's message snapshot was replaced.
	ChangeMessages
	// ChangeAppended means a message was appended to a session's snapshot.
	ChangeAppended
	// ChangeRemoved means a session was deleted.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeListing:
		return "listing"
	case ChangeMessages:
		return "messages"
	case ChangeAppended:
		return "appended"
	case ChangeRemoved:
		return "removed"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is delivered to subscribers after cache state changes.
type Change struct {
	Kind      ChangeKind
	SessionID types.SessionID
}

// Option configures a Cache.
type Option func(*Cache)

// WithListingTTL makes a cached session listing expire after d. Zero keeps
// it until invalidated.
func WithListingTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// withClock overrides the time source used for listing expiry.
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache mirrors backend session state. All methods are safe for concurrent
// use. Returned slices are copies owned by the caller.
type Cache struct {
	backend types.Backend
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu           sync.RWMutex
	sessions     []types.Session
	listedAt     time.Time
	listingValid bool
	listingGen   uint64
	messages     map[types.SessionID][]types.Message
	closed       bool

	locksMu sync.Mutex
	locks   map[types.SessionID]*sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Change]struct{}
}

// NewCache creates a cache in front of backend.
func NewCache(backend types.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:  backend,
		now:      time.Now,
		messages: make(map[types.SessionID][]types.Message),
		locks:    make(map[types.SessionID]*sync.Mutex),
		subs:     make(map[chan Change]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (c *Cache) getLock(id types.SessionID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()

	if lock, ok := c.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.locks[id] = lock
	return lock
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ListSessions returns the session listing in server order, fetching it if
// it has never been loaded, was invalidated or has expired.
func (c *Cache) ListSessions(ctx context.Context) ([]types.Session, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	c.mu.RLock()
	if c.listingFresh() {
		sessions := slices.Clone(c.sessions)
		c.mu.RUnlock()
		return sessions, nil
	}
	c.mu.RUnlock()

	v, err := c.shared(ctx, "sessions", func(ctx context.Context) (any, error) {
		c.mu.RLock()
		gen := c.listingGen
		c.mu.RUnlock()

		sessions, err := c.backend.ListSessions(ctx)
		metrics.CacheFetches.WithLabelValues("sessions", metrics.Result(err)).Inc()
		if err != nil {
			return nil, err
		}
		if sessions == nil {
			sessions = []types.Session{}
		}

		c.mu.Lock()
		c.sessions = sessions
		c.listedAt = c.now()
		// A write that landed while we were fetching may not be reflected.
		c.listingValid = c.listingGen == gen
		c.mu.Unlock()
		return sessions, nil
	})
	if err != nil {
		slog.Warn("listing sessions failed", "error", err)
		return nil, fmt.Errorf("%w: listing sessions: %w", types.ErrFetchFailed, err)
	}
	return slices.Clone(v.([]types.Session)), nil
}

// shared runs fn once for all concurrent callers of key. The fetch is
// detached from the first caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (c *Cache) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// listingFresh reports whether the cached listing can be served. Caller must
// hold mu.
func (c *Cache) listingFresh() bool {
	if !c.listingValid {
		return false
	}
	return c.ttl <= 0 || c.now().Sub(c.listedAt) < c.ttl
}

// Sessions returns the cached listing without fetching. The second result
// is false if no listing has been loaded.
func (c *Cache) Sessions() ([]types.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessions == nil {
		return nil, false
	}
	return slices.Clone(c.sessions), true
}

// InvalidateListing forces the next ListSessions to refetch.
func (c *Cache) InvalidateListing() {
	c.mu.Lock()
	c.invalidateListingLocked()
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeListing})
}

// invalidateListingLocked marks the listing stale. Caller must hold mu.
func (c *Cache) invalidateListingLocked() {
	c.listingValid = false
	c.listingGen++
}

// CreateSession creates a session on the backend and seeds its message
// snapshot from the response.
func (c *Cache) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	session, err := c.backend.CreateSession(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %w", types.ErrPersistenceFailed, err)
	}

	msgs := slices.Clone(session.Messages)
	if msgs == nil {
		msgs = []types.Message{}
	}

	c.mu.Lock()
	c.messages[session.ID] = msgs
	c.invalidateListingLocked()
	c.mu.Unlock()

	slog.Debug("session created", "session_id", session.ID)
	c.publish(Change{Kind: ChangeMessages, SessionID: session.ID})
	c.publish(Change{Kind: ChangeListing})

	created := *session
	created.Messages = slices.Clone(msgs)
	return &created, nil
}

// DeleteSession deletes a session on the backend and drops it locally.
func (c *Cache) DeleteSession(ctx context.Context, id types.SessionID) error {
	if c.isClosed() {
		return ErrClosed
	}

	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := c.backend.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("%w: deleting session %s: %w", types.ErrPersistenceFailed, id, err)
	}

	c.mu.Lock()
	delete(c.messages, id)
	if i := slices.IndexFunc(c.sessions, func(s types.Session) bool { return s.ID == id }); i >= 0 {
		c.sessions = slices.Delete(slices.Clone(c.sessions), i, i+1)
	}
	c.invalidateListingLocked()
	c.mu.Unlock()

	slog.Debug("session deleted", "session_id", id)
	c.publish(Change{Kind: ChangeRemoved, SessionID: id})
	c.publish(Change{Kind: ChangeListing})
	return nil
}

// Messages returns the cached messages for a session without fetching. The
// second result is false until the session's messages have been loaded.
func (c *Cache) Messages(id types.SessionID) ([]types.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.messages[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(msgs), true
}

// ListMessages returns a session's messages, fetching them on first access.
func (c *Cache) ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error) {
	if msgs, ok := c.Messages(id); ok {
		return msgs, nil
	}
	return c.RefreshMessages(ctx, id)
}

// RefreshMessages refetches a session's messages and replaces the snapshot.
// On failure the previous snapshot is kept.
func (c *Cache) RefreshMessages(ctx context.Context, id types.SessionID) ([]types.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	v, err := c.shared(ctx, "messages/"+string(id), func(ctx context.Context) (any, error) {
		lock := c.getLock(id)
		lock.Lock()
		defer lock.Unlock()

		msgs, err := c.backend.ListMessages(ctx, id)
		metrics.CacheFetches.WithLabelValues("messages", metrics.Result(err)).Inc()
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []types.Message{}
		}

		c.mu.Lock()
		c.messages[id] = msgs
		c.mu.Unlock()

		c.publish(Change{Kind: ChangeMessages, SessionID: id})
		return msgs, nil
	})
	if err != nil {
		slog.Warn("fetching messages failed", "session_id", id, "error", err)
		return nil, fmt.Errorf("%w: messages for %s: %w", types.ErrFetchFailed, id, err)
	}
	return slices.Clone(v.([]types.Message)), nil
}

// AppendMessage persists msg and appends the backend's canonical message to
// the local snapshot. On failure the snapshot is left untouched. A session
// whose messages have never been loaded stays unloaded.
func (c *Cache) AppendMessage(ctx context.Context, id types.SessionID, msg types.NewMessage) (*types.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	lock := c.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	created, err := c.backend.PostMessage(ctx, id, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: appending to %s: %w", types.ErrPersistenceFailed, id, err)
	}

	c.mu.Lock()
	if current, ok := c.messages[id]; ok && !containsMessage(current, created.ID) {
		next := make([]types.Message, len(current), len(current)+1)
		copy(next, current)
		c.messages[id] = append(next, *created)
	}
	c.invalidateListingLocked()
	c.mu.Unlock()

	c.publish(Change{Kind: ChangeAppended, SessionID: id})
	c.publish(Change{Kind: ChangeListing})

	m := *created
	return &m, nil
}

func containsMessage(msgs []types.Message, id types.MessageID) bool {
	return slices.ContainsFunc(msgs, func(m types.Message) bool { return m.ID == id })
}

// Subscribe returns a channel that receives a Change after each state change
// and a function that cancels the subscription. Notifications are dropped
// when the channel is full; subscribers should re-read snapshots rather than
// rely on seeing every change.
func (c *Cache) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs == nil {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Cache) publish(change Change) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Close closes all subscriber channels. Further operations fail with
// ErrClosed; snapshot reads keep working.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	return nil
}
