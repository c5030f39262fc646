package chat

import "github.com/user/streamchat/internal/types"

// EventKind identifies a controller notification.
type EventKind int

const (
	// EventState is sent on every turn state transition.
	EventState EventKind = iota
	// EventDelta carries one streamed text fragment.
	EventDelta
)

// Event is delivered to subscribers as turns progress.
type Event struct {
	Kind      EventKind
	SessionID types.SessionID
	TurnID    types.TurnID
	State     TurnState
	Delta     string
	Err       error
}

// Subscribe returns a channel of turn events and a function that cancels the
// subscription. Events are dropped when the channel is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

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

func (c *Controller) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
