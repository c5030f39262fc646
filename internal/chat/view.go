package chat

import "github.com/user/streamchat/internal/types"

// Entry is one item of a session view: either a Persisted message or the
// Pending reply of the turn in flight.
type Entry interface {
	entry()
}

// Persisted is a message the backend has stored.
type Persisted struct {
	Message types.Message
}

// Pending is assistant text that is still streaming. It is never stored in
// the cache.
type Pending struct {
	TurnID types.TurnID
	Text   string
}

func (Persisted) entry() {}
func (Pending) entry()   {}

// View returns the session's persisted messages followed by the pending
// reply, if any. A turn that has just been persisted is never missing from
// the view: the pending text is read first and dropped only when the
// snapshot already ends with the identical assistant message.
func (c *Controller) View(id types.SessionID) []Entry {
	pending, hasPending := c.pendingText(id)
	msgs, _ := c.store.Messages(id)

	entries := make([]Entry, 0, len(msgs)+1)
	for _, m := range msgs {
		entries = append(entries, Persisted{Message: m})
	}
	if hasPending && !endsWith(msgs, pending.Text) {
		entries = append(entries, pending)
	}
	return entries
}

func endsWith(msgs []types.Message, text string) bool {
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	return last.Role == types.RoleAssistant && last.Content == text
}
