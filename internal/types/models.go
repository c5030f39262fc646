// internal/types/models.go
package types

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Session is a chat as returned by the backend. Messages holds any messages
// the backend embedded in the response; it is not kept in sync afterwards.
type Session struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Message is a persisted chat message. Messages are immutable once the
// backend has assigned ID and CreatedAt.
type Message struct {
	ID        MessageID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	AudioURL  *string   `json:"audio_url,omitempty"`
}

// NewMessage is the write payload for appending a message to a session.
type NewMessage struct {
	Role     Role    `json:"role"`
	Content  string  `json:"content"`
	AudioURL *string `json:"audio_url,omitempty"`
}

type KnowledgeItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	Source    *string   `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type NewKnowledgeItem struct {
	Title  string   `json:"title"`
	Text   string   `json:"text"`
	Tags   []string `json:"tags"`
	Source *string  `json:"source,omitempty"`
}
