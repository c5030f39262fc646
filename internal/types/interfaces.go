// internal/types/interfaces.go
package types

import (
	"context"
)

// Backend is the REST collaborator that owns durable chat state.
type Backend interface {
	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context, title string) (*Session, error)
	DeleteSession(ctx context.Context, id SessionID) error
	ListMessages(ctx context.Context, id SessionID) ([]Message, error)
	PostMessage(ctx context.Context, id SessionID, msg NewMessage) (*Message, error)
}
