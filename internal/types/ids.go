// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type MessageID string
type TurnID string

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// Valid reports whether id is usable as a path segment against the backend.
func (id SessionID) Valid() bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '?' || r == '#' {
			return false
		}
	}
	return true
}
