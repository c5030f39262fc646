// Package state holds the process-local view of chat sessions.
//
// The backend owns durable state. Cache mirrors the session listing and each
// session's message history, fetching lazily and applying successful writes
// locally so callers do not have to refetch after every append.
package state
