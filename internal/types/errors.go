// internal/types/errors.go
package types

import "errors"

// Errors surfaced by the local session cache.
var (
	ErrFetchFailed       = errors.New("fetch failed")
	ErrPersistenceFailed = errors.New("persistence failed")
)
