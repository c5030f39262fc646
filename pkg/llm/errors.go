package llm

import "errors"

var (
	// ErrStreamUnavailable means the backend did not return a readable stream.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrStreamAborted means the stream failed or was cancelled before it
	// completed. The cause is wrapped alongside it.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrMalformedFrame marks a data frame whose payload could not be parsed.
	// Streams skip such frames; the error is only logged and counted.
	ErrMalformedFrame = errors.New("malformed frame")
)
