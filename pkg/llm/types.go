package llm

// Delta is the decoded content of a single stream frame.
type Delta struct {
	Text    string
	HasText bool
	Done    bool
	// FinishReason is the backend's finish reason when Done came from a
	// finish_reason field. Empty for the [DONE] sentinel.
	FinishReason string
}

// Stats describes what a Stream has consumed so far.
type Stats struct {
	Frames       int
	Malformed    int
	Deltas       int
	FinishReason string
	// Residual reports whether a trailing unterminated frame was decoded at
	// end of stream.
	Residual bool
}
