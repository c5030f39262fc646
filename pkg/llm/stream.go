package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/streamchat/pkg/sse"
)

const readChunkSize = 4096

var errStreamClosed = errors.New("stream closed")

// Stream pulls text deltas out of an event-stream body in arrival order.
//
// A Stream is finite: it ends at the first done frame or when the body
// closes cleanly. Cancelling the context passed to NewStream closes the body
// and makes the next Recv fail with ErrStreamAborted. Recv and Close must not
// be called concurrently; use the context to stop a Stream from another
// goroutine.
type Stream struct {
	ctx      context.Context
	body     io.ReadCloser
	stop     func() bool
	splitter *sse.Splitter
	chunk    []byte

	text  strings.Builder
	stats Stats

	eof      bool
	finished bool
	err      error

	releaseOnce sync.Once
}

// NewStream wraps body. The Stream owns body from here on.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	s := &Stream{
		ctx:      ctx,
		body:     body,
		splitter: sse.NewSplitter(),
		chunk:    make([]byte, readChunkSize),
	}
	s.stop = context.AfterFunc(ctx, s.release)
	return s
}

// Recv returns the next non-empty delta. It returns io.EOF once the stream
// has completed and an error wrapping ErrStreamAborted if it failed.
func (s *Stream) Recv() (string, error) {
	for {
		if s.err != nil {
			return "", s.err
		}
		if s.finished {
			return "", io.EOF
		}

		if frame, ok := s.splitter.Next(); ok {
			if text, ok := s.fold(frame); ok {
				return text, nil
			}
			continue
		}

		if s.eof {
			var text string
			frame, ok := s.splitter.Flush()
			if ok {
				s.stats.Residual = true
				text, ok = s.fold(frame)
			}
			if s.err != nil {
				return "", s.err
			}
			s.finish()
			if ok {
				return text, nil
			}
			return "", io.EOF
		}

		s.read()
	}
}

// Deltas is the range-over-func form of Recv. A failed stream yields one
// final ("", err) pair.
func (s *Stream) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			text, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// Text returns every delta received so far, concatenated.
func (s *Stream) Text() string {
	return s.text.String()
}

// Stats returns frame and delta counters.
func (s *Stream) Stats() Stats {
	return s.stats
}

// Done reports whether the stream completed normally.
func (s *Stream) Done() bool {
	return s.finished && s.err == nil
}

// Close releases the body. A Stream closed before completion reports
// ErrStreamAborted from further Recv calls. Close is idempotent.
func (s *Stream) Close() error {
	if !s.finished && s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrStreamAborted, errStreamClosed)
	}
	s.stop()
	s.release()
	return nil
}

// fold decodes a frame and applies its delta. It reports whether the frame
// contributed text.
func (s *Stream) fold(frame string) (string, bool) {
	if err := s.ctx.Err(); err != nil {
		s.abort(err)
		return "", false
	}

	s.stats.Frames++
	d, err := ParseFrame(frame)
	if err != nil {
		s.stats.Malformed++
		slog.Warn("skipping malformed stream frame", "error", err)
		return "", false
	}

	if d.Done {
		s.stats.FinishReason = d.FinishReason
		s.finish()
	}
	if !d.HasText {
		return "", false
	}
	s.text.WriteString(d.Text)
	s.stats.Deltas++
	return d.Text, true
}

func (s *Stream) read() {
	n, err := s.body.Read(s.chunk)
	if n > 0 {
		s.splitter.Write(s.chunk[:n])
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			s.abort(ctxErr)
			return
		}
		s.eof = true
	default:
		s.abort(err)
	}
}

func (s *Stream) finish() {
	s.finished = true
	s.stop()
	s.release()
}

func (s *Stream) abort(cause error) {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		cause = ctxErr
	}
	s.err = fmt.Errorf("%w: %w", ErrStreamAborted, cause)
	s.stop()
	s.release()
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.body.Close()
	})
}

// Accumulate drains s, calling onToken with each delta as it arrives, and
// returns the full text. On failure the partial text is discarded. s is
// closed when Accumulate returns.
func Accumulate(s *Stream, onToken func(string)) (string, error) {
	defer s.Close()

	for delta, err := range s.Deltas() {
		if err != nil {
			return "", err
		}
		if onToken != nil {
			onToken(delta)
		}
	}
	return s.Text(), nil
}
