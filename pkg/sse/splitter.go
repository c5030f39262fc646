// Package sse reassembles event-stream frames from a chunked response body.
package sse

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Delimiter terminates every frame on the wire.
const Delimiter = "\n\n"

var delimiter = []byte(Delimiter)

// ErrFlushed is returned by Write after Flush has been called.
var ErrFlushed = errors.New("sse: write after flush")

// Splitter turns arbitrarily fragmented byte chunks into complete text
// frames. Chunks are UTF-8 decoded as they arrive; a character split across
// two chunks is carried until the rest of it is written. A Splitter is not
// safe for concurrent use.
type Splitter struct {
	dec     transform.Transformer
	carry   []byte // trailing bytes of an incomplete character
	buf     []byte // decoded text not yet emitted
	scanned int    // prefix of buf known not to contain a delimiter
	flushed bool
	scratch [4096]byte
}

// NewSplitter creates an empty Splitter.
func NewSplitter() *Splitter {
	return &Splitter{dec: unicode.UTF8.NewDecoder()}
}

// Write decodes p and appends it to the frame buffer. It never fails before
// Flush.
func (s *Splitter) Write(p []byte) (int, error) {
	if s.flushed {
		return 0, ErrFlushed
	}
	s.decode(p, false)
	return len(p), nil
}

func (s *Splitter) decode(p []byte, atEOF bool) {
	src := p
	if len(s.carry) > 0 {
		src = append(s.carry, p...)
		s.carry = nil
	}
	for {
		nDst, nSrc, err := s.dec.Transform(s.scratch[:], src, atEOF)
		s.buf = append(s.buf, s.scratch[:nDst]...)
		src = src[nSrc:]
		switch {
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			s.carry = append([]byte(nil), src...)
			return
		case err != nil:
			// The UTF-8 decoder substitutes U+FFFD for invalid input, so this
			// only happens on a transformer bug. Keep the raw bytes.
			s.buf = append(s.buf, src...)
			return
		}
		if len(src) == 0 || nSrc == 0 {
			return
		}
	}
}

// Next returns the next complete frame, without its delimiter. It reports
// false when the buffer holds no complete frame yet.
func (s *Splitter) Next() (string, bool) {
	i := bytes.Index(s.buf[s.scanned:], delimiter)
	if i < 0 {
		// The first half of a delimiter may be the last byte of the buffer.
		s.scanned = max(0, len(s.buf)-len(delimiter)+1)
		return "", false
	}
	end := s.scanned + i
	frame := string(s.buf[:end])
	n := copy(s.buf, s.buf[end+len(delimiter):])
	s.buf = s.buf[:n]
	s.scanned = 0
	return frame, true
}

// Frames drains every frame that is currently complete.
func (s *Splitter) Frames() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			frame, ok := s.Next()
			if !ok || !yield(frame) {
				return
			}
		}
	}
}

// Flush marks the end of the stream and returns whatever text is left in the
// buffer as one final, possibly malformed, frame. Callers drain Next first.
// Flush reports false when nothing is left or when it was already called.
func (s *Splitter) Flush() (string, bool) {
	if s.flushed {
		return "", false
	}
	s.decode(nil, true)
	s.flushed = true
	if len(s.buf) == 0 {
		return "", false
	}
	frame := string(s.buf)
	s.buf = s.buf[:0]
	s.scanned = 0
	return frame, true
}

// Buffered returns the number of decoded bytes waiting for a delimiter.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Split lazily yields the frames read from r. Every call of the returned
// sequence starts with a fresh Splitter; the residual text left when r is
// exhausted is yielded as a last frame.
func Split(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s := NewSplitter()
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				s.Write(chunk[:n])
				for frame := range s.Frames() {
					if !yield(frame, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				if frame, ok := s.Flush(); ok {
					yield(frame, nil)
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}
