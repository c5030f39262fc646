package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorExcerpt = 512

// FromResponse wraps an HTTP response carrying an event stream. Non-2xx
// responses and responses without a body fail with ErrStreamUnavailable and
// are closed.
func FromResponse(ctx context.Context, resp *http.Response) (*Stream, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: no response", ErrStreamUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := ""
		if resp.Body != nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
			excerpt = strings.TrimSpace(string(b))
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrStreamUnavailable, resp.StatusCode, excerpt)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty body", ErrStreamUnavailable)
	}
	return NewStream(ctx, resp.Body), nil
}
