// Package knowledge turns web pages into knowledge items for the backend's
// knowledge base.
package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/streamchat/internal/types"
)

const (
	maxImportChars = 50000
	maxTitleChars  = 120
)

// Importer fetches a URL and converts its HTML content to markdown.
type Importer struct {
	client *http.Client
}

// NewImporter creates an Importer. A nil client uses a 30s timeout.
func NewImporter(client *http.Client) *Importer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Importer{client: client}
}

// FromURL fetches rawURL and returns a knowledge item whose text is the
// page as markdown, tagged "web" with the URL as its source.
func (im *Importer) FromURL(ctx context.Context, rawURL string, tags ...string) (types.NewKnowledgeItem, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return types.NewKnowledgeItem{}, fmt.Errorf("url must be http(s): %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return types.NewKnowledgeItem{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "streamchat/1.0")

	resp, err := im.client.Do(req)
	if err != nil {
		return types.NewKnowledgeItem{}, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.NewKnowledgeItem{}, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewKnowledgeItem{}, fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return types.NewKnowledgeItem{}, fmt.Errorf("convert to markdown: %w", err)
	}
	md = truncate(strings.TrimSpace(md), maxImportChars)

	source := u.String()
	return types.NewKnowledgeItem{
		Title:  titleOf(md, u),
		Text:   md,
		Tags:   append([]string{"web"}, tags...),
		Source: &source,
	}, nil
}

// titleOf uses the first markdown heading, falling back to host and path.
func titleOf(md string, u *url.URL) string {
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(line, "#")); title != "" {
				return truncate(title, maxTitleChars)
			}
		}
	}
	return strings.TrimSuffix(u.Host+u.Path, "/")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n\n[Content truncated]"
}
