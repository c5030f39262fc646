package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHTML(t *testing.T, html string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFromURL(t *testing.T) {
	url := serveHTML(t, `<html><body><h1>Hello World</h1><p>This is a test.</p></body></html>`)

	item, err := NewImporter(nil).FromURL(context.Background(), url+"/page", "notes")
	require.NoError(t, err)

	assert.Equal(t, "Hello World", item.Title)
	assert.Contains(t, item.Text, "This is a test")
	assert.Equal(t, []string{"web", "notes"}, item.Tags)
	require.NotNil(t, item.Source)
	assert.Equal(t, url+"/page", *item.Source)
}

func TestFromURLTitleFallback(t *testing.T) {
	url := serveHTML(t, `<p>no heading here</p>`)

	item, err := NewImporter(nil).FromURL(context.Background(), url+"/docs/")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(url, "http://")+"/docs", item.Title)
}

func TestFromURLRejectsNonHTTP(t *testing.T) {
	_, err := NewImporter(nil).FromURL(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}

func TestFromURLStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewImporter(nil).FromURL(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFromURLTruncation(t *testing.T) {
	url := serveHTML(t, "<html><body><p>"+strings.Repeat("x", 60000)+"</p></body></html>")

	item, err := NewImporter(nil).FromURL(context.Background(), url)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(item.Text), 51000)
	assert.True(t, strings.HasSuffix(item.Text, "[Content truncated]"))
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 10) // 20 bytes
	got := truncate(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(got, "éé\n"))
	assert.Equal(t, "short", truncate("short", 10))
}
