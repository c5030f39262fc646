package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/llm"
)

func TestClientSessions(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "c2", "title": "Newer", "created_at": created.Add(time.Hour), "messages": []any{}},
			{"id": "c1", "title": "Older", "created_at": created, "messages": []any{}},
		})
	})
	mux.HandleFunc("POST /chats/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "c3", "title": body["title"], "created_at": created, "messages": []any{},
		})
	})
	mux.HandleFunc("DELETE /chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			http.Error(w, `{"detail":"Chat not found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL + "/")
	ctx := context.Background()

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, types.SessionID("c2"), sessions[0].ID)
	assert.Equal(t, "Older", sessions[1].Title)
	assert.True(t, sessions[1].CreatedAt.Equal(created))

	session, err := c.CreateSession(ctx, "Plans")
	require.NoError(t, err)
	assert.Equal(t, types.SessionID("c3"), session.ID)
	assert.Equal(t, "Plans", session.Title)

	require.NoError(t, c.DeleteSession(ctx, "c1"))

	err = c.DeleteSession(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "Chat not found")
}

func TestClientMessages(t *testing.T) {
	var posted types.NewMessage

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.PathValue("id"))
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "m1", "role": "user", "content": "hi", "created_at": time.Now()},
			{"id": "m2", "role": "assistant", "content": "hello", "created_at": time.Now(), "audio_url": "https://a/x.mp3"},
		})
	})
	mux.HandleFunc("POST /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "m3", "role": posted.Role, "content": posted.Content, "created_at": time.Now(),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	messages, err := c.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Nil(t, messages[0].AudioURL)
	require.NotNil(t, messages[1].AudioURL)
	assert.Equal(t, "https://a/x.mp3", *messages[1].AudioURL)

	msg, err := c.PostMessage(ctx, "c1", types.NewMessage{Role: types.RoleUser, Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, types.MessageID("m3"), msg.ID)
	assert.Equal(t, "again", msg.Content)
	assert.Equal(t, types.NewMessage{Role: types.RoleUser, Content: "again"}, posted)
}

func TestClientBearerToken(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListSessions(context.Background())
	require.NoError(t, err)
	_, err = New(srv.URL, WithAPIKey("secret")).ListSessions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "Bearer secret"}, auth)
}

func TestClientInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{not json")
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing response")
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, WithTimeout(50*time.Millisecond)).ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending request")
}

func TestClientOpenStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, WithTimeout(time.Second))

	s, err := c.OpenStream(context.Background(), "c1")
	require.NoError(t, err)
	text, err := llm.Accumulate(s, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	_, err = c.OpenStream(context.Background(), "nope")
	assert.ErrorIs(t, err, llm.ErrStreamUnavailable)
}

func TestClientOpenStreamConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).OpenStream(context.Background(), "c1")
	assert.ErrorIs(t, err, llm.ErrStreamUnavailable)
}

func TestClientKnowledge(t *testing.T) {
	var query string
	var created types.NewKnowledgeItem

	mux := http.NewServeMux()
	mux.HandleFunc("POST /knowledge/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "k1", "title": created.Title, "text": created.Text, "tags": created.Tags,
			"source": created.Source, "created_at": time.Now(),
		})
	})
	mux.HandleFunc("GET /knowledge/search", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "k1", "title": "Go", "text": "gophers", "tags": []string{}, "source": nil, "created_at": time.Now()},
		})
	})
	mux.HandleFunc("POST /knowledge/chat/{id}/remember", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "k2", "title": "Chat memory " + r.PathValue("id"), "text": "hi\nhello",
			"tags": []string{"memory"}, "source": "chat", "created_at": time.Now(),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	item, err := c.CreateKnowledge(ctx, types.NewKnowledgeItem{Title: "Notes", Text: "body"})
	require.NoError(t, err)
	assert.Equal(t, "k1", item.ID)
	assert.Equal(t, []string{}, created.Tags)

	items, err := c.SearchKnowledge(ctx, "go & gophers")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "go & gophers", query)
	assert.Nil(t, items[0].Source)

	memory, err := c.RememberChat(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "Chat memory c9", memory.Title)
	require.NotNil(t, memory.Source)
	assert.Equal(t, "chat", *memory.Source)
}
