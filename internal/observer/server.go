// internal/observer/server.go
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/streamchat/internal/chat"
	"github.com/user/streamchat/internal/types"
)

// SessionLister lists sessions, typically from the session cache.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
}

// Viewer exposes live session views, typically the chat controller.
type Viewer interface {
	View(id types.SessionID) []chat.Entry
	State(id types.SessionID) chat.TurnState
}

// Server is a read-only HTTP handler for watching the client from outside:
// health, Prometheus metrics, the session listing and live session views.
type Server struct {
	sessions SessionLister
	viewer   Viewer
	mux      *http.ServeMux
}

// NewServer creates a new observer Server.
func NewServer(sessions SessionLister, viewer Viewer) *Server {
	s := &Server{
		sessions: sessions,
		viewer:   viewer,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/view", s.handleAPISessionView)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("observer server started", "listen", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	State     string `json:"state"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "backend unavailable"})
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sessionResponse{
			ID:        string(sess.ID),
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt.Format(time.RFC3339),
			State:     string(s.viewer.State(sess.ID)),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

type entryResponse struct {
	Kind    string         `json:"kind"`
	Message *types.Message `json:"message,omitempty"`
	TurnID  string         `json:"turn_id,omitempty"`
	Text    string         `json:"text,omitempty"`
}

type viewResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Entries   []entryResponse `json:"entries"`
}

func (s *Server) handleAPISessionView(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if !id.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	view := s.viewer.View(id)
	resp := viewResponse{
		SessionID: string(id),
		State:     string(s.viewer.State(id)),
		Entries:   make([]entryResponse, 0, len(view)),
	}
	for _, e := range view {
		switch e := e.(type) {
		case chat.Persisted:
			resp.Entries = append(resp.Entries, entryResponse{Kind: "persisted", Message: &e.Message})
		case chat.Pending:
			resp.Entries = append(resp.Entries, entryResponse{Kind: "pending", TurnID: string(e.TurnID), Text: e.Text})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
