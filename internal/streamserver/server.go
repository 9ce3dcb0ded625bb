// Package streamserver is the read-only streaming API for workspace-overlay
// consumers: a dashboard or editor extension that wants to watch sessions
// progress and fetch diffs without going through the tool protocol. It only
// ever reads from the Session Manager and Diff Store; it cannot mutate
// anything.
package streamserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/session"
)

// PollInterval is how often handleSessionEvents re-checks a session's
// status to emit as an SSE event. There is no pub/sub under the session
// manager today, so this is a deliberate poll rather than a subscription.
const PollInterval = 500 * time.Millisecond

// Server is the HTTP server for the streaming API.
type Server struct {
	sessions *session.Manager
	diffs    *diffstore.Store
}

// New builds a Server over the given components.
func New(sessions *session.Manager, diffs *diffstore.Store) *Server {
	return &Server{sessions: sessions, diffs: diffs}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled or
// the server fails to bind.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /diffs/{id}", s.handleGetDiff)

	srv := &http.Server{
		Addr:              addr,
		Handler:           compressMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("streamserver: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleSessionEvents streams a session's status as SSE, one event per poll
// tick while its state changes, until the session reaches a terminal state
// or the client disconnects.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := ids.SessionID(r.PathValue("id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var lastState session.State
	idx := 0
	for {
		rec, err := s.sessions.Status(id)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\nid: %d\n\n", jsonOrFallback(map[string]string{"error": err.Error()}), idx)
			flusher.Flush()
			return
		}
		if idx == 0 || rec.State != lastState {
			data, _ := json.Marshal(rec)
			fmt.Fprintf(w, "event: status\ndata: %s\nid: %d\n\n", data, idx)
			flusher.Flush()
			idx++
			lastState = rec.State
		}
		if session.IsTerminal(rec.State) {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleGetDiff(w http.ResponseWriter, r *http.Request) {
	id := ids.DiffID(r.PathValue("id"))
	d, err := s.diffs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d)
}

func jsonOrFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	if ok := errors.As(err, &e); ok {
		status := http.StatusInternalServerError
		switch e.Kind() {
		case errs.InvalidInput:
			status = http.StatusNotFound
		case errs.Conflict:
			status = http.StatusConflict
		}
		http.Error(w, e.Error(), status)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
