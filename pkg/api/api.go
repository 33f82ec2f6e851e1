// Package api exposes a small JSON-over-HTTP control API for the recurse
// daemon. It listens on a Unix domain socket and delegates to the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lc/recurse/internal/buildinfo"
	"github.com/lc/recurse/internal/engine"
	"github.com/lc/recurse/internal/socket"
)

// StatusResponse describes the daemon's current counters.
type StatusResponse struct {
	InFlight       int64         `json:"in_flight"`
	Started        uint64        `json:"started"`
	Finished       uint64        `json:"finished"`
	CachedMessages int           `json:"cached_messages"`
	CachedZoneCuts int           `json:"cached_zone_cuts"`
	Forwarding     bool          `json:"forwarding"`
	Uptime         time.Duration `json:"uptime"`
	Version        string        `json:"version"`
	Commit         string        `json:"commit"`
}

// FlushResponse reports how many cache entries a flush removed.
type FlushResponse struct {
	Messages int `json:"messages"`
	ZoneCuts int `json:"zone_cuts"`
}

// -------- server -----------------------------------------------------

// Server handles HTTP API requests over a Unix domain socket.
type Server struct {
	eng *engine.Engine
	mux *http.ServeMux
	srv *http.Server
}

// New creates a new API server with the given engine.
// It sets up the HTTP routes and returns a server ready to listen.
func New(eng *engine.Engine) *Server {
	s := &Server{
		eng: eng,
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("/v1/status", s.handleStatus)
	s.mux.HandleFunc("/v1/flush", s.handleFlush)

	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the Unix-socket HTTP server.
func (s *Server) ListenAndServe(path string) error {
	ln, err := socket.Listen(path)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// handleStatus returns the daemon status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.eng.Stats()
	resp := StatusResponse{
		InFlight:       st.InFlight,
		Started:        st.Started,
		Finished:       st.Finished,
		CachedMessages: st.CachedMessages,
		CachedZoneCuts: st.CachedZoneCuts,
		Forwarding:     st.Forwarding,
		Uptime:         st.Uptime,
		Version:        buildinfo.Version,
		Commit:         buildinfo.Commit,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleFlush empties both caches.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.eng.Stats()
	s.eng.Flush()
	resp := FlushResponse{
		Messages: st.CachedMessages,
		ZoneCuts: st.CachedZoneCuts,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}
