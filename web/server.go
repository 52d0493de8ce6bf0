// Package web exposes a read-only HTTP status surface over a sync
// client: current state snapshot, metrics and an event submission
// passthrough.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mindmirror/mindlink/client"
)

type StatusServer struct {
	Addr   string
	client *client.Client
	server *http.Server
}

func NewStatusServer(addr string, c *client.Client) *StatusServer {
	return &StatusServer{Addr: addr, client: c}
}

func (s *StatusServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.HandleHealth)
	r.Get("/api/state", s.HandleState)
	r.Get("/api/metrics", s.HandleMetrics)
	r.Post("/api/events", s.HandleSubmitEvent)
	return r
}

func (s *StatusServer) Start() error {
	slog.Info("Starting status server", "addr", s.Addr)
	s.server = &http.Server{Addr: s.Addr, Handler: s.Routes()}
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *StatusServer) Shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *StatusServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.client.GetMetrics().Connected,
	})
}

func (s *StatusServer) HandleState(w http.ResponseWriter, r *http.Request) {
	snapshot := s.client.GetState()
	writeJSON(w, http.StatusOK, map[string]any{
		"state": snapshot,
		"trend": s.client.TrendDirection(),
	})
}

func (s *StatusServer) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.GetMetrics())
}

func (s *StatusServer) HandleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string            `json:"content"`
		Context map[string]string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if body.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	s.client.Submit(body.Content, body.Context)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
