// Package server provides the HTTP control surface for the bridge.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/robolink/bridge-server/internal/confstore"
	"github.com/robolink/bridge-server/internal/controller"
	"github.com/robolink/bridge-server/internal/registry"
	"github.com/robolink/bridge-server/internal/routing"
	"github.com/robolink/bridge-server/internal/sink"
)

var log = logging.Logger("bridge-server")

// writeJSON writes a JSON response, safely encoding values to prevent injection.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server is the control server. It holds no routing state: mutating
// calls translate 1:1 to config store proposals, reads come straight
// from the registry, controller, and sinks.
type Server struct {
	listenAddr string
	registry   *registry.Registry
	store      *confstore.Store
	controller *controller.Controller
	engine     *routing.Engine
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the control server.
func NewServer(listenAddr string, reg *registry.Registry, store *confstore.Store, ctrl *controller.Controller, engine *routing.Engine) *Server {
	s := &Server{
		listenAddr: listenAddr,
		registry:   reg,
		store:      store,
		controller: ctrl,
		engine:     engine,
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/topics", s.handleTopics)
	s.mux.HandleFunc("/api/topics/watch", s.handleTopicsWatch)
	s.mux.HandleFunc("/api/consumers/", s.handleConsumers)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	// WriteTimeout stays unset so watch streams can outlive it; the
	// read-side timeouts still bound slow clients.
	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Infof("Control server listening on %s", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Control server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warnf("Control server shutdown error: %v", err)
		}
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleTopics lists the registry's current view.
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topics := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"topics": topics})
}

// watchEvent is one frame on the topic watch stream. The first frame
// carries the full listing, later frames carry diffs.
type watchEvent struct {
	Topics []registry.Topic `json:"topics,omitempty"`
	Diff   *registry.Diff   `json:"diff,omitempty"`
}

// handleTopicsWatch streams registry changes as server-sent events.
func (s *Server) handleTopicsWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Register the watcher before the initial listing so no diff
	// between listing and watching is lost.
	diffs, cancel := s.registry.Watch(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, watchEvent{Topics: s.registry.List()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case diff, open := <-diffs:
			if !open {
				return
			}
			if err := writeSSE(w, watchEvent{Diff: &diff}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleConsumers routes /api/consumers/{id}/config.
func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/consumers/")
	id, sub, found := strings.Cut(rest, "/")
	if !found || sub != "config" || id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetConfig(w, r, id)
	case http.MethodPut:
		s.handleSetConfig(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGetConfig returns a consumer's committed configuration.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, id string) {
	cfg, err := s.store.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetConfig proposes a configuration mutation. An accepted
// proposal answers 202 with the committed version; a rejected one
// answers 422 and leaves the committed config untouched.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request, id string) {
	var mutation confstore.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mutation); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid config body: " + err.Error()})
		return
	}

	version, err := s.store.Propose(id, mutation)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"reason": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"version": version})
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Subscriptions []controller.TopicStatus `json:"subscriptions"`
	Sinks         []sink.Stats             `json:"sinks"`
	ConfigVersion uint64                   `json:"configVersion"`
}

// handleStatus reports per-topic subscription state and sink stats.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Subscriptions: s.controller.Status(),
		ConfigVersion: s.store.Current().Version,
	}
	for _, sk := range s.engine.Sinks() {
		resp.Sinks = append(resp.Sinks, sk.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
