// Package server exposes the memory subsystem over HTTP for dashboards
// and non-Go agents. It is a thin veneer: every handler delegates to the
// same components the CLI and the library facade use, so behavior never
// diverges between surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/disclose"
	"github.com/engramlabs/engram-go/economics"
	"github.com/engramlabs/engram-go/hooks"
	"github.com/engramlabs/engram-go/retrieve"
	"github.com/engramlabs/engram-go/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7440).
	Addr string
	// ReadTimeout for the HTTP server.
	ReadTimeout time.Duration
	// WriteTimeout for the HTTP server. Event stream connections are
	// exempt via the websocket hijack.
	WriteTimeout time.Duration
	// IdleTimeout for the HTTP server.
	IdleTimeout time.Duration
	// ShutdownGrace bounds graceful shutdown once the context ends.
	ShutdownGrace time.Duration
}

// DefaultConfig returns a default configuration. The server binds to
// loopback: it is an agent-host tool, not a public API.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:7440",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		ShutdownGrace: 10 * time.Second,
	}
}

// Server serves the memory API.
type Server struct {
	cfg       Config
	store     *store.FileStore
	index     *disclose.Index
	retriever *retrieve.Retriever
	pipeline  *consolidate.Pipeline
	econ      *economics.Tracker
	hub       *eventHub
	log       *zap.Logger
}

// New assembles a Server. events may be nil to disable the stream
// endpoint's feed (clients then connect but receive nothing).
func New(cfg Config, st *store.FileStore, index *disclose.Index, retriever *retrieve.Retriever, pipeline *consolidate.Pipeline, econ *economics.Tracker, events *hooks.Channel, log *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		index:     index,
		retriever: retriever,
		pipeline:  pipeline,
		econ:      econ,
		hub:       newEventHub(events, log),
		log:       log,
	}
}

// Handler returns the routed HTTP handler. Exposed separately from Start
// for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/namespaces", s.handleNamespaces)
	mux.HandleFunc("GET /v1/namespaces/{ns}/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/namespaces/{ns}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /v1/namespaces/{ns}/entities/{kind}", s.handleList)
	mux.HandleFunc("GET /v1/namespaces/{ns}/entities/{kind}/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/namespaces/{ns}/consolidate", s.handleConsolidate)
	mux.HandleFunc("POST /v1/namespaces/{ns}/index/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /v1/namespaces/{ns}/economics", s.handleEconomics)
	mux.HandleFunc("DELETE /v1/namespaces/{ns}/economics", s.handleEconomicsReset)
	mux.HandleFunc("DELETE /v1/namespaces/{ns}", s.handlePurge)
	mux.HandleFunc("POST /v1/retrieve", s.handleRetrieve)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return mux
}

// Start runs the server until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.hub.start()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("memory API listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.store.Namespaces()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"namespaces": namespaces})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.index.Summary(r.Context(), r.PathValue("ns"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	timeline, err := s.index.Timeline(r.Context(), r.PathValue("ns"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := core.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter := store.Filter{
		Category:        r.URL.Query().Get("category"),
		IncludeArchived: r.URL.Query().Get("archived") == "true",
		Limit:           limit,
		Descending:      true,
	}
	list, err := s.store.List(r.Context(), r.PathValue("ns"), kind, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []core.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "entities": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := core.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	entity, cost, err := s.index.Full(r.Context(), r.PathValue("ns"), kind, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity, "token_cost": cost})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieve.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}
	result, err := s.retriever.Retrieve(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Run(r.Context(), r.PathValue("ns"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if err := s.index.Rebuild(r.Context(), ns); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"namespace": ns, "status": "rebuilt"})
}

func (s *Server) handleEconomics(w http.ResponseWriter, r *http.Request) {
	totals, err := s.econ.Totals(r.PathValue("ns"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleEconomicsReset(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if err := s.econ.Reset(r.Context(), ns); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"namespace": ns, "status": "reset"})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if r.URL.Query().Get("confirm") != ns {
		s.writeError(w, badRequest(fmt.Errorf("purge requires confirm=%s", ns)))
		return
	}
	if err := s.store.DeleteNamespace(r.Context(), ns); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"namespace": ns, "status": "purged"})
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type httpError struct {
	status int
	kind   string
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &httpError{status: http.StatusBadRequest, kind: "bad_request", err: err}
}

// writeError maps domain errors onto statuses: absent entities are 404,
// lock contention is 503 (retryable), corruption is 502 (the record is
// quarantined, not the request's fault), namespace violations are 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var he *httpError
	var lockErr *core.LockTimeoutError
	var corruptErr *core.CorruptEntityError
	var nsErr *core.NamespaceViolationError
	switch {
	case errors.As(err, &he):
		status, kind = he.status, he.kind
	case errors.Is(err, core.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &lockErr):
		status, kind = http.StatusServiceUnavailable, "lock_timeout"
	case errors.As(err, &corruptErr):
		status, kind = http.StatusBadGateway, "corrupt_entity"
	case errors.As(err, &nsErr):
		status, kind = http.StatusBadRequest, "namespace_violation"
	}
	if status >= 500 {
		s.log.Error("request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Errorf("invalid %s: %q", name, raw))
	}
	return n, nil
}
