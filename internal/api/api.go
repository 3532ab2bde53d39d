package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"fencesync/internal/fence"
	"fencesync/internal/reconcile"
	"fencesync/internal/store"
)

// Engine is the reconciliation surface exposed over HTTP.
type Engine interface {
	AddFence(ctx context.Context, id string, condition fence.Condition, extra map[string]fence.Value, target string) error
	RemoveFence(ctx context.Context, id string) error
	Resync(ctx context.Context) error
	Fence(ctx context.Context, id string) (fence.Record, error)
	Fences(ctx context.Context) ([]fence.Record, error)
	Snapshot(ctx context.Context) (reconcile.Snapshot, error)
}

// Options configures health paths, body limit, and optional collaborators.
type Options struct {
	HealthPath   string
	ReadyPath    string
	MetricsPath  string
	MaxBodyBytes int64
	// Metrics is mounted on MetricsPath when set.
	Metrics http.Handler
	// Ready reports readiness; nil means always ready.
	Ready func() bool
}

// Accepted is the body returned for accepted intents.
type Accepted struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server routes management requests to the engine.
// Params: engine, options, and logger.
// Returns: http.Handler with fence, state, health, and metrics routes.
type Server struct {
	engine Engine
	opts   Options
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates management API router.
func NewServer(engine Engine, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /fences", s.handleAdd)
	s.mux.HandleFunc("GET /fences", s.handleList)
	s.mux.HandleFunc("GET /fences/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /fences/{id}", s.handleRemove)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("POST /resync", s.handleResync)

	if s.opts.HealthPath != "" {
		s.mux.HandleFunc("GET "+s.opts.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusOK)
			_, _ = writer.Write([]byte("ok"))
		})
	}
	if s.opts.ReadyPath != "" {
		s.mux.HandleFunc("GET "+s.opts.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
			if s.opts.Ready != nil && !s.opts.Ready() {
				writer.WriteHeader(http.StatusServiceUnavailable)
				_, _ = writer.Write([]byte("not-ready"))
				return
			}
			writer.WriteHeader(http.StatusOK)
			_, _ = writer.Write([]byte("ready"))
		})
	}
	if s.opts.MetricsPath != "" && s.opts.Metrics != nil {
		s.mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics)
	}
}

// Handle mounts an extra handler, such as trigger ingest, on pattern.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// ServeHTTP dispatches to registered routes.
func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.mux.ServeHTTP(writer, request)
}

func (s *Server) handleAdd(writer http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(writer, request.Body, s.opts.MaxBodyBytes)
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	record, err := fence.Decode(body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.AddFence(request.Context(), record.ID, record.Condition, record.Extra, record.Target); err != nil {
		s.writeEngineError(writer, "add fence", err)
		return
	}
	writeJSON(writer, http.StatusAccepted, Accepted{ID: strings.TrimSpace(record.ID), Status: "accepted"})
}

func (s *Server) handleRemove(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	if err := s.engine.RemoveFence(request.Context(), id); err != nil {
		s.writeEngineError(writer, "remove fence", err)
		return
	}
	writeJSON(writer, http.StatusAccepted, Accepted{ID: strings.TrimSpace(id), Status: "accepted"})
}

func (s *Server) handleList(writer http.ResponseWriter, request *http.Request) {
	records, err := s.engine.Fences(request.Context())
	if err != nil {
		s.writeEngineError(writer, "list fences", err)
		return
	}
	docs := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		body, err := fence.Encode(record)
		if err != nil {
			s.writeEngineError(writer, "encode fence", err)
			return
		}
		docs = append(docs, body)
	}
	writeJSON(writer, http.StatusOK, docs)
}

// handleGet serves one synced fence with a content fingerprint ETag.
func (s *Server) handleGet(writer http.ResponseWriter, request *http.Request) {
	record, err := s.engine.Fence(request.Context(), request.PathValue("id"))
	if err != nil {
		s.writeEngineError(writer, "get fence", err)
		return
	}
	fingerprint, err := fence.Fingerprint(record)
	if err != nil {
		s.writeEngineError(writer, "fingerprint fence", err)
		return
	}
	etag := `"` + fingerprint + `"`
	writer.Header().Set("ETag", etag)
	if matchesETag(request.Header.Get("If-None-Match"), etag) {
		writer.WriteHeader(http.StatusNotModified)
		return
	}
	body, err := fence.Encode(record)
	if err != nil {
		s.writeEngineError(writer, "encode fence", err)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write(body)
}

func (s *Server) handleState(writer http.ResponseWriter, request *http.Request) {
	snap, err := s.engine.Snapshot(request.Context())
	if err != nil {
		s.writeEngineError(writer, "snapshot", err)
		return
	}
	writeJSON(writer, http.StatusOK, snap)
}

// handleResync detaches from the request so resubmits outlive a dropped client.
func (s *Server) handleResync(writer http.ResponseWriter, request *http.Request) {
	if err := s.engine.Resync(context.WithoutCancel(request.Context())); err != nil {
		s.writeEngineError(writer, "resync", err)
		return
	}
	writeJSON(writer, http.StatusAccepted, Accepted{Status: "accepted"})
}

func (s *Server) writeEngineError(writer http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidFence), errors.Is(err, fence.ErrMalformed):
		writeError(writer, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(writer, http.StatusNotFound, err)
	default:
		s.logger.Error(op+" failed", "error", err.Error())
		writeError(writer, http.StatusInternalServerError, err)
	}
}

func matchesETag(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, errorBody{Error: err.Error()})
}
