package ingest

import (
	"io"
	"log/slog"
	"net/http"

	"fencesync/internal/clock"
)

// HTTPHandler decodes JSON trigger events and forwards them to sink.
// Params: sink receives validated events, max body limits payload size.
// Returns: HTTP handler for ingest endpoints.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
	batch       bool
	clock       clock.Clock
	logger      *slog.Logger
}

// NewHTTPHandler creates single-event ingest handler.
// Params: sink, max request body size in bytes, clock, and logger.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64, clk clock.Clock, logger *slog.Logger) *HTTPHandler {
	return newHTTPHandler(sink, maxBodySize, false, clk, logger)
}

// NewHTTPBatchHandler creates handler that also accepts JSON arrays.
func NewHTTPBatchHandler(sink EventSink, maxBodySize int64, clk clock.Clock, logger *slog.Logger) *HTTPHandler {
	return newHTTPHandler(sink, maxBodySize, true, clk, logger)
}

func newHTTPHandler(sink EventSink, maxBodySize int64, batch bool, clk clock.Clock, logger *slog.Logger) *HTTPHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		sink:        sink,
		maxBodySize: maxBodySize,
		batch:       batch,
		clock:       clk,
		logger:      logger.With("component", "ingest_http"),
	}
}

// ServeHTTP handles one incoming trigger request.
// Params: HTTP request/response writer pair.
// Returns: 202 accepted, 400 invalid, 405 wrong method, 503 sink failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	now := h.clock.Now()
	events, err := decodeEventPayload(body, now)
	if err != nil || (!h.batch && len(body) > 0 && firstNonSpace(body) == '[') {
		if err != nil {
			h.logger.Debug("reject trigger payload", "error", err.Error())
		}
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := pushEvents(request.Context(), h.sink, events); err != nil {
		h.logger.Warn("trigger dispatch failed", "error", err.Error())
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func firstNonSpace(body []byte) byte {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return b
		}
	}
	return 0
}
