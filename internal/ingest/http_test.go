package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"fencesync/internal/clock"
	"fencesync/internal/handler"
)

type httpTestSink struct {
	mu        sync.Mutex
	pushCalls int
	events    []handler.Event
	err       error
}

func (s *httpTestSink) Push(_ context.Context, event handler.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	response := httptest.NewRecorder()
	h.ServeHTTP(response, request)
	return response
}

func TestHTTPHandlerAcceptsSingleEvent(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	h := NewHTTPHandler(sink, 1<<20, clock.NewFixed(testNow), nil)

	response := serve(h, http.MethodPost, "/events", testEventJSON("home"))
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 1 || len(sink.events) != 1 || sink.events[0].FenceID != "home" {
		t.Fatalf("unexpected sink state calls=%d events=%+v", sink.pushCalls, sink.events)
	}
}

func TestHTTPHandlerAcceptsBatchEvents(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	h := NewHTTPBatchHandler(sink, 1<<20, clock.NewFixed(testNow), nil)
	payload := fmt.Sprintf("[%s,%s]", testEventJSON("a"), testEventJSON("b"))

	response := serve(h, http.MethodPost, "/events/batch", payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 2 || sink.events[0].FenceID != "a" || sink.events[1].FenceID != "b" {
		t.Fatalf("unexpected sink events %+v", sink.events)
	}
}

func TestHTTPHandlerRejectsBatchOnSinglePath(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	h := NewHTTPHandler(sink, 1<<20, nil, nil)

	response := serve(h, http.MethodPost, "/events", "["+testEventJSON("a")+"]")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.pushCalls != 0 {
		t.Fatalf("unexpected sink calls %d", sink.pushCalls)
	}
}

func TestHTTPHandlerRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	h := NewHTTPBatchHandler(sink, 64, nil, nil)

	if response := serve(h, http.MethodPost, "/events/batch", "[]"); response.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: expected 400, got %d", response.Code)
	}
	if response := serve(h, http.MethodGet, "/events/batch", ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get: expected 405, got %d", response.Code)
	}
	large := fmt.Sprintf(`{"fence_id":"%s","state":"true"}`, strings.Repeat("x", 128))
	if response := serve(h, http.MethodPost, "/events/batch", large); response.Code != http.StatusBadRequest {
		t.Fatalf("oversized: expected 400, got %d", response.Code)
	}
	if sink.pushCalls != 0 {
		t.Fatalf("unexpected sink calls %d", sink.pushCalls)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	h := NewHTTPHandler(sink, 1<<20, nil, nil)

	response := serve(h, http.MethodPost, "/events", testEventJSON("home"))
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func TestHTTPHandlerRoutesThroughRegistry(t *testing.T) {
	t.Parallel()

	var got []string
	registry := handler.NewRegistry(handler.HandlerFunc(func(_ context.Context, event handler.Event) error {
		got = append(got, "default:"+event.FenceID)
		return nil
	}), nil)
	if err := registry.Register("door", handler.HandlerFunc(func(_ context.Context, event handler.Event) error {
		got = append(got, "door:"+event.FenceID)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := NewHTTPBatchHandler(SinkFunc(registry.Dispatch), 1<<20, nil, nil)
	payload := `[{"fence_id":"a","target":"door","state":"true"},{"fence_id":"b","target":"other","state":"true"}]`

	if response := serve(h, http.MethodPost, "/events/batch", payload); response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	if strings.Join(got, ",") != "door:a,default:b" {
		t.Fatalf("unexpected dispatch %v", got)
	}
}

func testEventJSON(fenceID string) string {
	return fmt.Sprintf(`{"dt":1739876543210,"fence_id":"%s","target":"door","state":"true"}`, fenceID)
}
