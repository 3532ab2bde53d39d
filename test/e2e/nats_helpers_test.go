package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fencesync/internal/notify"
	"fencesync/test/testutil"
)

const (
	e2eTriggerStream  = "FENCESYNC_E2E_TRIGGERS"
	e2eTriggerSubject = "fencesync.e2e.triggers"
)

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
// Params: testing handle for lifecycle/error reporting.
// Returns: server URL and stop callback.
func startLocalNATSServer(tb testing.TB) (string, func()) {
	return testutil.StartLocalNATSServer(tb)
}

// publishTrigger publishes one raw trigger payload into JetStream.
// The stream must already exist; the ingest subscriber creates it on boot.
func publishTrigger(tb testing.TB, url, subject, payload string) {
	tb.Helper()
	if _, err := testutil.JetStream(tb, url).Publish(subject, []byte(payload)); err != nil {
		tb.Fatalf("publish trigger: %v", err)
	}
}

// webhookSink records notifications posted by the HTTP notify channel.
type webhookSink struct {
	mu    sync.Mutex
	items []notify.Notification
}

func newWebhook(t *testing.T) (*webhookSink, *httptest.Server) {
	t.Helper()
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload notify.Notification
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.items = append(sink.items, payload)
		sink.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	return sink, server
}

func (s *webhookSink) snapshot() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.items...)
}
