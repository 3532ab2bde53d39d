package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fencesync/internal/backend"
	"fencesync/internal/fence"
	"fencesync/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConnector struct {
	backend.Connector
	err error
}

func (c fakeConnector) SubmitAdd(context.Context, string, fence.Condition, string, backend.Callback) error {
	return c.err
}

func (c fakeConnector) SubmitRemove(context.Context, string, backend.Callback) error {
	return c.err
}

type fixedSizer struct {
	namespace string
	n         int
	err       error
}

func (s fixedSizer) Namespace() string { return s.namespace }

func (s fixedSizer) Len(context.Context) (int, error) { return s.n, s.err }

func TestInstrumentedConnectorCountsSubmissions(t *testing.T) {
	t.Parallel()

	metrics := New()
	ctx := context.Background()
	ok := InstrumentConnector(fakeConnector{}, metrics)
	failing := InstrumentConnector(fakeConnector{err: backend.ErrNotConnected}, metrics)

	_ = ok.SubmitAdd(ctx, "a", fence.HeadphonePlugging(), "svc", nil)
	_ = ok.SubmitRemove(ctx, "a", nil)
	if err := failing.SubmitAdd(ctx, "b", fence.HeadphonePlugging(), "svc", nil); !errors.Is(err, backend.ErrNotConnected) {
		t.Fatalf("expected connector error passthrough, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.submissions.WithLabelValues(OpAdd)); got != 2 {
		t.Fatalf("add submissions=%v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.submissions.WithLabelValues(OpRemove)); got != 1 {
		t.Fatalf("remove submissions=%v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.submitErrors.WithLabelValues(OpAdd)); got != 1 {
		t.Fatalf("add submit errors=%v, want 1", got)
	}
}

func TestOutcomesAndResyncs(t *testing.T) {
	t.Parallel()

	metrics := New()
	metrics.OnFenceAddResult(fence.Record{ID: "a"}, backend.Success())
	metrics.OnFenceAddResult(fence.Record{ID: "b"}, backend.Failure(backend.CodeTimeout, "late"))
	metrics.OnFenceRemoveResult("a", backend.Success())
	metrics.ObserveResync(reconcile.ResyncStats{Adds: 2, Removes: 1, Skipped: 1})
	metrics.ObserveResync(reconcile.ResyncStats{})

	if got := testutil.ToFloat64(metrics.outcomes.WithLabelValues(OpAdd, "timeout")); got != 1 {
		t.Fatalf("add timeout outcomes=%v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.outcomes.WithLabelValues(OpRemove, "success")); got != 1 {
		t.Fatalf("remove success outcomes=%v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.resyncs); got != 2 {
		t.Fatalf("resyncs=%v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.resyncItems.WithLabelValues("add")); got != 2 {
		t.Fatalf("resync adds=%v, want 2", got)
	}
}

func TestStoreRefresherSamplesSizes(t *testing.T) {
	t.Parallel()

	metrics := New()
	refresher := NewStoreRefresher(metrics, 0, nil,
		fixedSizer{namespace: "to_add", n: 3},
		fixedSizer{namespace: "synced", err: errors.New("down")},
	)
	refresher.Start(context.Background())
	refresher.Stop()

	if got := testutil.ToFloat64(metrics.storeEntries.WithLabelValues("to_add")); got != 3 {
		t.Fatalf("to_add entries=%v, want 3", got)
	}
	if got := testutil.CollectAndCount(metrics.storeEntries); got != 1 {
		t.Fatalf("expected failed sample to be skipped, got %d series", got)
	}
}

func TestHandlerExposesFencesyncMetrics(t *testing.T) {
	t.Parallel()

	metrics := New()
	metrics.OnFenceAddResult(fence.Record{ID: "a"}, backend.Success())
	response := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	body := response.Body.String()
	if !strings.Contains(body, `fencesync_outcomes_total{op="add",result="success"} 1`) {
		t.Fatalf("metrics body missing outcome counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}
}
