package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fencesync/internal/fence"
)

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outcome")
		return Outcome{}
	}
}

func waitConnected(t *testing.T, c Connector) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connector did not connect")
}

func TestLocalConnectorRejectsSubmitWhileOffline(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{})
	defer c.Close()

	called := atomic.Bool{}
	err := c.SubmitAdd(context.Background(), "a", fence.HeadphonePlugging(), "svc", func(Outcome) { called.Store(true) })
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.SubmitRemove(context.Background(), "a", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on remove, got %v", err)
	}
	if called.Load() {
		t.Fatalf("callback must not run for unsubmitted request")
	}
}

func TestLocalConnectorConnectFiresSubscribers(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{})
	defer c.Close()

	fired := make(chan struct{}, 4)
	unsubscribe := c.OnConnected(func() { fired <- struct{}{} })

	c.Connect()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected OnConnected to fire")
	}
	if !c.IsConnected() {
		t.Fatalf("expected connected state")
	}

	c.SetOnline(true)
	c.SetOnline(false)
	c.SetOnline(true)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconnect to fire")
	}
	if len(fired) != 0 {
		t.Fatalf("repeated online state must not fire, got %d extra", len(fired))
	}

	unsubscribe()
	unsubscribe()
	c.SetOnline(false)
	c.SetOnline(true)
	if len(fired) != 0 {
		t.Fatalf("unsubscribed handler must not fire")
	}
}

func TestLocalConnectorUnreachableIgnoresConnect(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{Unreachable: true})
	defer c.Close()

	c.Connect()
	time.Sleep(20 * time.Millisecond)
	if c.IsConnected() {
		t.Fatalf("unreachable backend must stay offline")
	}
	c.SetReachable(true)
	c.Connect()
	waitConnected(t, c)
}

func TestLocalConnectorRegistersAndUnregisters(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{AckDelay: time.Millisecond})
	defer c.Close()
	c.SetOnline(true)

	results := make(chan Outcome, 2)
	cond := fence.LocationEntering(10, 20, 50)
	if err := c.SubmitAdd(context.Background(), "home", cond, "svc", func(o Outcome) { results <- o }); err != nil {
		t.Fatalf("submit add: %v", err)
	}
	if outcome := waitOutcome(t, results); !outcome.OK() {
		t.Fatalf("expected success, got %s", outcome)
	}
	reg, ok := c.Lookup("home")
	if !ok || reg.Target != "svc" || !reg.Condition.Equal(cond) {
		t.Fatalf("unexpected registration %+v ok=%v", reg, ok)
	}

	if err := c.SubmitRemove(context.Background(), "home", func(o Outcome) { results <- o }); err != nil {
		t.Fatalf("submit remove: %v", err)
	}
	if outcome := waitOutcome(t, results); !outcome.OK() {
		t.Fatalf("expected remove success, got %s", outcome)
	}
	if len(c.Registered()) != 0 {
		t.Fatalf("expected empty registry, got %+v", c.Registered())
	}
}

func TestLocalConnectorScriptedFailures(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{})
	defer c.Close()
	c.SetOnline(true)

	c.FailNext("a", Failure(CodeTimeout, "slow"), Failure(CodeRejected, "bad"))

	if outcome := c.Register("a", fence.HeadphonePlugging(), "svc"); outcome.Code != CodeTimeout {
		t.Fatalf("expected timeout, got %s", outcome)
	}
	if outcome := c.Unregister("a"); outcome.Code != CodeRejected {
		t.Fatalf("expected rejected, got %s", outcome)
	}
	if outcome := c.Register("a", fence.HeadphonePlugging(), "svc"); !outcome.OK() {
		t.Fatalf("expected script to be exhausted, got %s", outcome)
	}
}

func TestLocalConnectorRejectsInvalidCondition(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{})
	defer c.Close()

	outcome := c.Register("bad", fence.Condition{}, "svc")
	if outcome.OK() || outcome.Code != CodeRejected {
		t.Fatalf("expected rejection, got %s", outcome)
	}
	if _, ok := c.Lookup("bad"); ok {
		t.Fatalf("rejected fence must not be registered")
	}
}

func TestLocalConnectorCloseWaitsForAcknowledgements(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{AckDelay: 20 * time.Millisecond})
	c.SetOnline(true)

	var acked atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		if err := c.SubmitAdd(context.Background(), id, fence.HeadphoneUnplug(), "svc", func(Outcome) { acked.Add(1) }); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if acked.Load() != 3 {
		t.Fatalf("expected all acknowledgements before close returns, got %d", acked.Load())
	}
	err := c.SubmitAdd(context.Background(), "d", fence.HeadphoneUnplug(), "svc", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLocalConnectorHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	c := NewLocalConnector(nil, LocalOptions{})
	defer c.Close()
	c.SetOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SubmitAdd(ctx, "a", fence.HeadphoneUnplug(), "svc", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutcomeFailureCoercesSuccessCode(t *testing.T) {
	t.Parallel()

	outcome := Failure(CodeSuccess, "odd")
	if outcome.OK() || outcome.Code != CodeRejected {
		t.Fatalf("expected coerced rejection, got %+v", outcome)
	}
	labels := map[Outcome]string{
		Success():                       "success",
		Failure(CodeNotSubmitted, ""):   "not_submitted",
		Failure(CodeTimeout, ""):        "timeout",
		Failure(CodeRejected, ""):       "rejected",
		Failure(CodeUnavailable, ""):    "unavailable",
		Failure(99, "backend specific"): "failure",
	}
	for outcome, want := range labels {
		if got := outcome.Result(); got != want {
			t.Fatalf("code %d: expected %q, got %q", outcome.Code, want, got)
		}
	}
}
