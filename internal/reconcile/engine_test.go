package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fencesync/internal/backend"
	"fencesync/internal/fence"
	"fencesync/internal/store"
)

type submission struct {
	op     string
	id     string
	target string
	cb     backend.Callback
}

// scriptedConnector records submissions; tests deliver callbacks explicitly.
type scriptedConnector struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	submitErr  error
	submitted  []submission
	onConnect  []func()
	autoAnswer *backend.Outcome
}

func (c *scriptedConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *scriptedConnector) Connect() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
}

func (c *scriptedConnector) OnConnected(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
	return func() {}
}

func (c *scriptedConnector) SubmitAdd(_ context.Context, id string, _ fence.Condition, target string, cb backend.Callback) error {
	return c.record(submission{op: "add", id: id, target: target, cb: cb})
}

func (c *scriptedConnector) SubmitRemove(_ context.Context, id string, cb backend.Callback) error {
	return c.record(submission{op: "remove", id: id, cb: cb})
}

func (c *scriptedConnector) record(sub submission) error {
	c.mu.Lock()
	if c.submitErr != nil {
		err := c.submitErr
		c.mu.Unlock()
		return err
	}
	c.submitted = append(c.submitted, sub)
	auto := c.autoAnswer
	c.mu.Unlock()
	if auto != nil {
		sub.cb(*auto)
	}
	return nil
}

// goOnline flips connectivity and fires handlers like a real connector.
func (c *scriptedConnector) goOnline() {
	c.mu.Lock()
	c.connected = true
	handlers := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *scriptedConnector) take() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.submitted
	c.submitted = nil
	return out
}

func (c *scriptedConnector) connectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type addResult struct {
	id      string
	outcome backend.Outcome
}

type recordingListener struct {
	mu      sync.Mutex
	adds    []addResult
	removes []addResult
}

func (l *recordingListener) OnFenceAddResult(record fence.Record, outcome backend.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adds = append(l.adds, addResult{id: record.ID, outcome: outcome})
}

func (l *recordingListener) OnFenceRemoveResult(id string, outcome backend.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes = append(l.removes, addResult{id: id, outcome: outcome})
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.adds), len(l.removes)
}

type fixture struct {
	engine    *Engine
	connector *scriptedConnector
	listener  *recordingListener
	stores    Stores
}

func newFixture(t *testing.T, connected bool, opts Options) *fixture {
	t.Helper()
	provider := store.NewMemoryProvider()
	ctx := context.Background()
	open := func(ns string) *store.FenceStore {
		s, err := store.OpenFenceStore(ctx, provider, ns, nil)
		if err != nil {
			t.Fatalf("open %s: %v", ns, err)
		}
		return s
	}
	stores := Stores{
		ToAdd:    open(store.NamespaceToAdd),
		ToRemove: open(store.NamespaceToRemove),
		Synced:   open(store.NamespaceSynced),
	}
	connector := &scriptedConnector{connected: connected}
	listener := &recordingListener{}
	engine, err := New(stores, connector, nil, opts, listener)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{engine: engine, connector: connector, listener: listener, stores: stores}
}

func (f *fixture) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := f.engine.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func assertIDs(t *testing.T, name string, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("%s: expected %v, got %v", name, want, got)
	}
}

func homeCondition() fence.Condition {
	return fence.LocationEntering(2, 3, 30)
}

func TestAddFenceWhileDisconnectedPersistsIntentFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	if err := f.engine.AddFence(context.Background(), "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "a")
	assertIDs(t, "synced", snap.Synced)
	if f.connector.connectCalls() != 1 {
		t.Fatalf("expected connect to be requested once, got %d", f.connector.connectCalls())
	}
	if subs := f.connector.take(); len(subs) != 0 {
		t.Fatalf("offline add must not submit, got %+v", subs)
	}
	if adds, removes := f.listener.counts(); adds+removes != 0 {
		t.Fatalf("offline add must not notify")
	}
}

func TestConnectTriggersResyncAndSuccessCommits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}

	f.connector.goOnline()
	subs := f.connector.take()
	if len(subs) != 1 || subs[0].op != "add" || subs[0].id != "a" || subs[0].target != "svc" {
		t.Fatalf("expected one add submission for a, got %+v", subs)
	}

	subs[0].cb(backend.Success())
	snap := f.snapshot(t)
	assertIDs(t, "synced", snap.Synced, "a")
	assertIDs(t, "to_add", snap.ToAdd)

	adds, _ := f.listener.counts()
	if adds != 1 || !f.listener.adds[0].outcome.OK() || f.listener.adds[0].id != "a" {
		t.Fatalf("expected one success notification, got %+v", f.listener.adds)
	}

	record, err := f.engine.Fence(ctx, "a")
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	if !record.Condition.Equal(homeCondition()) || record.Target != "svc" {
		t.Fatalf("unexpected synced record %+v", record)
	}
}

func TestAddFailureKeepsPendingAndResyncConverges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	subs := f.connector.take()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	subs[0].cb(backend.Failure(backend.CodeRejected, "permission denied"))

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "a")
	assertIDs(t, "synced", snap.Synced)
	if f.listener.adds[0].outcome.Code != backend.CodeRejected {
		t.Fatalf("expected failure notification, got %+v", f.listener.adds)
	}

	if err := f.engine.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	subs = f.connector.take()
	if len(subs) != 1 || subs[0].id != "a" {
		t.Fatalf("expected resubmission of a, got %+v", subs)
	}
	subs[0].cb(backend.Success())
	snap = f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "synced", snap.Synced, "a")
}

func TestRemoveFenceSymmetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	answer := backend.Success()
	f.connector.autoAnswer = &answer
	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	f.connector.autoAnswer = nil
	f.connector.take()

	if err := f.engine.RemoveFence(ctx, "a"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	snap := f.snapshot(t)
	assertIDs(t, "to_remove", snap.ToRemove, "a")
	assertIDs(t, "synced", snap.Synced, "a")

	subs := f.connector.take()
	if len(subs) != 1 || subs[0].op != "remove" {
		t.Fatalf("expected one remove submission, got %+v", subs)
	}
	subs[0].cb(backend.Failure(backend.CodeTimeout, "slow"))
	snap = f.snapshot(t)
	assertIDs(t, "to_remove after failure", snap.ToRemove, "a")
	assertIDs(t, "synced after failure", snap.Synced, "a")

	if err := f.engine.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	subs = f.connector.take()
	if len(subs) != 1 || subs[0].op != "remove" || subs[0].id != "a" {
		t.Fatalf("expected remove resubmission, got %+v", subs)
	}
	subs[0].cb(backend.Success())
	snap = f.snapshot(t)
	assertIDs(t, "to_remove after success", snap.ToRemove)
	assertIDs(t, "synced after success", snap.Synced)

	_, removes := f.listener.counts()
	if removes != 2 || f.listener.removes[0].outcome.OK() || !f.listener.removes[1].outcome.OK() {
		t.Fatalf("expected failure then success notifications, got %+v", f.listener.removes)
	}
	if _, err := f.engine.Fence(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected removed fence to be gone, got %v", err)
	}
}

func TestResyncReissuesAllPendingWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.engine.AddFence(ctx, fmt.Sprintf("add-%d", i), homeCondition(), nil, "svc"); err != nil {
			t.Fatalf("add fence %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := f.engine.RemoveFence(ctx, fmt.Sprintf("rm-%d", i)); err != nil {
			t.Fatalf("remove fence %d: %v", i, err)
		}
	}
	if subs := f.connector.take(); len(subs) != 0 {
		t.Fatalf("offline intents must not submit, got %d", len(subs))
	}

	f.connector.goOnline()
	subs := f.connector.take()
	seen := map[string]int{}
	for _, sub := range subs {
		seen[sub.op+"/"+sub.id]++
	}
	if len(subs) != 8 || len(seen) != 8 {
		t.Fatalf("expected 8 distinct submissions, got %v", seen)
	}
	for i := 0; i < 5; i++ {
		if seen[fmt.Sprintf("add/add-%d", i)] != 1 {
			t.Fatalf("missing add-%d in %v", i, seen)
		}
	}
	for i := 0; i < 3; i++ {
		if seen[fmt.Sprintf("remove/rm-%d", i)] != 1 {
			t.Fatalf("missing rm-%d in %v", i, seen)
		}
	}
}

func TestResyncWhileOfflineRequestsConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	if err := f.engine.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if f.connector.connectCalls() != 1 {
		t.Fatalf("expected connect request, got %d", f.connector.connectCalls())
	}
}

func TestAddThenRemoveBeforeAcknowledgement(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "b", fence.HeadphonePlugging(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	if err := f.engine.RemoveFence(ctx, "b"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	subs := f.connector.take()
	if len(subs) != 2 || subs[0].op != "add" || subs[1].op != "remove" {
		t.Fatalf("expected add then remove submissions, got %+v", subs)
	}

	subs[0].cb(backend.Success())
	subs[1].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "to_remove", snap.ToRemove)
	assertIDs(t, "synced", snap.Synced)
}

func TestRemoveSuccessClearsPendingAdd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "c", fence.HeadphoneUnplug(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	if err := f.engine.RemoveFence(ctx, "c"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "c")
	assertIDs(t, "to_remove", snap.ToRemove, "c")

	f.connector.goOnline()
	for _, sub := range f.connector.take() {
		if sub.op == "remove" {
			sub.cb(backend.Success())
		}
	}
	snap = f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "to_remove", snap.ToRemove)
	assertIDs(t, "synced", snap.Synced)
}

func TestAddThenRemoveRepliesInReverseOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "b", fence.HeadphonePlugging(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	if err := f.engine.RemoveFence(ctx, "b"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	subs := f.connector.take()
	if len(subs) != 2 || subs[0].op != "add" || subs[1].op != "remove" {
		t.Fatalf("expected add then remove submissions, got %+v", subs)
	}

	subs[1].cb(backend.Success())
	subs[0].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "to_remove", snap.ToRemove)
	assertIDs(t, "synced", snap.Synced)
	if adds, removes := f.listener.counts(); adds != 1 || removes != 1 {
		t.Fatalf("expected both outcomes delivered, got adds=%d removes=%d", adds, removes)
	}
}

func TestLateAddReplyAfterConfirmedRemoveOnResync(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "c", fence.HeadphoneUnplug(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	if err := f.engine.RemoveFence(ctx, "c"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}

	f.connector.goOnline()
	var add, remove []submission
	for _, sub := range f.connector.take() {
		switch sub.op {
		case "add":
			add = append(add, sub)
		case "remove":
			remove = append(remove, sub)
		}
	}
	if len(add) != 1 || len(remove) != 1 {
		t.Fatalf("expected resync to submit one add and one remove, got add=%d remove=%d", len(add), len(remove))
	}

	remove[0].cb(backend.Success())
	add[0].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "to_remove", snap.ToRemove)
	assertIDs(t, "synced", snap.Synced)
	if _, err := f.engine.Fence(ctx, "c"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("removed fence must stay gone, got %v", err)
	}
}

func TestResubmitReplyAfterRemoveDoesNotRestoreFence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{ResubmitSynced: true})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "g", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	f.connector.take()[0].cb(backend.Success())

	if err := f.engine.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	resubmit := f.connector.take()
	if len(resubmit) != 1 || resubmit[0].op != "add" {
		t.Fatalf("expected synced resubmission, got %+v", resubmit)
	}

	if err := f.engine.RemoveFence(ctx, "g"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	f.connector.take()[0].cb(backend.Success())
	resubmit[0].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd)
	assertIDs(t, "to_remove", snap.ToRemove)
	assertIDs(t, "synced", snap.Synced)
}

func TestNewerAddSupersedesPendingRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	if err := f.engine.RemoveFence(ctx, "d"); err != nil {
		t.Fatalf("remove fence: %v", err)
	}
	if err := f.engine.AddFence(ctx, "d", fence.HeadphoneUnplug(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	subs := f.connector.take()
	if len(subs) != 2 {
		t.Fatalf("expected two submissions, got %+v", subs)
	}

	subs[1].cb(backend.Failure(backend.CodeUnavailable, "down"))
	subs[0].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "d")
	assertIDs(t, "to_remove", snap.ToRemove)
}

func TestStaleAddReplyDoesNotOverrideNewerIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "e", fence.HeadphoneUnplug(), nil, "old"); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := f.engine.AddFence(ctx, "e", fence.HeadphonePlugging(), nil, "new"); err != nil {
		t.Fatalf("add new: %v", err)
	}
	subs := f.connector.take()
	subs[0].cb(backend.Success())

	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "e")
	assertIDs(t, "synced", snap.Synced)

	subs[1].cb(backend.Success())
	record, err := f.engine.Fence(ctx, "e")
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	if record.Target != "new" {
		t.Fatalf("expected newer intent to be synced, got %+v", record)
	}
}

func TestSubmitErrorIsReportedAsNotSubmitted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	f.connector.submitErr = backend.ErrNotConnected
	ctx := context.Background()
	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("submit errors must not propagate, got %v", err)
	}
	if err := f.engine.RemoveFence(ctx, "b"); err != nil {
		t.Fatalf("submit errors must not propagate, got %v", err)
	}

	if f.listener.adds[0].outcome.Code != backend.CodeNotSubmitted {
		t.Fatalf("expected not_submitted, got %+v", f.listener.adds)
	}
	if f.listener.removes[0].outcome.Code != backend.CodeNotSubmitted {
		t.Fatalf("expected not_submitted, got %+v", f.listener.removes)
	}
	snap := f.snapshot(t)
	assertIDs(t, "to_add", snap.ToAdd, "a")
	assertIDs(t, "to_remove", snap.ToRemove, "b")
	if f.connector.connectCalls() != 2 {
		t.Fatalf("expected reconnect requests, got %d", f.connector.connectCalls())
	}
}

func TestInvalidInputTouchesNoStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	ctx := context.Background()
	cases := []struct {
		name   string
		id     string
		cond   fence.Condition
		target string
	}{
		{name: "empty id", id: " ", cond: homeCondition(), target: "svc"},
		{name: "empty target", id: "a", cond: homeCondition(), target: ""},
		{name: "invalid condition", id: "a", cond: fence.Condition{}, target: "svc"},
	}
	for _, tc := range cases {
		if err := f.engine.AddFence(ctx, tc.id, tc.cond, nil, tc.target); !errors.Is(err, ErrInvalidFence) {
			t.Fatalf("%s: expected ErrInvalidFence, got %v", tc.name, err)
		}
	}
	if err := f.engine.RemoveFence(ctx, ""); !errors.Is(err, ErrInvalidFence) {
		t.Fatalf("expected ErrInvalidFence for remove, got %v", err)
	}
	snap := f.snapshot(t)
	if len(snap.ToAdd)+len(snap.ToRemove)+len(snap.Synced) != 0 {
		t.Fatalf("invalid input must not touch stores, got %+v", snap)
	}
	if subs := f.connector.take(); len(subs) != 0 {
		t.Fatalf("invalid input must not submit")
	}
}

type brokenKV struct{}

func (brokenKV) Put(context.Context, string, []byte) error   { return errors.New("disk full") }
func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, store.ErrNotFound }
func (brokenKV) Delete(context.Context, string) error        { return nil }
func (brokenKV) Keys(context.Context) ([]string, error)      { return nil, nil }

func TestPersistenceErrorsPropagateSynchronously(t *testing.T) {
	t.Parallel()

	broken := store.NewFenceStore(store.NamespaceToAdd, brokenKV{}, nil)
	brokenRemove := store.NewFenceStore(store.NamespaceToRemove, brokenKV{}, nil)
	synced := store.NewFenceStore(store.NamespaceSynced, brokenKV{}, nil)
	connector := &scriptedConnector{connected: true}
	engine, err := New(Stores{ToAdd: broken, ToRemove: brokenRemove, Synced: synced}, connector, nil, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	err = engine.AddFence(context.Background(), "a", homeCondition(), nil, "svc")
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected ErrPersistence from add, got %v", err)
	}
	err = engine.RemoveFence(context.Background(), "a")
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected ErrPersistence from remove, got %v", err)
	}
	if subs := connector.take(); len(subs) != 0 {
		t.Fatalf("failed intent must not be submitted, got %+v", subs)
	}
}

func TestResubmitSyncedSkipsListeners(t *testing.T) {
	t.Parallel()

	var stats ResyncStats
	f := newFixture(t, true, Options{ResubmitSynced: true, OnResync: func(s ResyncStats) { stats = s }})
	ctx := context.Background()
	answer := backend.Success()
	f.connector.autoAnswer = &answer
	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	f.connector.take()

	if err := f.engine.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	subs := f.connector.take()
	if len(subs) != 1 || subs[0].id != "a" || subs[0].op != "add" {
		t.Fatalf("expected synced resubmission, got %+v", subs)
	}
	if stats.Resubmitted != 1 || stats.Adds != 0 {
		t.Fatalf("unexpected resync stats %+v", stats)
	}
	if adds, _ := f.listener.counts(); adds != 1 {
		t.Fatalf("resubmission must not notify, got %d add notifications", adds)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{})
	late := &recordingListener{}
	unsubscribe := f.engine.Subscribe(late)
	answer := backend.Success()
	f.connector.autoAnswer = &answer
	ctx := context.Background()

	if err := f.engine.AddFence(ctx, "a", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	unsubscribe()
	unsubscribe()
	if err := f.engine.AddFence(ctx, "b", homeCondition(), nil, "svc"); err != nil {
		t.Fatalf("add fence: %v", err)
	}
	if adds, _ := late.counts(); adds != 1 {
		t.Fatalf("expected late listener to see one outcome, got %d", adds)
	}
	if adds, _ := f.listener.counts(); adds != 2 {
		t.Fatalf("expected construction listener to see both, got %d", adds)
	}
}

type overlapListener struct {
	mu      sync.Mutex
	active  int
	overlap bool
	calls   int
}

func (l *overlapListener) enter() {
	l.mu.Lock()
	l.active++
	if l.active > 1 {
		l.overlap = true
	}
	l.calls++
	l.mu.Unlock()
	time.Sleep(time.Millisecond)
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

func (l *overlapListener) OnFenceAddResult(fence.Record, backend.Outcome) { l.enter() }
func (l *overlapListener) OnFenceRemoveResult(string, backend.Outcome)    { l.enter() }

func TestConcurrentCallbacksKeepStoresConsistent(t *testing.T) {
	t.Parallel()

	provider := store.NewMemoryProvider()
	ctx := context.Background()
	open := func(ns string) *store.FenceStore {
		s, err := store.OpenFenceStore(ctx, provider, ns, nil)
		if err != nil {
			t.Fatalf("open %s: %v", ns, err)
		}
		return s
	}
	local := backend.NewLocalConnector(nil, backend.LocalOptions{AckDelay: time.Millisecond})
	defer local.Close()
	local.SetOnline(true)

	listener := &overlapListener{}
	engine, err := New(Stores{
		ToAdd:    open(store.NamespaceToAdd),
		ToRemove: open(store.NamespaceToRemove),
		Synced:   open(store.NamespaceSynced),
	}, local, nil, Options{}, listener)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("f-%02d", i)
			if err := engine.AddFence(ctx, id, homeCondition(), nil, "svc"); err != nil {
				t.Errorf("add %s: %v", id, err)
			}
			if i%2 == 0 {
				if err := engine.Resync(ctx); err != nil {
					t.Errorf("resync: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	if err := local.Close(); err != nil {
		t.Fatalf("close connector: %v", err)
	}

	snap, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.ToAdd) != 0 || len(snap.Synced) != 20 {
		t.Fatalf("expected all fences synced, got %+v", snap)
	}
	if listener.overlap {
		t.Fatalf("listener calls overlapped")
	}
	if len(local.Registered()) != 20 {
		t.Fatalf("expected backend to hold 20 fences, got %d", len(local.Registered()))
	}
}
