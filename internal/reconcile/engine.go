package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"fencesync/internal/backend"
	"fencesync/internal/fence"
	"fencesync/internal/store"
)

// ErrInvalidFence is returned when add/remove input fails validation.
var ErrInvalidFence = errors.New("invalid fence")

// Store is one durable fence namespace used by the engine.
type Store interface {
	Put(ctx context.Context, record fence.Record) error
	PutID(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (fence.Record, error)
	IDs(ctx context.Context) ([]string, error)
	Records(ctx context.Context) ([]fence.Record, error)
}

// Stores groups the three namespaces owned by one engine.
// Params: pending-add, pending-remove, and confirmed stores.
// Returns: store set for New.
type Stores struct {
	ToAdd    Store
	ToRemove Store
	Synced   Store
}

// Listener receives terminal add/remove outcomes.
// Calls are serialised; implementations must not call back into the engine synchronously
// expecting the notification to have been recorded elsewhere.
type Listener interface {
	OnFenceAddResult(record fence.Record, outcome backend.Outcome)
	OnFenceRemoveResult(id string, outcome backend.Outcome)
}

// ResyncStats describes one resync pass.
type ResyncStats struct {
	Adds        int
	Removes     int
	Resubmitted int
	Skipped     int
}

// Options tunes engine behavior.
// Params: synced resubmission flag and resync observer.
// Returns: options for New.
type Options struct {
	// ResubmitSynced re-registers confirmed fences on every resync without notifying listeners.
	ResubmitSynced bool
	// OnResync observes completed resync passes.
	OnResync func(ResyncStats)
}

// Snapshot lists store membership at one committed point.
type Snapshot struct {
	ToAdd    []string `json:"to_add"`
	ToRemove []string `json:"to_remove"`
	Synced   []string `json:"synced"`
}

// Engine reconciles durable fence intents with a connection-gated backend.
// Params: three stores, connector, logger, and listeners.
// Returns: engine that is the sole mutator of its stores.
type Engine struct {
	stores    Stores
	connector backend.Connector
	logger    *slog.Logger
	opts      Options

	// mu serialises every store mutation block.
	mu sync.Mutex

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]Listener
	// notifyMu keeps listener calls from overlapping.
	notifyMu sync.Mutex

	unsubscribe func()
}

// New builds engine and subscribes Resync to connector connect events.
// Params: stores, connector, logger, options, and construction-time listeners.
// Returns: engine or configuration error.
func New(stores Stores, connector backend.Connector, logger *slog.Logger, opts Options, listeners ...Listener) (*Engine, error) {
	if stores.ToAdd == nil || stores.ToRemove == nil || stores.Synced == nil {
		return nil, errors.New("reconcile: all three stores are required")
	}
	if connector == nil {
		return nil, errors.New("reconcile: connector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		stores:    stores,
		connector: connector,
		logger:    logger.With("component", "reconcile"),
		opts:      opts,
		listeners: make(map[int]Listener),
	}
	for _, listener := range listeners {
		if listener != nil {
			e.Subscribe(listener)
		}
	}
	e.unsubscribe = connector.OnConnected(e.onConnected)
	return e, nil
}

func (e *Engine) onConnected() {
	e.logger.Info("backend connected, resyncing")
	if err := e.Resync(context.Background()); err != nil {
		e.logger.Error("resync after connect failed", "error", err.Error())
	}
}

// Close detaches engine from connector events. Stores and connector stay open.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// Subscribe adds listener for later outcomes.
// Params: listener.
// Returns: idempotent unsubscribe func.
func (e *Engine) Subscribe(listener Listener) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = listener
	e.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			delete(e.listeners, id)
			e.listenersMu.Unlock()
		})
	}
}

// AddFence records add intent durably and submits it when connected.
// Params: caller id, condition, optional extra data, and handler target.
// Returns: ErrInvalidFence for bad input or persistence error; backend errors reach listeners only.
func (e *Engine) AddFence(ctx context.Context, id string, condition fence.Condition, extra map[string]fence.Value, target string) error {
	record, err := fence.NewRecord(id, condition, extra, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFence, err)
	}

	e.mu.Lock()
	err = e.stores.ToAdd.Put(ctx, record)
	if err == nil {
		// A newer add supersedes a pending remove of the same id.
		err = e.stores.ToRemove.Remove(ctx, record.ID)
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record add intent %q: %w", record.ID, err)
	}

	if !e.connector.IsConnected() {
		e.logger.Debug("backend offline, add deferred", "fence_id", record.ID)
		e.connector.Connect()
		return nil
	}
	e.submitAdd(ctx, record, true)
	return nil
}

// RemoveFence records remove intent durably and submits it when connected.
// Params: fence id.
// Returns: ErrInvalidFence for empty id or persistence error.
func (e *Engine) RemoveFence(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: fence id is required", ErrInvalidFence)
	}

	e.mu.Lock()
	err := e.stores.ToRemove.PutID(ctx, id)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record remove intent %q: %w", id, err)
	}

	if !e.connector.IsConnected() {
		e.logger.Debug("backend offline, remove deferred", "fence_id", id)
		e.connector.Connect()
		return nil
	}
	e.submitRemove(ctx, id, true)
	return nil
}

// Resync reissues every pending add and remove.
// Params: context for store reads and submissions.
// Returns: store read error; when offline it starts connecting and returns nil.
func (e *Engine) Resync(ctx context.Context) error {
	if !e.connector.IsConnected() {
		e.logger.Debug("backend offline, resync deferred")
		e.connector.Connect()
		return nil
	}

	e.mu.Lock()
	adds, err := e.stores.ToAdd.Records(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("load pending adds: %w", err)
	}
	removes, err := e.stores.ToRemove.IDs(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("load pending removes: %w", err)
	}
	var synced []fence.Record
	if e.opts.ResubmitSynced {
		synced, err = e.stores.Synced.Records(ctx)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("load synced fences: %w", err)
		}
	}
	e.mu.Unlock()

	var stats ResyncStats
	pending := make(map[string]struct{}, len(adds)+len(removes))
	for _, record := range adds {
		if strings.TrimSpace(record.ID) == "" || strings.TrimSpace(record.Target) == "" {
			e.logger.Warn("skip pending add without id or target", "fence_id", record.ID)
			stats.Skipped++
			continue
		}
		pending[record.ID] = struct{}{}
		e.submitAdd(ctx, record, true)
		stats.Adds++
	}
	for _, id := range removes {
		pending[id] = struct{}{}
		e.submitRemove(ctx, id, true)
		stats.Removes++
	}
	for _, record := range synced {
		if _, busy := pending[record.ID]; busy {
			continue
		}
		e.submitAdd(ctx, record, false)
		stats.Resubmitted++
	}

	e.logger.Info("resync submitted", "adds", stats.Adds, "removes", stats.Removes, "resubmitted", stats.Resubmitted, "skipped", stats.Skipped)
	if e.opts.OnResync != nil {
		e.opts.OnResync(stats)
	}
	return nil
}

// Fence returns one confirmed fence.
// Params: fence id.
// Returns: record or store.ErrNotFound.
func (e *Engine) Fence(ctx context.Context, id string) (fence.Record, error) {
	return e.stores.Synced.Get(ctx, strings.TrimSpace(id))
}

// Fences lists confirmed fences sorted by id.
func (e *Engine) Fences(ctx context.Context) ([]fence.Record, error) {
	return e.stores.Synced.Records(ctx)
}

// Snapshot reads all three id sets under the engine lock.
// Params: context for store reads.
// Returns: consistent membership snapshot.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		snap Snapshot
		err  error
	)
	if snap.ToAdd, err = e.stores.ToAdd.IDs(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.ToRemove, err = e.stores.ToRemove.IDs(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Synced, err = e.stores.Synced.IDs(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (e *Engine) submitAdd(ctx context.Context, record fence.Record, notify bool) {
	err := e.connector.SubmitAdd(ctx, record.ID, record.Condition, record.Target, func(outcome backend.Outcome) {
		e.completeAdd(record, outcome, notify)
	})
	if err == nil {
		return
	}
	e.logger.Warn("add not submitted", "fence_id", record.ID, "error", err.Error())
	if errors.Is(err, backend.ErrNotConnected) {
		e.connector.Connect()
	}
	if notify {
		e.notifyAdd(record, backend.Failure(backend.CodeNotSubmitted, err.Error()))
	}
}

func (e *Engine) submitRemove(ctx context.Context, id string, notify bool) {
	err := e.connector.SubmitRemove(ctx, id, func(outcome backend.Outcome) {
		e.completeRemove(id, outcome, notify)
	})
	if err == nil {
		return
	}
	e.logger.Warn("remove not submitted", "fence_id", id, "error", err.Error())
	if errors.Is(err, backend.ErrNotConnected) {
		e.connector.Connect()
	}
	if notify {
		e.notifyRemove(id, backend.Failure(backend.CodeNotSubmitted, err.Error()))
	}
}

// completeAdd commits an add acknowledgement.
// Only the pending add it answers may commit. A missing pending add means a confirmed remove
// or an earlier reply already settled the id; a different body is newer intent with its own reply.
// Resubmissions of synced fences (notify=false) commit only while the fence is still synced.
func (e *Engine) completeAdd(record fence.Record, outcome backend.Outcome, notify bool) {
	if outcome.OK() {
		ctx := context.Background()
		e.mu.Lock()
		if e.addIsCurrent(ctx, record, notify) {
			if err := e.stores.Synced.Put(ctx, record); err != nil {
				e.logger.Error("commit synced fence failed", "fence_id", record.ID, "error", err.Error())
			} else if err := e.stores.ToAdd.Remove(ctx, record.ID); err != nil {
				e.logger.Error("clear pending add failed", "fence_id", record.ID, "error", err.Error())
			}
		}
		e.mu.Unlock()
	} else {
		e.logger.Warn("add failed, kept pending", "fence_id", record.ID, "result", outcome.Result(), "message", outcome.Message)
	}
	if notify {
		e.notifyAdd(record, outcome)
	}
}

// addIsCurrent reports whether a successful add reply for record may commit; caller holds e.mu.
func (e *Engine) addIsCurrent(ctx context.Context, record fence.Record, notify bool) bool {
	current, err := e.stores.ToAdd.Get(ctx, record.ID)
	switch {
	case err == nil:
		if current.Equal(record) {
			return true
		}
		e.logger.Info("add reply superseded by newer intent", "fence_id", record.ID)
		return false
	case errors.Is(err, fence.ErrMalformed):
		e.logger.Warn("pending add unreadable, reply not committed", "fence_id", record.ID, "error", err.Error())
		return false
	case !errors.Is(err, store.ErrNotFound):
		e.logger.Error("read pending add failed", "fence_id", record.ID, "error", err.Error())
		return false
	}

	if notify {
		e.logger.Info("add reply has no pending intent, not committed", "fence_id", record.ID)
		return false
	}
	switch _, err := e.stores.Synced.Get(ctx, record.ID); {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		e.logger.Info("resubmit reply for fence no longer synced, not committed", "fence_id", record.ID)
	default:
		e.logger.Error("read synced fence failed", "fence_id", record.ID, "error", err.Error())
	}
	return false
}

// completeRemove commits a remove acknowledgement; success also clears any pending add.
// Without a pending remove marker the reply is stale: a newer add already replaced the intent.
func (e *Engine) completeRemove(id string, outcome backend.Outcome, notify bool) {
	if outcome.OK() {
		ctx := context.Background()
		e.mu.Lock()
		_, err := e.stores.ToRemove.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.logger.Info("remove reply superseded by newer intent", "fence_id", id)
		case err != nil:
			e.logger.Error("read pending remove failed", "fence_id", id, "error", err.Error())
		default:
			e.commitRemove(ctx, id)
		}
		e.mu.Unlock()
	} else {
		e.logger.Warn("remove failed, kept pending", "fence_id", id, "result", outcome.Result(), "message", outcome.Message)
	}
	if notify {
		e.notifyRemove(id, outcome)
	}
}

// commitRemove clears id from all stores; caller holds e.mu.
func (e *Engine) commitRemove(ctx context.Context, id string) {
	if err := e.stores.Synced.Remove(ctx, id); err != nil {
		e.logger.Error("remove synced fence failed", "fence_id", id, "error", err.Error())
		return
	}
	if err := e.stores.ToAdd.Remove(ctx, id); err != nil {
		e.logger.Error("clear pending add failed", "fence_id", id, "error", err.Error())
	}
	if err := e.stores.ToRemove.Remove(ctx, id); err != nil {
		e.logger.Error("clear pending remove failed", "fence_id", id, "error", err.Error())
	}
}

func (e *Engine) snapshotListeners() []Listener {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}

func (e *Engine) notifyAdd(record fence.Record, outcome backend.Outcome) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	for _, listener := range e.snapshotListeners() {
		listener.OnFenceAddResult(record, outcome)
	}
}

func (e *Engine) notifyRemove(id string, outcome backend.Outcome) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	for _, listener := range e.snapshotListeners() {
		listener.OnFenceRemoveResult(id, outcome)
	}
}
