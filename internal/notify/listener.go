package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fencesync/internal/backend"
	"fencesync/internal/clock"
	"fencesync/internal/config"
	"fencesync/internal/fence"
)

// Sender delivers one notification to a list of routes.
type Sender interface {
	SendRoutes(ctx context.Context, routes []config.NotifyRoute, notification Notification) error
}

// OutcomeListenerOptions configures OutcomeListener.
// Params: routes, add/remove toggles, queue size, service name, and clock.
// Returns: options for NewOutcomeListener.
type OutcomeListenerOptions struct {
	Routes      []config.NotifyRoute
	OnAdd       bool
	OnRemove    bool
	QueueSize   int
	Service     string
	SendTimeout time.Duration
	Clock       clock.Clock
}

// OutcomeListener turns engine outcomes into notifications delivered by a background worker.
// Params: sender, routes, and buffered queue.
// Returns: listener that never blocks engine callbacks on the network.
type OutcomeListener struct {
	sender Sender
	opts   OutcomeListenerOptions
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewOutcomeListener starts delivery worker.
// Params: sender, options, and logger.
// Returns: running listener; call Close to drain.
func NewOutcomeListener(sender Sender, opts OutcomeListenerOptions, logger *slog.Logger) *OutcomeListener {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	l := &OutcomeListener{
		sender: sender,
		opts:   opts,
		logger: logger.With("component", "outcome_listener"),
		queue:  make(chan Notification, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// OnFenceAddResult enqueues add outcome when add notifications are enabled.
func (l *OutcomeListener) OnFenceAddResult(record fence.Record, outcome backend.Outcome) {
	if !l.opts.OnAdd {
		return
	}
	notification := l.base(KindAddResult, record.ID, outcome)
	notification.Target = record.Target
	notification.Extra = extraValues(record.Extra)
	l.enqueue(notification)
}

// OnFenceRemoveResult enqueues remove outcome when remove notifications are enabled.
func (l *OutcomeListener) OnFenceRemoveResult(id string, outcome backend.Outcome) {
	if !l.opts.OnRemove {
		return
	}
	l.enqueue(l.base(KindRemoveResult, id, outcome))
}

func (l *OutcomeListener) base(kind, id string, outcome backend.Outcome) Notification {
	notification := Notification{
		Kind:      kind,
		Service:   l.opts.Service,
		FenceID:   id,
		Result:    outcome.Result(),
		Code:      outcome.Code,
		Timestamp: l.opts.Clock.Now().UTC(),
	}
	if !outcome.OK() {
		notification.Error = outcome.Message
	}
	return notification
}

// enqueue drops notification when queue is full or listener is closed.
func (l *OutcomeListener) enqueue(notification Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- notification:
	default:
		l.logger.Warn("notification queue full, dropping", "kind", notification.Kind, "fence_id", notification.FenceID)
	}
}

func (l *OutcomeListener) run() {
	defer close(l.done)
	for notification := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.SendTimeout)
		err := l.sender.SendRoutes(ctx, l.opts.Routes, notification)
		cancel()
		if err != nil {
			l.logger.Error("outcome notification failed", "kind", notification.Kind, "fence_id", notification.FenceID, "error", err.Error())
		}
	}
}

// Close stops intake and waits until queued notifications are delivered.
// Params: context bounding the drain.
// Returns: context error when drain did not finish.
func (l *OutcomeListener) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogListener writes every outcome to the structured logger.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates logging listener.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger.With("component", "outcome_log")}
}

// OnFenceAddResult logs add outcome.
func (l *LogListener) OnFenceAddResult(record fence.Record, outcome backend.Outcome) {
	l.log("fence add result", record.ID, outcome, "target", record.Target)
}

// OnFenceRemoveResult logs remove outcome.
func (l *LogListener) OnFenceRemoveResult(id string, outcome backend.Outcome) {
	l.log("fence remove result", id, outcome)
}

func (l *LogListener) log(msg, id string, outcome backend.Outcome, attrs ...any) {
	args := append([]any{"fence_id", id, "result", outcome.Result(), "code", outcome.Code}, attrs...)
	if outcome.OK() {
		l.logger.Info(msg, args...)
		return
	}
	args = append(args, "error", outcome.Message)
	l.logger.Warn(msg, args...)
}

func extraValues(extra map[string]fence.Value) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for key, value := range extra {
		out[key] = value.Any()
	}
	return out
}
