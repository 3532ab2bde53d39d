package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fencesync/internal/config"
	"fencesync/internal/fence"

	"github.com/cenkalti/backoff"
	"github.com/looplab/fsm"
	"github.com/nats-io/nats.go"
)

// Connection states tracked by the connector state machine.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosed       = "closed"

	eventDial        = "dial"
	eventEstablished = "established"
	eventLost        = "lost"
	eventClose       = "close"
)

// DialFunc opens a NATS connection; replaced in tests.
type DialFunc func(url string, options ...nats.Option) (*nats.Conn, error)

// NATSConnector submits fences to a remote backend over NATS request/reply.
// Params: server list, subject prefix, request timeout, and reconnect backoff.
// Returns: Connector whose outcomes come from backend replies.
type NATSConnector struct {
	settings config.NATSBackendConfig
	logger   *slog.Logger
	dial     DialFunc

	mu      sync.Mutex
	nc      *nats.Conn
	machine *fsm.FSM

	subs   subscribers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSConnector creates disconnected connector; call Connect to dial.
// Params: backend settings and logger.
// Returns: connector in disconnected state.
func NewNATSConnector(settings config.NATSBackendConfig, logger *slog.Logger) *NATSConnector {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend", "driver", "nats")
	ctx, cancel := context.WithCancel(context.Background())
	c := &NATSConnector{
		settings: settings,
		logger:   logger,
		dial:     nats.Connect,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventLost, Src: []string{StateConnected}, Dst: StateConnecting},
			{Name: eventClose, Src: []string{StateDisconnected, StateConnecting, StateConnected}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("backend connection state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return c
}

// State returns current connection state name.
func (c *NATSConnector) State() string {
	return c.machine.Current()
}

// IsConnected reports whether requests can be submitted.
func (c *NATSConnector) IsConnected() bool {
	return c.machine.Current() == StateConnected
}

// OnConnected registers handler for initial connect and every reconnect.
func (c *NATSConnector) OnConnected(fn func()) func() {
	return c.subs.add(fn)
}

// transition fires event when allowed from current state.
// Params: event name; caller holds c.mu.
// Returns: true when state changed.
func (c *NATSConnector) transition(event string) bool {
	if !c.machine.Can(event) {
		return false
	}
	if err := c.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.logger.Warn("backend state transition failed", "event", event, "error", err.Error())
		}
		return false
	}
	return true
}

// Connect starts background dial loop when disconnected.
func (c *NATSConnector) Connect() {
	c.mu.Lock()
	started := c.transition(eventDial)
	if started {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if !started {
		return
	}
	go func() {
		defer c.wg.Done()
		c.dialLoop()
	}()
}

func (c *NATSConnector) dialLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(c.settings.ReconnectInitialMS) * time.Millisecond
	policy.MaxInterval = time.Duration(c.settings.ReconnectMaxMS) * time.Millisecond
	policy.MaxElapsedTime = 0
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 250 * time.Millisecond
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}

	url := strings.Join(c.settings.URL, ",")
	var nc *nats.Conn
	op := func() error {
		conn, err := c.dial(url,
			nats.Name("fencesync-backend"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(policy.InitialInterval),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.onLost(err) }),
			nats.ReconnectHandler(func(_ *nats.Conn) { c.onReconnected() }),
		)
		if err != nil {
			return err
		}
		nc = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("backend dial failed", "error", err.Error(), "retry_in", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, c.ctx), notify); err != nil {
		c.logger.Info("backend dial loop stopped", "error", err.Error())
		return
	}

	c.mu.Lock()
	if c.machine.Current() == StateClosed {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.nc = nc
	connected := c.transition(eventEstablished)
	c.mu.Unlock()
	if connected {
		c.subs.fire()
	}
}

func (c *NATSConnector) onLost(err error) {
	c.mu.Lock()
	lost := c.transition(eventLost)
	c.mu.Unlock()
	if lost {
		msg := "connection closed"
		if err != nil {
			msg = err.Error()
		}
		c.logger.Warn("backend connection lost", "error", msg)
	}
}

func (c *NATSConnector) onReconnected() {
	c.mu.Lock()
	connected := c.transition(eventEstablished)
	c.mu.Unlock()
	if connected {
		c.subs.fire()
	}
}

// SubmitAdd sends add request and awaits reply in background.
// Params: fence id, condition, target, and callback.
// Returns: error when request was not submitted.
func (c *NATSConnector) SubmitAdd(ctx context.Context, id string, condition fence.Condition, target string, cb Callback) error {
	body, err := fence.EncodeCondition(condition)
	if err != nil {
		return fmt.Errorf("encode condition: %w", err)
	}
	return c.submit(ctx, opAdd, wireRequest{ID: id, Condition: body, Target: target}, cb)
}

// SubmitRemove sends remove request and awaits reply in background.
// Params: fence id and callback.
// Returns: error when request was not submitted.
func (c *NATSConnector) SubmitRemove(ctx context.Context, id string, cb Callback) error {
	return c.submit(ctx, opRemove, wireRequest{ID: id}, cb)
}

func (c *NATSConnector) submit(ctx context.Context, op string, req wireRequest, cb Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.Op = op
	req.RequestID = newRequestID()
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	c.mu.Lock()
	switch c.machine.Current() {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
	nc := c.nc
	c.wg.Add(1)
	c.mu.Unlock()

	subject := subjectFor(c.settings.SubjectPrefix, op)
	go func() {
		defer c.wg.Done()
		outcome := c.request(nc, subject, req, body)
		c.logger.Debug("backend reply", "op", op, "fence_id", req.ID, "request_id", req.RequestID, "result", outcome.Result())
		if cb != nil {
			cb(outcome)
		}
	}()
	return nil
}

// request is decoupled from the submit context; only Close or the timeout end the wait.
func (c *NATSConnector) request(nc *nats.Conn, subject string, req wireRequest, body []byte) Outcome {
	timeout := c.settings.RequestTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, subject, body)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return Failure(CodeUnavailable, "no backend responders on "+subject)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return Failure(CodeTimeout, fmt.Sprintf("no reply within %s", timeout))
		case errors.Is(err, context.Canceled):
			return Failure(CodeUnavailable, "connector closed")
		default:
			return Failure(CodeUnavailable, err.Error())
		}
	}

	var reply wireReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Failure(CodeRejected, "decode reply: "+err.Error())
	}
	if reply.RequestID != "" && reply.RequestID != req.RequestID {
		return Failure(CodeRejected, "reply for unexpected request "+reply.RequestID)
	}
	return reply.outcome()
}

// Close stops dialing, closes connection, and waits for in-flight replies.
func (c *NATSConnector) Close() error {
	c.mu.Lock()
	c.transition(eventClose)
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()

	c.cancel()
	if nc != nil {
		nc.Close()
	}
	c.wg.Wait()
	return nil
}
