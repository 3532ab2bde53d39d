package backend

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fencesync/internal/fence"
)

// Registration is one fence held by the loopback backend.
type Registration struct {
	ID        string
	Condition fence.Condition
	Target    string
}

// LocalOptions configures loopback backend behavior.
// Params: initial reachability and optional acknowledgement delay.
// Returns: options for NewLocalConnector.
type LocalOptions struct {
	// Unreachable makes Connect a no-op until SetReachable(true).
	Unreachable bool
	AckDelay    time.Duration
}

// LocalConnector is an in-process backend that keeps registered fences in memory.
// Params: loopback registry with switchable connectivity.
// Returns: Connector whose acknowledgements arrive on background goroutines.
type LocalConnector struct {
	logger *slog.Logger
	delay  time.Duration

	mu         sync.Mutex
	online     bool
	reachable  bool
	closed     bool
	registered map[string]Registration
	scripted   map[string][]Outcome

	subs subscribers
	wg   sync.WaitGroup
}

// NewLocalConnector creates offline loopback backend.
// Params: logger and options.
// Returns: connector that goes online on Connect.
func NewLocalConnector(logger *slog.Logger, opts LocalOptions) *LocalConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalConnector{
		logger:     logger.With("component", "backend", "driver", "local"),
		delay:      opts.AckDelay,
		reachable:  !opts.Unreachable,
		registered: make(map[string]Registration),
		scripted:   make(map[string][]Outcome),
	}
}

// IsConnected reports online state.
func (c *LocalConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Connect brings backend online asynchronously when reachable.
func (c *LocalConnector) Connect() {
	c.mu.Lock()
	if c.closed || c.online || !c.reachable {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.SetOnline(true)
	}()
}

// SetReachable controls whether Connect succeeds.
func (c *LocalConnector) SetReachable(reachable bool) {
	c.mu.Lock()
	c.reachable = reachable
	c.mu.Unlock()
}

// SetOnline switches connectivity; each offline to online switch fires OnConnected handlers.
// Params: target connectivity.
// Returns: none; handlers run on caller goroutine.
func (c *LocalConnector) SetOnline(online bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.online != online
	c.online = online
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("backend connectivity changed", "online", online)
	if online {
		c.subs.fire()
	}
}

// FailNext queues outcomes returned by the next submissions for id, in order.
func (c *LocalConnector) FailNext(id string, outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted[id] = append(c.scripted[id], outcomes...)
}

// OnConnected registers handler for online transitions.
func (c *LocalConnector) OnConnected(fn func()) func() {
	return c.subs.add(fn)
}

// SubmitAdd registers fence and acknowledges asynchronously.
// Params: fence id, condition, target, and callback.
// Returns: ErrNotConnected or ErrClosed when not submitted.
func (c *LocalConnector) SubmitAdd(ctx context.Context, id string, condition fence.Condition, target string, cb Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.admit(); err != nil {
		return err
	}
	c.ack(cb, func() Outcome { return c.Register(id, condition, target) })
	return nil
}

// SubmitRemove unregisters fence and acknowledges asynchronously.
// Params: fence id and callback.
// Returns: ErrNotConnected or ErrClosed when not submitted.
func (c *LocalConnector) SubmitRemove(ctx context.Context, id string, cb Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.admit(); err != nil {
		return err
	}
	c.ack(cb, func() Outcome { return c.Unregister(id) })
	return nil
}

// admit reserves one in-flight acknowledgement slot.
func (c *LocalConnector) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.online {
		return ErrNotConnected
	}
	c.wg.Add(1)
	return nil
}

func (c *LocalConnector) ack(cb Callback, apply func() Outcome) {
	go func() {
		defer c.wg.Done()
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		outcome := apply()
		if cb != nil {
			cb(outcome)
		}
	}()
}

// Register applies add synchronously; used by acknowledgements and the NATS responder.
// Params: fence id, condition, and target.
// Returns: scripted outcome or success.
func (c *LocalConnector) Register(id string, condition fence.Condition, target string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome, ok := c.popScripted(id); ok {
		return outcome
	}
	if err := condition.Validate(); err != nil {
		return Failure(CodeRejected, err.Error())
	}
	c.registered[id] = Registration{ID: id, Condition: condition, Target: target}
	return Success()
}

// Unregister applies remove synchronously; unknown ids succeed.
func (c *LocalConnector) Unregister(id string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outcome, ok := c.popScripted(id); ok {
		return outcome
	}
	delete(c.registered, id)
	return Success()
}

func (c *LocalConnector) popScripted(id string) (Outcome, bool) {
	queue := c.scripted[id]
	if len(queue) == 0 {
		return Outcome{}, false
	}
	outcome := queue[0]
	if len(queue) == 1 {
		delete(c.scripted, id)
	} else {
		c.scripted[id] = queue[1:]
	}
	return outcome, true
}

// Registered lists registered fences sorted by id.
func (c *LocalConnector) Registered() []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Registration, 0, len(c.registered))
	for _, reg := range c.registered {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns one registration.
func (c *LocalConnector) Lookup(id string) (Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registered[id]
	return reg, ok
}

// Close rejects further submissions and waits for in-flight acknowledgements.
func (c *LocalConnector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.online = false
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
