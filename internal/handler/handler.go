package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"fencesync/internal/config"
	"fencesync/internal/fence"
	"fencesync/internal/notify"
	"fencesync/internal/store"
)

// State is the fence condition value reported by the backend.
type State string

const (
	StateTrue    State = "true"
	StateFalse   State = "false"
	StateUnknown State = "unknown"
)

// ParseState normalizes state labels; unrecognized values map to StateUnknown.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "in", "entered":
		return StateTrue
	case "false", "0", "out", "exited":
		return StateFalse
	default:
		return StateUnknown
	}
}

// Event is one fence trigger delivered by the backend.
type Event struct {
	EventID       string    `json:"event_id"`
	FenceID       string    `json:"fence_id"`
	Target        string    `json:"target,omitempty"`
	State         State     `json:"state"`
	PreviousState State     `json:"previous_state,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler processes one fence trigger.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Registry resolves a fence target name to a statically registered handler.
// Params: target-to-handler table and fallback handler.
// Returns: dispatcher for trigger events.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	fences   FenceLookup
	logger   *slog.Logger
}

// NewRegistry creates registry with fallback for unknown or empty targets.
// Params: fallback handler and logger.
// Returns: empty registry.
func NewRegistry(fallback Handler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
		logger:   logger.With("component", "handler_registry"),
	}
}

// ResolveTargetsFrom makes Dispatch fill an empty event target from the stored fence.
// Returns: the registry for chaining.
func (r *Registry) ResolveTargetsFrom(fences FenceLookup) *Registry {
	r.mu.Lock()
	r.fences = fences
	r.mu.Unlock()
	return r
}

// Register binds target to handler, replacing previous binding.
func (r *Registry) Register(target string, h Handler) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("handler target is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", target)
	}
	r.mu.Lock()
	r.handlers[target] = h
	r.mu.Unlock()
	return nil
}

// Targets lists registered target names sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for target := range r.handlers {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// Resolve returns handler for target and whether it was registered explicitly.
func (r *Registry) Resolve(target string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[strings.TrimSpace(target)]
	r.mu.RUnlock()
	if ok {
		return h, true
	}
	return r.fallback, false
}

// Dispatch routes event to the handler for its target.
// Params: context and trigger event.
// Returns: handler error, or error when nothing can handle the event.
func (r *Registry) Dispatch(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Target) == "" {
		event.Target = r.storedTarget(ctx, event.FenceID)
	}
	h, registered := r.Resolve(event.Target)
	if h == nil {
		return fmt.Errorf("no handler for target %q", event.Target)
	}
	if !registered {
		r.logger.Debug("target not registered, using default handler", "target", event.Target, "fence_id", event.FenceID)
	}
	if err := h.Handle(ctx, event); err != nil {
		return fmt.Errorf("handle fence %q for target %q: %w", event.FenceID, event.Target, err)
	}
	return nil
}

// storedTarget returns the target persisted with fence id, or "" when unknown.
func (r *Registry) storedTarget(ctx context.Context, id string) string {
	r.mu.RLock()
	fences := r.fences
	r.mu.RUnlock()
	if fences == nil || strings.TrimSpace(id) == "" {
		return ""
	}
	record, err := fences.Fence(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("target lookup failed, using default handler", "fence_id", id, "error", err.Error())
		}
		return ""
	}
	return record.Target
}

// FenceLookup reads confirmed fences.
type FenceLookup interface {
	Fence(ctx context.Context, id string) (fence.Record, error)
}

// DefaultHandler announces triggers of fences whose target has no dedicated handler.
// Params: fence lookup, notification sender, and routes.
// Returns: fallback handler; only true-state events are announced.
type DefaultHandler struct {
	fences  FenceLookup
	sender  notify.Sender
	routes  []config.NotifyRoute
	service string
	logger  *slog.Logger
}

// NewDefaultHandler creates fallback handler; sender may be nil to only log.
func NewDefaultHandler(fences FenceLookup, sender notify.Sender, routes []config.NotifyRoute, service string, logger *slog.Logger) *DefaultHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultHandler{
		fences:  fences,
		sender:  sender,
		routes:  routes,
		service: service,
		logger:  logger.With("component", "default_handler"),
	}
}

// Summary returns the announcement text for fence id.
func Summary(id string, found bool) string {
	if found {
		return "(Default)Fence " + id + " received"
	}
	return "(Default)Fence " + id + " not found in store"
}

// Handle announces true-state triggers.
func (h *DefaultHandler) Handle(ctx context.Context, event Event) error {
	if event.State != StateTrue {
		return nil
	}
	record, err := h.fences.Fence(ctx, event.FenceID)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up fence %q: %w", event.FenceID, err)
	}

	summary := Summary(event.FenceID, found)
	h.logger.Info(summary, "fence_id", event.FenceID, "event_id", event.EventID)
	if h.sender == nil || len(h.routes) == 0 {
		return nil
	}
	notification := triggerNotification(event, h.service, summary)
	if found {
		notification.Target = record.Target
	}
	return h.sender.SendRoutes(ctx, h.routes, notification)
}

// NotifyHandler sends configured routes for one target.
type NotifyHandler struct {
	sender  notify.Sender
	routes  []config.NotifyRoute
	service string
}

// NewNotifyHandler creates route-backed handler.
func NewNotifyHandler(sender notify.Sender, routes []config.NotifyRoute, service string) *NotifyHandler {
	return &NotifyHandler{sender: sender, routes: routes, service: service}
}

// Handle sends every state change to configured routes.
func (h *NotifyHandler) Handle(ctx context.Context, event Event) error {
	summary := fmt.Sprintf("Fence %s is %s", event.FenceID, event.State)
	return h.sender.SendRoutes(ctx, h.routes, triggerNotification(event, h.service, summary))
}

func triggerNotification(event Event, service, summary string) notify.Notification {
	return notify.Notification{
		Kind:      notify.KindTrigger,
		Service:   service,
		FenceID:   event.FenceID,
		Target:    event.Target,
		State:     string(event.State),
		Summary:   summary,
		Timestamp: event.Timestamp,
	}
}

// RegisterRoutes binds a NotifyHandler for every configured handler target.
// Params: registry, sender, handler route table, and service name.
// Returns: first registration error.
func RegisterRoutes(r *Registry, sender notify.Sender, routes map[string]config.HandlerRoute, service string) error {
	targets := make([]string, 0, len(routes))
	for target := range routes {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		if err := r.Register(target, NewNotifyHandler(sender, routes[target].Route, service)); err != nil {
			return err
		}
	}
	return nil
}
