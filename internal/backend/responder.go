package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"fencesync/internal/fence"

	"github.com/nats-io/nats.go"
)

// Registry applies backend requests synchronously.
type Registry interface {
	Register(id string, condition fence.Condition, target string) Outcome
	Unregister(id string) Outcome
}

// Responder serves add/remove requests on NATS subjects from a local registry.
// Params: NATS connection, subject prefix, queue group, and registry.
// Returns: backend service side of the request/reply protocol.
type Responder struct {
	nc       *nats.Conn
	prefix   string
	queue    string
	registry Registry
	logger   *slog.Logger
	subs     []*nats.Subscription
}

// NewResponder creates stopped responder.
// Params: live connection, subject prefix, queue group, registry, and logger.
// Returns: responder; call Start to subscribe.
func NewResponder(nc *nats.Conn, prefix, queue string, registry Registry, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(queue) == "" {
		queue = "fencesync-backend"
	}
	return &Responder{
		nc:       nc,
		prefix:   prefix,
		queue:    queue,
		registry: registry,
		logger:   logger.With("component", "backend_responder"),
	}
}

// Start subscribes queue handlers for add and remove subjects.
// Params: none.
// Returns: subscription error.
func (r *Responder) Start() error {
	for _, op := range []string{opAdd, opRemove} {
		subject := subjectFor(r.prefix, op)
		sub, err := r.nc.QueueSubscribe(subject, r.queue, r.handle)
		if err != nil {
			r.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	if err := r.nc.Flush(); err != nil {
		r.Close()
		return fmt.Errorf("flush responder subscriptions: %w", err)
	}
	r.logger.Info("backend responder started", "prefix", r.prefix, "queue", r.queue)
	return nil
}

func (r *Responder) handle(msg *nats.Msg) {
	var req wireRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.respond(msg, replyFor("", Failure(CodeRejected, "decode request: "+err.Error())))
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		r.respond(msg, replyFor(req.RequestID, Failure(CodeRejected, "fence id is required")))
		return
	}

	var outcome Outcome
	switch req.Op {
	case opAdd:
		condition, err := fence.DecodeCondition(req.Condition)
		if err != nil {
			outcome = Failure(CodeRejected, err.Error())
			break
		}
		if strings.TrimSpace(req.Target) == "" {
			outcome = Failure(CodeRejected, "fence target is required")
			break
		}
		outcome = r.registry.Register(req.ID, condition, req.Target)
	case opRemove:
		outcome = r.registry.Unregister(req.ID)
	default:
		outcome = Failure(CodeRejected, fmt.Sprintf("unsupported op %q", req.Op))
	}
	r.logger.Debug("backend request served", "op", req.Op, "fence_id", req.ID, "request_id", req.RequestID, "result", outcome.Result())
	r.respond(msg, replyFor(req.RequestID, outcome))
}

func (r *Responder) respond(msg *nats.Msg, reply wireReply) {
	body, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("encode backend reply failed", "error", err.Error())
		return
	}
	if err := msg.Respond(body); err != nil {
		r.logger.Warn("send backend reply failed", "error", err.Error())
	}
}

// Close drains subscriptions.
func (r *Responder) Close() error {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			r.logger.Warn("unsubscribe responder failed", "subject", sub.Subject, "error", err.Error())
		}
	}
	r.subs = nil
	return nil
}
