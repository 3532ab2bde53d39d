package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fencesync/internal/clock"
	"fencesync/internal/config"

	"github.com/nats-io/nats.go"
)

const triggerStreamMaxAge = 24 * time.Hour

// NATSSubscriber consumes fence triggers via JetStream queue consumers and forwards them to sink.
// Params: NATS connection, one queue subscription per worker, and event sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	sink   EventSink
	clock  clock.Clock
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumers for trigger ingestion.
// Params: ingest NATS config, sink, clock, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink EventSink, clk clock.Clock, logger *slog.Logger) (*NATSSubscriber, error) {
	if sink == nil {
		return nil, errors.New("ingest sink is nil")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := &NATSSubscriber{
		nc:     nc,
		sink:   sink,
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "ingest_nats"),
	}
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
			subscriber.handle(message, nackDelay)
		}, subOpts...)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// handle decodes one message; malformed payloads are acked so they are not redelivered.
func (s *NATSSubscriber) handle(message *nats.Msg, nackDelay time.Duration) {
	events, err := decodeEventPayload(message.Data, s.clock.Now())
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}
	if err := pushEvents(s.ctx, s.sink, events); err != nil {
		s.logger.Error("nats ingest push failed", "subject", message.Subject, "error", err.Error())
		s.nackMessage(message, nackDelay)
		return
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains every worker subscription and closes connection.
// Params: none.
// Returns: joined drain errors.
func (s *NATSSubscriber) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	s.nc.Close()
	return errors.Join(errs...)
}

// ensureStream creates work-queue trigger stream when it does not exist.
// Params: JetStream context, stream name, and subject.
// Returns: stream lookup or creation error.
func ensureStream(js nats.JetStreamContext, streamName, subject string) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    triggerStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
