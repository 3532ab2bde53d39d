package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"fencesync/internal/handler"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	docs []wireEvent
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{docs: make([]wireEvent, 0, 16)}
	},
}

// decodeEventPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array, and arrival time.
// Returns: validated events.
func decodeEventPayload(raw []byte, now time.Time) ([]handler.Event, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	return decodeEventPayloadInto(raw, now, scratch)
}

func decodeEventPayloadInto(raw []byte, now time.Time, scratch *decodeScratch) ([]handler.Event, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] != '[' {
		var doc wireEvent
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return []handler.Event{doc.event(now)}, nil
	}

	docs := scratch.docs[:0]
	if err := decoder.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	scratch.docs = docs
	if len(docs) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range docs {
		if err := docs[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	events := make([]handler.Event, 0, len(docs))
	for i := range docs {
		events = append(events, docs[i].event(now))
	}
	return events, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.docs {
		scratch.docs[i] = wireEvent{}
	}
	if cap(scratch.docs) > maxPooledBatchCapacity {
		scratch.docs = make([]wireEvent, 0, 16)
	} else {
		scratch.docs = scratch.docs[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// EventSink receives decoded trigger events.
type EventSink interface {
	Push(ctx context.Context, event handler.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, event handler.Event) error

// Push calls f.
func (f SinkFunc) Push(ctx context.Context, event handler.Event) error {
	return f(ctx, event)
}

// pushEvents sends events to sink in order.
// Params: context, sink, and events.
// Returns: first push error joined with its index.
func pushEvents(ctx context.Context, sink EventSink, events []handler.Event) error {
	for i, event := range events {
		if err := sink.Push(ctx, event); err != nil {
			return fmt.Errorf("event[%d] %s: %w", i, event.FenceID, err)
		}
	}
	return nil
}
