package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fencesync/internal/handler"

	"github.com/google/uuid"
)

// wireEvent is the inbound trigger document.
type wireEvent struct {
	EventID       string `json:"event_id"`
	FenceID       string `json:"fence_id"`
	Target        string `json:"target"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state"`
	// DT is the trigger time in unix milliseconds.
	DT int64 `json:"dt"`
}

// Validate checks required trigger fields.
func (e wireEvent) Validate() error {
	if strings.TrimSpace(e.FenceID) == "" {
		return errors.New("fence_id is required")
	}
	if e.DT < 0 {
		return errors.New("dt must be >=0")
	}
	if strings.TrimSpace(e.State) == "" {
		return errors.New("state is required")
	}
	return nil
}

// event converts wire document into handler event.
// Params: arrival time used when dt is absent.
// Returns: event with generated id when none was sent.
func (e wireEvent) event(now time.Time) handler.Event {
	out := handler.Event{
		EventID:   strings.TrimSpace(e.EventID),
		FenceID:   strings.TrimSpace(e.FenceID),
		Target:    strings.TrimSpace(e.Target),
		State:     handler.ParseState(e.State),
		Timestamp: now.UTC(),
	}
	if e.PreviousState != "" {
		out.PreviousState = handler.ParseState(e.PreviousState)
	}
	if e.DT > 0 {
		out.Timestamp = time.UnixMilli(e.DT).UTC()
	}
	if out.EventID == "" {
		out.EventID = newEventID()
	}
	return out
}

// DecodeEvent decodes and validates one trigger payload.
// Params: JSON document bytes and arrival time.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte, now time.Time) (handler.Event, error) {
	var doc wireEvent
	if err := json.Unmarshal(raw, &doc); err != nil {
		return handler.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return handler.Event{}, err
	}
	return doc.event(now), nil
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
