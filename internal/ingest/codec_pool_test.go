package ingest

import (
	"strings"
	"testing"
	"time"

	"fencesync/internal/handler"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func TestDecodeEventPayloadIntoSingle(t *testing.T) {
	t.Parallel()

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	payload := []byte(`{"event_id":"e1","fence_id":"home","target":"door","state":"entered","dt":1739876543210}`)
	events, err := decodeEventPayloadInto(payload, testNow, scratch)
	if err != nil {
		t.Fatalf("decode single payload: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	event := events[0]
	if event.EventID != "e1" || event.FenceID != "home" || event.Target != "door" || event.State != handler.StateTrue {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.Timestamp.Equal(time.UnixMilli(1739876543210)) {
		t.Fatalf("unexpected timestamp %s", event.Timestamp)
	}
}

func TestDecodeEventPayloadIntoBatch(t *testing.T) {
	t.Parallel()

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	payload := []byte(`[{"fence_id":"a","state":"true"},{"fence_id":"b","state":"out","previous_state":"in"}]`)
	events, err := decodeEventPayloadInto(payload, testNow, scratch)
	if err != nil {
		t.Fatalf("decode batch payload: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if events[1].State != handler.StateFalse || events[1].PreviousState != handler.StateTrue {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if !events[0].Timestamp.Equal(testNow) || events[0].EventID == "" {
		t.Fatalf("expected arrival time and generated id, got %+v", events[0])
	}
	if events[0].EventID == events[1].EventID {
		t.Fatalf("generated ids must differ")
	}
}

func TestDecodeEventPayloadRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":       "  ",
		"no fence":    `{"state":"true"}`,
		"no state":    `{"fence_id":"a"}`,
		"negative dt": `{"fence_id":"a","state":"true","dt":-1}`,
		"empty batch": `[]`,
		"bad item":    `[{"fence_id":"a","state":"true"},{"state":"true"}]`,
		"trailing":    `{"fence_id":"a","state":"true"} {}`,
		"not json":    `fence`,
	}
	for name, payload := range cases {
		if _, err := decodeEventPayload([]byte(payload), testNow); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}

	_, err := decodeEventPayload([]byte(`[{"fence_id":"a","state":"true"},{"state":"true"}]`), testNow)
	if !strings.Contains(err.Error(), "event[1]") {
		t.Fatalf("expected indexed batch error, got %v", err)
	}
}

func TestReleaseDecodeScratchDropsOversizedBuffer(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{
		docs: make([]wireEvent, 0, maxPooledBatchCapacity+1),
	}
	releaseDecodeScratch(scratch)
	if cap(scratch.docs) > maxPooledBatchCapacity {
		t.Fatalf("expected capped pooled capacity, got %d", cap(scratch.docs))
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	event, err := DecodeEvent([]byte(`{"fence_id":" home ","state":"nope"}`), testNow)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.FenceID != "home" || event.State != handler.StateUnknown || event.PreviousState != "" {
		t.Fatalf("unexpected event %+v", event)
	}
	if _, err := DecodeEvent([]byte(`{`), testNow); err == nil {
		t.Fatalf("expected syntax error")
	}
}
