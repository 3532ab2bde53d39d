package fence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ucarion/jcs"
)

// ErrMalformed marks persisted documents that cannot be decoded into a record.
var ErrMalformed = errors.New("malformed fence document")

// document is the persisted flat key/value form of one condition node.
// Field order fixes output order; pointer fields distinguish zero from absent.
type document struct {
	Type   *Kind                    `json:"type"`
	ID     string                   `json:"id,omitempty"`
	Target string                   `json:"pendingIntentClass,omitempty"`
	Extra  map[string]valueDocument `json:"additionalData,omitempty"`

	And []document `json:"and,omitempty"`
	Or  []document `json:"or,omitempty"`
	Not *document  `json:"not,omitempty"`

	Transition *int     `json:"transition,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Radius     *float64 `json:"radius,omitempty"`
	Dwell      *int64   `json:"dwell,omitempty"`

	Activities []int `json:"activities,omitempty"`

	TimingType   *int    `json:"timing_type,omitempty"`
	DayOfWeek    *int    `json:"day_of_week,omitempty"`
	TimeInterval *int    `json:"time_interval,omitempty"`
	TimeInstant  *int    `json:"time_instant,omitempty"`
	ZoneOffset   *int64  `json:"timezone_offset,omitempty"`
	ZoneID       *string `json:"timezone_id,omitempty"`
	Start        *int64  `json:"start,omitempty"`
	Stop         *int64  `json:"stop,omitempty"`
	StartOffset  *int64  `json:"start_offset,omitempty"`
	StopOffset   *int64  `json:"stop_offset,omitempty"`

	TriggerType    *int `json:"trigger_type,omitempty"`
	HeadphoneState *int `json:"headphone_state,omitempty"`
}

type valueDocument struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Encode serializes record into persisted JSON document.
// Params: record with valid condition tree.
// Returns: compact JSON bytes or encode error.
func Encode(record Record) ([]byte, error) {
	doc, err := encodeCondition(record.Condition)
	if err != nil {
		return nil, err
	}
	doc.ID = record.ID
	doc.Target = record.Target
	if len(record.Extra) > 0 {
		doc.Extra = make(map[string]valueDocument, len(record.Extra))
		for key, value := range record.Extra {
			encoded, err := encodeValue(value)
			if err != nil {
				return nil, fmt.Errorf("encode extra data %q: %w", key, err)
			}
			doc.Extra[key] = encoded
		}
	}
	return json.Marshal(doc)
}

// EncodeCondition serializes a bare condition tree without record fields.
func EncodeCondition(condition Condition) ([]byte, error) {
	doc, err := encodeCondition(condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Decode parses persisted JSON document into record.
// Params: raw JSON bytes.
// Returns: record or error wrapping ErrMalformed.
func Decode(body []byte) (Record, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	condition, err := decodeCondition(doc, "condition")
	if err != nil {
		return Record{}, err
	}
	record := Record{
		ID:        doc.ID,
		Condition: condition,
		Target:    doc.Target,
	}
	if len(doc.Extra) > 0 {
		record.Extra = make(map[string]Value, len(doc.Extra))
		for key, raw := range doc.Extra {
			value, err := decodeValue(raw)
			if err != nil {
				return Record{}, fmt.Errorf("%w: additionalData.%s: %v", ErrMalformed, key, err)
			}
			record.Extra[key] = value
		}
	}
	return record, nil
}

// DecodeCondition parses a bare condition document, ignoring record fields.
func DecodeCondition(body []byte) (Condition, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return decodeCondition(doc, "condition")
}

// Fingerprint hashes the RFC 8785 canonical form of the encoded record.
// Params: record to fingerprint.
// Returns: lower-case hex SHA-256 digest.
func Fingerprint(record Record) (string, error) {
	body, err := Encode(record)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return "", fmt.Errorf("normalize fence document: %w", err)
	}
	normalized, err = canonicalNumbers(normalized)
	if err != nil {
		return "", fmt.Errorf("normalize fence document: %w", err)
	}
	canonical, err := jcs.Format(normalized)
	if err != nil {
		return "", fmt.Errorf("canonicalize fence document: %w", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// exactFloatLimit bounds the integers that convert to float64 without loss.
const exactFloatLimit = 1 << 53

// canonicalNumbers replaces decoded json.Number values with float64 where the
// conversion is exact. Integers outside the exact range become "#int:<digits>"
// strings so distinct longs keep distinct fingerprints.
func canonicalNumbers(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			converted, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			typed[key] = converted
		}
		return typed, nil
	case []any:
		for i, item := range typed {
			converted, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			typed[i] = converted
		}
		return typed, nil
	case json.Number:
		return canonicalNumber(typed)
	default:
		return value, nil
	}
}

func canonicalNumber(number json.Number) (any, error) {
	if whole, err := strconv.ParseInt(number.String(), 10, 64); err == nil {
		if whole > -exactFloatLimit && whole < exactFloatLimit {
			return float64(whole), nil
		}
		return "#int:" + strconv.FormatInt(whole, 10), nil
	}
	if whole, ok := new(big.Int).SetString(number.String(), 10); ok {
		return "#int:" + whole.String(), nil
	}
	f, err := number.Float64()
	if err != nil {
		return nil, fmt.Errorf("number %q: %w", number.String(), err)
	}
	return f, nil
}

func encodeCondition(condition Condition) (document, error) {
	kind := condition.Kind
	doc := document{Type: &kind}
	switch condition.Kind {
	case KindMeta:
		meta := condition.Meta
		if meta == nil {
			return document{}, mismatch("condition", kind)
		}
		switch {
		case len(meta.And) > 0:
			children, err := encodeChildren(meta.And)
			if err != nil {
				return document{}, err
			}
			doc.And = children
		case len(meta.Or) > 0:
			children, err := encodeChildren(meta.Or)
			if err != nil {
				return document{}, err
			}
			doc.Or = children
		case meta.Not != nil:
			child, err := encodeCondition(*meta.Not)
			if err != nil {
				return document{}, err
			}
			doc.Not = &child
		default:
			return document{}, fmt.Errorf("%w: meta condition has no branch", ErrInvalidCondition)
		}
	case KindLocation:
		loc := condition.Location
		if loc == nil {
			return document{}, mismatch("condition", kind)
		}
		doc.Transition = intPtr(int(loc.Transition))
		doc.Latitude = &loc.Latitude
		doc.Longitude = &loc.Longitude
		doc.Radius = &loc.Radius
		doc.Dwell = &loc.DwellMS
	case KindActivity:
		act := condition.Activity
		if act == nil {
			return document{}, mismatch("condition", kind)
		}
		doc.Transition = intPtr(int(act.Transition))
		doc.Activities = append([]int(nil), act.Activities...)
	case KindTime:
		t := condition.Time
		if t == nil {
			return document{}, mismatch("condition", kind)
		}
		doc.TimingType = intPtr(int(t.Timing))
		doc.DayOfWeek = &t.DayOfWeek
		doc.TimeInterval = &t.Interval
		doc.TimeInstant = &t.Instant
		if t.Zone != nil {
			doc.ZoneOffset = &t.Zone.OffsetMS
			doc.ZoneID = &t.Zone.ID
		}
		doc.Start = &t.StartMS
		doc.Stop = &t.StopMS
		doc.StartOffset = &t.StartOffsetMS
		doc.StopOffset = &t.StopOffsetMS
	case KindHeadphone:
		hp := condition.Headphone
		if hp == nil {
			return document{}, mismatch("condition", kind)
		}
		doc.TriggerType = intPtr(int(hp.Trigger))
		if hp.Trigger == HeadphoneStateTrigger {
			doc.HeadphoneState = &hp.State
		}
	default:
		return document{}, fmt.Errorf("%w: unsupported kind %d", ErrInvalidCondition, int(kind))
	}
	return doc, nil
}

func encodeChildren(children []Condition) ([]document, error) {
	out := make([]document, 0, len(children))
	for _, child := range children {
		doc, err := encodeCondition(child)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func decodeCondition(doc document, path string) (Condition, error) {
	if doc.Type == nil {
		return Condition{}, fmt.Errorf("%w: %s.type is required", ErrMalformed, path)
	}
	switch *doc.Type {
	case KindMeta:
		return decodeMeta(doc, path)
	case KindLocation:
		if doc.Transition == nil || doc.Latitude == nil || doc.Longitude == nil || doc.Radius == nil {
			return Condition{}, fmt.Errorf("%w: %s location requires transition/latitude/longitude/radius", ErrMalformed, path)
		}
		loc := &Location{
			Transition: LocationTransition(*doc.Transition),
			Latitude:   *doc.Latitude,
			Longitude:  *doc.Longitude,
			Radius:     *doc.Radius,
		}
		if doc.Dwell != nil {
			loc.DwellMS = *doc.Dwell
		}
		return Condition{Kind: KindLocation, Location: loc}, nil
	case KindActivity:
		if doc.Transition == nil || len(doc.Activities) == 0 {
			return Condition{}, fmt.Errorf("%w: %s activity requires transition/activities", ErrMalformed, path)
		}
		return Condition{Kind: KindActivity, Activity: &Activity{
			Activities: append([]int(nil), doc.Activities...),
			Transition: ActivityTransition(*doc.Transition),
		}}, nil
	case KindTime:
		return decodeTime(doc, path)
	case KindHeadphone:
		if doc.TriggerType == nil {
			return Condition{}, fmt.Errorf("%w: %s.trigger_type is required", ErrMalformed, path)
		}
		hp := &Headphone{Trigger: HeadphoneTrigger(*doc.TriggerType)}
		if hp.Trigger == HeadphoneStateTrigger {
			if doc.HeadphoneState == nil {
				return Condition{}, fmt.Errorf("%w: %s.headphone_state is required", ErrMalformed, path)
			}
			hp.State = *doc.HeadphoneState
		}
		return Condition{Kind: KindHeadphone, Headphone: hp}, nil
	default:
		return Condition{}, fmt.Errorf("%w: %s.type has unsupported value %d", ErrMalformed, path, int(*doc.Type))
	}
}

// decodeMeta honours and, then or, then not when several branches are present.
func decodeMeta(doc document, path string) (Condition, error) {
	switch {
	case len(doc.And) > 0:
		children, err := decodeChildren(doc.And, path+".and")
		if err != nil {
			return Condition{}, err
		}
		return Condition{Kind: KindMeta, Meta: &Meta{And: children}}, nil
	case len(doc.Or) > 0:
		children, err := decodeChildren(doc.Or, path+".or")
		if err != nil {
			return Condition{}, err
		}
		return Condition{Kind: KindMeta, Meta: &Meta{Or: children}}, nil
	case doc.Not != nil:
		child, err := decodeCondition(*doc.Not, path+".not")
		if err != nil {
			return Condition{}, err
		}
		return Condition{Kind: KindMeta, Meta: &Meta{Not: &child}}, nil
	default:
		return Condition{}, fmt.Errorf("%w: %s meta requires and/or/not", ErrMalformed, path)
	}
}

func decodeChildren(docs []document, path string) ([]Condition, error) {
	out := make([]Condition, 0, len(docs))
	for i, child := range docs {
		condition, err := decodeCondition(child, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, condition)
	}
	return out, nil
}

func decodeTime(doc document, path string) (Condition, error) {
	if doc.TimingType == nil {
		return Condition{}, fmt.Errorf("%w: %s.timing_type is required", ErrMalformed, path)
	}
	t := &Time{
		Timing:        TimingType(*doc.TimingType),
		DayOfWeek:     intOrZero(doc.DayOfWeek),
		Interval:      intOrZero(doc.TimeInterval),
		Instant:       intOrZero(doc.TimeInstant),
		StartMS:       int64OrZero(doc.Start),
		StopMS:        int64OrZero(doc.Stop),
		StartOffsetMS: int64OrZero(doc.StartOffset),
		StopOffsetMS:  int64OrZero(doc.StopOffset),
	}
	if doc.ZoneID != nil && doc.ZoneOffset != nil {
		t.Zone = &Zone{ID: *doc.ZoneID, OffsetMS: *doc.ZoneOffset}
	}
	if day, ok := legacyWeekdayTimings[*doc.TimingType]; ok {
		t.Timing = TimingDayOfWeek
		t.DayOfWeek = day
	}
	switch t.Timing {
	case TimingAbsolute, TimingDaily, TimingDayOfWeek:
		if doc.Start == nil || doc.Stop == nil {
			return Condition{}, fmt.Errorf("%w: %s time window requires start/stop", ErrMalformed, path)
		}
	case TimingTimeInterval:
		if doc.TimeInterval == nil {
			return Condition{}, fmt.Errorf("%w: %s.time_interval is required", ErrMalformed, path)
		}
	case TimingTimeInstant:
		if doc.TimeInstant == nil || doc.StartOffset == nil || doc.StopOffset == nil {
			return Condition{}, fmt.Errorf("%w: %s time instant requires time_instant/start_offset/stop_offset", ErrMalformed, path)
		}
	default:
		return Condition{}, fmt.Errorf("%w: %s.timing_type has unsupported value %d", ErrMalformed, path, *doc.TimingType)
	}
	return Condition{Kind: KindTime, Time: t}, nil
}

func encodeValue(value Value) (valueDocument, error) {
	if err := value.Validate(); err != nil {
		return valueDocument{}, err
	}
	raw, err := json.Marshal(value.Any())
	if err != nil {
		return valueDocument{}, err
	}
	return valueDocument{Type: value.Kind, Value: raw}, nil
}

func decodeValue(doc valueDocument) (Value, error) {
	if len(doc.Value) == 0 {
		return Value{}, errors.New("value is required")
	}
	var value Value
	switch doc.Type {
	case ValueString:
		value = Value{Kind: ValueString}
		if err := json.Unmarshal(doc.Value, &value.Str); err != nil {
			return Value{}, err
		}
	case ValueInt, ValueLong:
		value = Value{Kind: doc.Type}
		if err := json.Unmarshal(doc.Value, &value.Int); err != nil {
			return Value{}, err
		}
	case ValueDouble:
		value = Value{Kind: ValueDouble}
		if err := json.Unmarshal(doc.Value, &value.Float); err != nil {
			return Value{}, err
		}
	case ValueBool:
		value = Value{Kind: ValueBool}
		if err := json.Unmarshal(doc.Value, &value.Bool); err != nil {
			return Value{}, err
		}
	default:
		return Value{}, fmt.Errorf("unsupported value type %q", doc.Type)
	}
	if err := value.Validate(); err != nil {
		return Value{}, err
	}
	return value, nil
}

func intPtr(value int) *int { return &value }

func intOrZero(value *int) int {
	if value == nil {
		return 0
	}
	return *value
}

func int64OrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
