package fence

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tiendc/go-deepcopy"
)

// ValueKind tags one extra-data scalar.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueInt    ValueKind = "int"
	ValueLong   ValueKind = "long"
	ValueDouble ValueKind = "double"
	ValueBool   ValueKind = "bool"
)

// Value is one typed extra-data scalar attached to a fence.
// Params: Kind names the populated field (Int backs both int and long).
// Returns: opaque payload preserved across persistence round-trips.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

func String(value string) Value { return Value{Kind: ValueString, Str: value} }

func Int(value int32) Value { return Value{Kind: ValueInt, Int: int64(value)} }

func Long(value int64) Value { return Value{Kind: ValueLong, Int: value} }

func Double(value float64) Value { return Value{Kind: ValueDouble, Float: value} }

func Bool(value bool) Value { return Value{Kind: ValueBool, Bool: value} }

// Validate checks kind and range of the scalar.
// Params: none.
// Returns: error for unknown kind, int overflow, or non-finite double.
func (v Value) Validate() error {
	switch v.Kind {
	case ValueString, ValueLong, ValueBool:
		return nil
	case ValueInt:
		if v.Int < math.MinInt32 || v.Int > math.MaxInt32 {
			return fmt.Errorf("int value %d overflows 32 bits", v.Int)
		}
		return nil
	case ValueDouble:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return errors.New("double value must be finite")
		}
		return nil
	default:
		return fmt.Errorf("unsupported value kind %q", v.Kind)
	}
}

// Any returns the scalar as plain Go value for templates and logs.
func (v Value) Any() any {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt, ValueLong:
		return v.Int
	case ValueDouble:
		return v.Float
	case ValueBool:
		return v.Bool
	default:
		return nil
	}
}

// Equal reports whether two scalars have same kind and value.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueString:
		return v.Str == other.Str
	case ValueInt, ValueLong:
		return v.Int == other.Int
	case ValueDouble:
		return v.Float == other.Float
	case ValueBool:
		return v.Bool == other.Bool
	default:
		return true
	}
}

// Record is one registered fence: id, condition tree, handler target, and extra data.
type Record struct {
	ID        string
	Condition Condition
	Target    string
	Extra     map[string]Value
}

// NewRecord validates inputs and builds a record that owns its condition and extra data.
// Params: caller-supplied id, condition tree, optional extra data, and handler target.
// Returns: deep-copied record or validation error.
func NewRecord(id string, condition Condition, extra map[string]Value, target string) (Record, error) {
	record := Record{
		ID:        strings.TrimSpace(id),
		Condition: condition,
		Target:    strings.TrimSpace(target),
		Extra:     extra,
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record.Clone()
}

// Validate checks record identity fields, condition tree, and extra data.
// Params: none.
// Returns: first validation error.
func (r Record) Validate() error {
	if r.ID == "" {
		return errors.New("fence id is required")
	}
	if r.Target == "" {
		return errors.New("fence target is required")
	}
	if err := r.Condition.Validate(); err != nil {
		return err
	}
	for key, value := range r.Extra {
		if strings.TrimSpace(key) == "" {
			return errors.New("extra data key must not be empty")
		}
		if err := value.Validate(); err != nil {
			return fmt.Errorf("extra data %q: %w", key, err)
		}
	}
	return nil
}

// Clone returns deep copy so no tree or map is shared with the source.
// Params: none.
// Returns: copied record or copy error.
func (r Record) Clone() (Record, error) {
	var out Record
	if err := deepcopy.Copy(&out, &r); err != nil {
		return Record{}, fmt.Errorf("clone fence %q: %w", r.ID, err)
	}
	if len(r.Extra) == 0 {
		out.Extra = nil
	}
	return out, nil
}

// Equal compares target, extra data, and condition tree. IDs are ignored.
func (r Record) Equal(other Record) bool {
	if r.Target != other.Target {
		return false
	}
	if len(r.Extra) != len(other.Extra) {
		return false
	}
	for key, value := range r.Extra {
		otherValue, ok := other.Extra[key]
		if !ok || !value.Equal(otherValue) {
			return false
		}
	}
	return r.Condition.Equal(other.Condition)
}

// Equal reports structural equality of two condition trees.
// Params: other tree.
// Returns: true when kinds, payloads, and children match in order.
func (c Condition) Equal(other Condition) bool {
	if c.Kind != other.Kind {
		return false
	}
	switch c.Kind {
	case KindMeta:
		return c.Meta.equal(other.Meta)
	case KindLocation:
		return ptrEqual(c.Location, other.Location)
	case KindActivity:
		return c.Activity.equal(other.Activity)
	case KindTime:
		return c.Time.equal(other.Time)
	case KindHeadphone:
		return ptrEqual(c.Headphone, other.Headphone)
	default:
		return false
	}
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *Meta) equal(other *Meta) bool {
	if m == nil || other == nil {
		return m == other
	}
	if !conditionsEqual(m.And, other.And) || !conditionsEqual(m.Or, other.Or) {
		return false
	}
	if m.Not == nil || other.Not == nil {
		return m.Not == other.Not
	}
	return m.Not.Equal(*other.Not)
}

func conditionsEqual(a, b []Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (a *Activity) equal(other *Activity) bool {
	if a == nil || other == nil {
		return a == other
	}
	if a.Transition != other.Transition || len(a.Activities) != len(other.Activities) {
		return false
	}
	for i := range a.Activities {
		if a.Activities[i] != other.Activities[i] {
			return false
		}
	}
	return true
}

func (t *Time) equal(other *Time) bool {
	if t == nil || other == nil {
		return t == other
	}
	left, right := *t, *other
	left.Zone, right.Zone = nil, nil
	return left == right && ptrEqual(t.Zone, other.Zone)
}
