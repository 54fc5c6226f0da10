// Package document defines the tagged-variant value type stored in memory
// rows and session data columns. Values are encoded to canonical JSON text
// (Go's json package emits map keys in sorted order), so byte-equal
// encodings imply equal documents and checksums are stable.
package document

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a structured document: null, bool, number, string, list, or map.
// The zero value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a bool.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Number wraps a float64.
func Number(v float64) Value { return Value{kind: KindNumber, n: v} }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, s: v} }

// List wraps a slice of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map wraps a string-keyed map of values.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool payload (false if not a bool).
func (v Value) AsBool() bool { return v.b }

// AsNumber returns the numeric payload (0 if not a number).
func (v Value) AsNumber() float64 { return v.n }

// AsString returns the string payload ("" if not a string).
func (v Value) AsString() string { return v.s }

// AsList returns the list payload (nil if not a list).
func (v Value) AsList() []Value { return v.list }

// AsMap returns the map payload (nil if not a map).
func (v Value) AsMap() map[string]Value { return v.m }

// Field returns m[key] for map values; null otherwise.
func (v Value) Field(key string) Value {
	if v.kind != KindMap {
		return Null()
	}
	return v.m[key]
}

// FromAny converts a decoded-JSON style interface{} tree into a Value.
// Supported inputs: nil, bool, float64, int, int64, string, []interface{},
// map[string]interface{}.
func FromAny(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			list = append(list, v)
		}
		return List(list...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Null(), fmt.Errorf("unsupported document type %T", x)
	}
}

// ToAny converts a Value back to an interface{} tree.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

// Encode produces the canonical JSON text for the value.
func (v Value) Encode() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// Decode parses canonical JSON text back into a Value.
func Decode(data []byte) (Value, error) {
	var x interface{}
	if err := json.Unmarshal(data, &x); err != nil {
		return Null(), fmt.Errorf("failed to decode document: %w", err)
	}
	return FromAny(x)
}

// MarshalJSON implements json.Marshaler so values embed naturally in
// operation payloads.
func (v Value) MarshalJSON() ([]byte, error) { return v.Encode() }

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dv, err := Decode(data)
	if err != nil {
		return err
	}
	*v = dv
	return nil
}
