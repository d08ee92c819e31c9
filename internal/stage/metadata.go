package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Kind enumerates the variants a metadata Value can hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a single metadata entry. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Metadata
	list []Value
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null returns the null value.
func Null() Value { return Value{} }

// Map wraps a nested metadata map.
func Map(m Metadata) Value { return Value{kind: KindMap, m: m} }

// List wraps an ordered sequence of values.
func List(values ...Value) Value { return Value{kind: KindList, list: values} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsMap() (Metadata, bool) { return v.m, v.kind == KindMap }

func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// Interface converts v into plain Go values (string, float64, bool, nil,
// map[string]any, []any) suitable for JSON payloads and logging.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToMap()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindMap:
		return v.m.Equal(other.m)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.m.Clone())
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.clone()
		}
		return List(out...)
	default:
		return v
	}
}

// ValueOf converts a plain Go value into a Value. Integers and floats become
// numbers; maps with string keys become nested metadata; slices become lists.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("stage: metadata number %q: %w", t.String(), err)
		}
		return Number(n), nil
	case Metadata:
		return Map(t), nil
	case map[string]any:
		m, err := MetadataFrom(t)
		if err != nil {
			return Value{}, err
		}
		return Map(m), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, raw := range t {
			item, err := ValueOf(raw)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	}
	return Value{}, fmt.Errorf("stage: unsupported metadata value of type %T", x)
}

// MarshalJSON encodes v as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON value into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Metadata is the open annotation bag carried by every stage record.
type Metadata map[string]Value

// MetadataFrom converts a plain map into Metadata.
func MetadataFrom(raw map[string]any) (Metadata, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Metadata, len(raw))
	for key, item := range raw {
		v, err := ValueOf(item)
		if err != nil {
			return nil, fmt.Errorf("stage: metadata key %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Merge returns a new map holding m's entries overridden by patch. Nested maps
// are replaced wholesale, never merged. When patch is empty m itself is
// returned so callers keep the same map identity.
func (m Metadata) Merge(patch Metadata) Metadata {
	if len(patch) == 0 {
		return m
	}
	out := make(Metadata, len(m)+len(patch))
	for key, v := range m {
		out[key] = v
	}
	for key, v := range patch {
		out[key] = v
	}
	return out
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for key, v := range m {
		out[key] = v.clone()
	}
	return out
}

// Equal reports structural equality. A nil map equals an empty one.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for key, v := range m {
		o, ok := other[key]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// Same reports whether m and other are the same map instance.
func (m Metadata) Same(other Metadata) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}
	return reflect.ValueOf(m).UnsafePointer() == reflect.ValueOf(other).UnsafePointer()
}

// ToMap converts m into plain Go values.
func (m Metadata) ToMap() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, v := range m {
		out[key] = v.Interface()
	}
	return out
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
