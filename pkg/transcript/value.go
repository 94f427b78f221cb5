package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a schemaless JSON value tree used for tool arguments, tool
// results, and other dynamically-typed payload fields. It round-trips
// through JSON exactly: decoding and re-encoding a Value never loses or
// reorders information (object key order aside, which JSON does not
// guarantee), per the "Dynamic typing in JSON payloads" design note.
type Value struct {
	kind ValueKind
	b    bool
	n    json.Number
	s    string
	arr  []Value
	obj  []ValueField
}

// ValueField is a single key/value pair of an object-kind Value. A slice
// (rather than a map) preserves the source key order on re-encode.
type ValueField struct {
	Key   string
	Value Value
}

// ValueKind discriminates the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func NullValue() Value        { return Value{kind: KindNull} }
func BoolValue(b bool) Value  { return Value{kind: KindBool, b: b} }
func StringValue(s string) Value {
	return Value{kind: KindString, s: s}
}
func NumberValue(n json.Number) Value { return Value{kind: KindNumber, n: n} }
func ArrayValue(items []Value) Value  { return Value{kind: KindArray, arr: items} }
func ObjectValue(fields []ValueField) Value {
	return Value{kind: KindObject, obj: fields}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}
func (v Value) Number() (json.Number, bool) {
	return v.n, v.kind == KindNumber
}
func (v Value) String() (string, bool) {
	return v.s, v.kind == KindString
}
func (v Value) Array() ([]Value, bool) {
	return v.arr, v.kind == KindArray
}
func (v Value) Object() ([]ValueField, bool) {
	return v.obj, v.kind == KindObject
}

// Field looks up a key in an object-kind Value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.obj {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindNumber:
		if v.n == "" {
			return []byte("0"), nil
		}
		return []byte(v.n.String()), nil
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, f := range v.obj {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(f.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := f.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("transcript: unknown value kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case json.Number:
		return NumberValue(t)
	case string:
		return StringValue(t)
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = fromAny(it)
		}
		return ArrayValue(items)
	case map[string]any:
		// encoding/json decodes objects into a map, which loses key order.
		// This path is only reached when decoding into `any` directly rather
		// than through the streaming decoder below; ValueFromMap keeps the
		// ordering callers already have.
		fields := make([]ValueField, 0, len(t))
		for k, val := range t {
			fields = append(fields, ValueField{Key: k, Value: fromAny(val)})
		}
		return ObjectValue(fields)
	default:
		return NullValue()
	}
}

// ValueFromGo converts a plain Go value (string, bool, float64/int, nil,
// []any, map[string]any) into a Value tree. Used by collaborators that hand
// the core a parsed JSON document rather than raw bytes.
func ValueFromGo(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case string:
		return StringValue(t)
	case json.Number:
		return NumberValue(t)
	case int:
		return NumberValue(json.Number(fmt.Sprintf("%d", t)))
	case int64:
		return NumberValue(json.Number(fmt.Sprintf("%d", t)))
	case float64:
		return NumberValue(json.Number(fmt.Sprintf("%g", t)))
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = ValueFromGo(it)
		}
		return ArrayValue(items)
	case map[string]any:
		fields := make([]ValueField, 0, len(t))
		for k, val := range t {
			fields = append(fields, ValueField{Key: k, Value: ValueFromGo(val)})
		}
		return ObjectValue(fields)
	default:
		return NullValue()
	}
}
