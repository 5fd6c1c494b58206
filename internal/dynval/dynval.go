// Package dynval holds a dynamic JSON value used for schema-free card
// bodies, modification payloads, and execution blobs. The backend decides
// the shape; the client carries it losslessly and inspects it with typed
// accessors instead of blind casts.
package dynval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tag identifies which variant a Value holds.
type Tag int

const (
	TagNull Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagArray
	TagObject
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagBool:
		return "bool"
	case TagInt:
		return "int"
	case TagFloat:
		return "float"
	case TagString:
		return "string"
	case TagArray:
		return "array"
	case TagObject:
		return "object"
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// ErrNotRepresentable is returned when encoding a value that was built
// programmatically with an unknown tag. Values produced by Decode never
// trigger it.
var ErrNotRepresentable = errors.New("dynval: value not representable as JSON")

// Value is a closed tagged union over the JSON value space: null, bool,
// integer, float, string, array, object. Exactly one variant is active,
// selected by tag.
type Value struct {
	tag Tag
	b   bool
	i   int64
	f   float64
	s   string
	arr []Value
	obj map[string]Value
}

// Null returns the null value. The zero Value is also null.
func Null() Value { return Value{tag: TagNull} }

func Bool(b bool) Value     { return Value{tag: TagBool, b: b} }
func Int(i int64) Value     { return Value{tag: TagInt, i: i} }
func Float(f float64) Value { return Value{tag: TagFloat, f: f} }
func String(s string) Value { return Value{tag: TagString, s: s} }

func Array(vs ...Value) Value {
	return Value{tag: TagArray, arr: append([]Value(nil), vs...)}
}

// Object builds an object value from a map. The map is copied.
func Object(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{tag: TagObject, obj: cp}
}

func (v Value) Tag() Tag { return v.tag }

func (v Value) IsNull() bool { return v.tag == TagNull }

// AsBool reports the bool variant.
func (v Value) AsBool() (bool, bool) {
	if v.tag != TagBool {
		return false, false
	}
	return v.b, true
}

// AsInt reports the integer variant. Floats are not coerced.
func (v Value) AsInt() (int64, bool) {
	if v.tag != TagInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat reports the numeric value of either number variant.
func (v Value) AsFloat() (float64, bool) {
	switch v.tag {
	case TagFloat:
		return v.f, true
	case TagInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	if v.tag != TagString {
		return "", false
	}
	return v.s, true
}

// AsArray returns the element slice. Callers must not mutate it.
func (v Value) AsArray() ([]Value, bool) {
	if v.tag != TagArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject returns the key/value map. Callers must not mutate it.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.tag != TagObject {
		return nil, false
	}
	return v.obj, true
}

// Get looks up a key on an object value. ok is false for non-objects and
// missing keys alike.
func (v Value) Get(key string) (Value, bool) {
	if v.tag != TagObject {
		return Value{}, false
	}
	got, ok := v.obj[key]
	return got, ok
}

// Has reports whether an object value carries the key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Equal is structural equality: same tag, and pairwise-equal elements in
// order for arrays, equal key sets with equal values for objects.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case TagNull:
		return true
	case TagBool:
		return v.b == o.b
	case TagInt:
		return v.i == o.i
	case TagFloat:
		return v.f == o.f
	case TagString:
		return v.s == o.s
	case TagArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case TagObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, vv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Decode parses raw JSON into a Value. Number literals without a fraction
// or exponent marker decode as integers, everything else as floats. A
// malformed element anywhere fails the whole decode.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("dynval: invalid JSON: %w", err)
	}
	// Reject trailing garbage after the first document.
	if dec.More() {
		return Value{}, errors.New("dynval: invalid JSON: trailing data")
	}
	return fromRaw(raw)
}

func fromRaw(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		return fromNumber(x)
	case string:
		return String(x), nil
	case []any:
		arr := make([]Value, 0, len(x))
		for _, el := range x {
			v, err := fromRaw(el)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Value{tag: TagArray, arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, el := range x {
			v, err := fromRaw(el)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{tag: TagObject, obj: obj}, nil
	}
	return Value{}, fmt.Errorf("dynval: unsupported JSON token %T", raw)
}

func fromNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, err := n.Int64()
		if err == nil {
			return Int(i), nil
		}
		// Out of int64 range; keep the magnitude as a float.
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("dynval: bad number %q: %w", s, err)
	}
	return Float(f), nil
}

// MarshalJSON encodes the value back to JSON. Object keys are emitted in
// sorted order so output is deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.tag {
	case TagNull:
		return []byte("null"), nil
	case TagBool:
		return json.Marshal(v.b)
	case TagInt:
		return json.Marshal(v.i)
	case TagFloat:
		return json.Marshal(v.f)
	case TagString:
		return json.Marshal(v.s)
	case TagArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := el.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case TagObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRepresentable, v.tag)
}

// UnmarshalJSON lets Value sit inside regular struct fields (card bodies,
// modification maps) and go through encoding/json transparently.
func (v *Value) UnmarshalJSON(data []byte) error {
	got, err := Decode(data)
	if err != nil {
		return err
	}
	*v = got
	return nil
}

// Encode is the forward direction of the round-trip law.
func Encode(v Value) ([]byte, error) {
	return v.MarshalJSON()
}
