package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind tags the dynamic type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindInt
	KindFloat
	KindBool
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindNested:
		return "nested"
	default:
		return "null"
	}
}

// Value is one node input. Graph templates carry no schema, so inputs are
// a tagged union rather than struct fields. Values decoded from a template
// keep their original bytes and re-encode to exactly those bytes.
type Value struct {
	kind Kind
	text string
	num  json.Number
	b    bool
	raw  []byte
}

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: json.Number(strconv.FormatInt(n, 10))} }

// Uint returns an integer value for the full unsigned range engines accept for seeds.
func Uint(n uint64) Value { return Value{kind: KindInt, num: json.Number(strconv.FormatUint(n, 10))} }

// Float returns a floating point value. NaN and infinities have no JSON
// form and fail to encode.
func Float(f float64) Value {
	return Value{kind: KindFloat, num: json.Number(strconv.FormatFloat(f, 'f', -1, 64))}
}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Nested wraps an already-encoded JSON array or object, such as a node link.
func Nested(raw json.RawMessage) Value {
	return Value{kind: KindNested, raw: bytes.Clone(raw)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Text() (string, bool) {
	return v.text, v.kind == KindText
}

func (v Value) Int() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	n, err := v.num.Int64()
	return n, err == nil
}

func (v Value) Uint() (uint64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	n, err := strconv.ParseUint(v.num.String(), 10, 64)
	return n, err == nil
}

// Float reports integers as well as floats.
func (v Value) Float() (float64, bool) {
	if v.kind != KindInt && v.kind != KindFloat {
		return 0, false
	}
	f, err := v.num.Float64()
	return f, err == nil
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Raw returns the encoded form of the value.
func (v Value) Raw() json.RawMessage {
	b, _ := v.MarshalJSON()
	return b
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw != nil {
		return v.raw, nil
	}
	switch v.kind {
	case KindText:
		return json.Marshal(v.text)
	case KindInt, KindFloat:
		if !json.Valid([]byte(v.num)) {
			return nil, fmt.Errorf("workflow: %q is not a finite number", v.num.String())
		}
		return []byte(v.num.String()), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	default:
		return []byte("null"), nil
	}
}

func valueFromResult(r gjson.Result) Value {
	raw := []byte(r.Raw)
	switch r.Type {
	case gjson.String:
		return Value{kind: KindText, text: r.Str, raw: raw}
	case gjson.Number:
		if _, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return Value{kind: KindInt, num: json.Number(r.Raw), raw: raw}
		}
		if _, err := strconv.ParseUint(r.Raw, 10, 64); err == nil {
			return Value{kind: KindInt, num: json.Number(r.Raw), raw: raw}
		}
		return Value{kind: KindFloat, num: json.Number(r.Raw), raw: raw}
	case gjson.True, gjson.False:
		return Value{kind: KindBool, b: r.Bool(), raw: raw}
	case gjson.JSON:
		return Value{kind: KindNested, raw: raw}
	default:
		return Value{kind: KindNull, raw: []byte("null")}
	}
}
