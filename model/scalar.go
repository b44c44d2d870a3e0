package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ScalarKind identifies which variant a Scalar holds.
type ScalarKind uint8

const (
	KindInvalid ScalarKind = iota
	KindBool
	KindNumber
	KindString
)

func (k ScalarKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Scalar is an answer or condition value: a bool, a number or a string.
// The zero value is invalid and never equal to anything.
type Scalar struct {
	kind ScalarKind
	b    bool
	n    float64
	s    string
}

// Bool returns a boolean Scalar.
func Bool(v bool) Scalar { return Scalar{kind: KindBool, b: v} }

// Number returns a numeric Scalar.
func Number(v float64) Scalar { return Scalar{kind: KindNumber, n: v} }

// String returns a string Scalar.
func String(v string) Scalar { return Scalar{kind: KindString, s: v} }

// ScalarFromAny converts a decoded JSON/YAML value into a Scalar. It reports
// false for nil, maps, slices and any other non-scalar value.
func ScalarFromAny(v any) (Scalar, bool) {
	switch x := v.(type) {
	case bool:
		return Bool(x), true
	case string:
		return String(x), true
	case float64:
		return Number(x), true
	case float32:
		return Number(float64(x)), true
	case int:
		return Number(float64(x)), true
	case int32:
		return Number(float64(x)), true
	case int64:
		return Number(float64(x)), true
	case uint32:
		return Number(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Scalar{}, false
		}
		return Number(f), true
	case Scalar:
		return x, x.Valid()
	default:
		return Scalar{}, false
	}
}

// Kind returns the variant held by s.
func (s Scalar) Kind() ScalarKind { return s.kind }

// Valid reports whether s holds a value.
func (s Scalar) Valid() bool { return s.kind != KindInvalid }

// AsBool returns the boolean value and whether s is a bool.
func (s Scalar) AsBool() (bool, bool) { return s.b, s.kind == KindBool }

// AsNumber returns the numeric value and whether s is a number.
func (s Scalar) AsNumber() (float64, bool) { return s.n, s.kind == KindNumber }

// AsString returns the string value and whether s is a string.
func (s Scalar) AsString() (string, bool) { return s.s, s.kind == KindString }

// Equal reports strict equality: both kinds and values must match.
func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case KindBool:
		return s.b == o.b
	case KindNumber:
		return s.n == o.n
	case KindString:
		return s.s == o.s
	default:
		return false
	}
}

// Any returns the underlying Go value (bool, float64 or string), or nil.
func (s Scalar) Any() any {
	switch s.kind {
	case KindBool:
		return s.b
	case KindNumber:
		return s.n
	case KindString:
		return s.s
	default:
		return nil
	}
}

func (s Scalar) String() string {
	switch s.kind {
	case KindBool:
		return strconv.FormatBool(s.b)
	case KindNumber:
		return strconv.FormatFloat(s.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(s.s)
	default:
		return "<invalid>"
	}
}

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Any())
}

// UnmarshalJSON implements json.Unmarshaler. Only JSON booleans, numbers and
// strings are accepted.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	sc, ok := ScalarFromAny(v)
	if !ok {
		return fmt.Errorf("scalar: unsupported JSON value %s", string(data))
	}
	*s = sc
	return nil
}
