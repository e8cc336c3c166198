package domain

import (
	"math"
	"strconv"
)

// ValueKind tags the payload carried by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindNumeric
	KindString
	KindEnum
)

func (k ValueKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	default:
		return "invalid"
	}
}

// Value is the scalar payload of a channel update. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind `json:"kind" cbor:"kind"`
	Num   float64   `json:"num,omitempty" cbor:"num,omitempty"`
	Text  string    `json:"text,omitempty" cbor:"text,omitempty"`
	Index int       `json:"index,omitempty" cbor:"index,omitempty"`
}

func Numeric(v float64) Value { return Value{Kind: KindNumeric, Num: v} }

func String(s string) Value { return Value{Kind: KindString, Text: s} }

// Enum builds an enumerated value. label may be empty when the transport does
// not expose state strings.
func Enum(index int, label string) Value {
	return Value{Kind: KindEnum, Index: index, Text: label}
}

// Valid reports whether v carries a usable payload.
func (v Value) Valid() bool {
	switch v.Kind {
	case KindNumeric:
		return !math.IsNaN(v.Num)
	case KindString, KindEnum:
		return true
	default:
		return false
	}
}

// Equal compares payloads exactly. Values of different kinds never match, and
// numeric payloads use plain float equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumeric:
		return v.Num == o.Num
	case KindString:
		return v.Text == o.Text
	case KindEnum:
		return v.Index == o.Index
	default:
		return true
	}
}

// WithinTolerance is Equal with an absolute tolerance applied to numeric
// payloads. A zero tolerance is identical to Equal.
func (v Value) WithinTolerance(o Value, tol float64) bool {
	if tol <= 0 || v.Kind != KindNumeric || o.Kind != KindNumeric {
		return v.Equal(o)
	}
	return math.Abs(v.Num-o.Num) <= tol
}

// String renders the payload the way it is written to text sinks. Enums render
// as their index so the column stays numeric.
func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Text
	case KindEnum:
		return strconv.Itoa(v.Index)
	default:
		return ""
	}
}

// Native returns the payload as a plain Go scalar: float64, string, or the
// enum index as int64.
func (v Value) Native() any {
	switch v.Kind {
	case KindNumeric:
		return v.Num
	case KindString:
		return v.Text
	case KindEnum:
		return int64(v.Index)
	default:
		return nil
	}
}
