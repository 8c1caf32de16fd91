// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrorKind is the reason an I/O operation against a pathpoint failed.
type ErrorKind int

const (
	// Malformed means the device responded with a malformed protocol frame.
	Malformed ErrorKind = iota
	// Timeout means the device did not respond within the allotted time.
	Timeout
	// Invalid means the device responded but declared the pathpoint bogus.
	Invalid
	// TypeMismatch means the value could not be coerced to the pathpoint type.
	TypeMismatch
	// NotRead means no reading has been taken yet. It is invalid for a read
	// handler to return it.
	NotRead
)

var errorKindNames = map[ErrorKind]string{
	Malformed:    "malformed",
	Timeout:      "timeout",
	Invalid:      "invalid",
	TypeMismatch: "type",
	NotRead:      "not_read",
}

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// ErrorKindFromWire maps a wire name back to an ErrorKind.
func ErrorKindFromWire(s string) (ErrorKind, bool) {
	for k, name := range errorKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// OperationFailed is surfaced by read/write handlers when an I/O operation
// fails, and stored as the failing pathpoint's latest sample.
type OperationFailed struct {
	Kind      ErrorKind
	Timestamp int64
}

// Error implements error.
func (o *OperationFailed) Error() string {
	return fmt.Sprintf("operation failed: %s at %d", o.Kind, o.Timestamp)
}

// NewOperationFailed builds a fault of the given kind stamped at ts millis.
func NewOperationFailed(kind ErrorKind, ts int64) *OperationFailed {
	return &OperationFailed{Kind: kind, Timestamp: ts}
}

// NewNotRead builds the fault raised when a pathpoint has no reading yet.
func NewNotRead(ts int64) *OperationFailed {
	return &OperationFailed{Kind: NotRead, Timestamp: ts}
}

// IsNotRead reports whether err is an OperationFailed of kind NotRead.
func IsNotRead(err error) bool {
	of, ok := err.(*OperationFailed)
	return ok && of.Kind == NotRead
}

// Value is the tagged variant a pathpoint carries: bool, unsigned or signed
// 16-bit integer, float32, float64 or a Unicode string, per the pathpoint's
// type letter.
type Value struct {
	kind Type
	num  float64
	b    bool
	str  string
}

// BoolValue builds a B value.
func BoolValue(v bool) Value { return Value{kind: TypeBinary, b: v} }

// UnsignedValue builds a W value, clipped to [0, 65535].
func UnsignedValue(v int64) Value {
	return Value{kind: TypeUnsigned, num: float64(clipInt(v, 0, 65535))}
}

// SignedValue builds a w value, clipped to [-32768, 32767].
func SignedValue(v int64) Value {
	return Value{kind: TypeSigned, num: float64(clipInt(v, -32768, 32767))}
}

// Float32Value builds an f value.
func Float32Value(v float32) Value { return Value{kind: TypeFloat, num: float64(v)} }

// Float64Value builds a d value.
func Float64Value(v float64) Value { return Value{kind: TypeDouble, num: v} }

// StringValue builds a u value.
func StringValue(v string) Value { return Value{kind: TypeUnicode, str: v} }

// Kind returns the type letter of the value.
func (v Value) Kind() Type { return v.kind }

// IsNumeric reports whether the value carries a number.
func (v Value) IsNumeric() bool {
	switch v.kind {
	case TypeUnsigned, TypeSigned, TypeFloat, TypeDouble:
		return true
	case TypeBinary:
		return true
	default:
		return false
	}
}

// Float returns the numeric payload. Binary values map to 0/1.
func (v Value) Float() float64 {
	if v.kind == TypeBinary {
		if v.b {
			return 1
		}
		return 0
	}
	return v.num
}

// Int returns the integral payload, truncating floats.
func (v Value) Int() int64 { return int64(v.Float()) }

// Bool returns the binary payload; numerics are true when non-zero.
func (v Value) Bool() bool {
	if v.kind == TypeBinary {
		return v.b
	}
	return v.num != 0
}

// Text returns the string payload for u values, a rendering otherwise.
func (v Value) Text() string {
	if v.kind == TypeUnicode {
		return v.str
	}
	return v.String()
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case TypeBinary:
		return strconv.FormatBool(v.b)
	case TypeUnsigned, TypeSigned:
		return strconv.FormatInt(int64(v.num), 10)
	case TypeFloat, TypeDouble:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	default:
		return v.str
	}
}

// Equal reports payload equality regardless of how the value was produced.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case TypeBinary:
		return v.b == o.b
	case TypeUnicode:
		return v.str == o.str
	default:
		return v.num == o.num
	}
}

// AsJSON returns the native JSON rendering of the value.
func (v Value) AsJSON() interface{} {
	switch v.kind {
	case TypeBinary:
		return v.b
	case TypeUnsigned, TypeSigned:
		return int64(v.num)
	case TypeFloat, TypeDouble:
		return v.num
	default:
		return v.str
	}
}

// Coerce converts an untyped value (a JSON scalar or a native Go scalar) to
// the target pathpoint type. Failures are reported so the caller can record
// a TypeMismatch fault.
func Coerce(raw interface{}, t Type) (Value, error) {
	switch t {
	case TypeBinary:
		n, err := rawToFloat(raw)
		if err != nil {
			if b, ok := raw.(bool); ok {
				return BoolValue(b), nil
			}
			return Value{}, err
		}
		return BoolValue(n != 0), nil
	case TypeUnsigned:
		n, err := rawToFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return UnsignedValue(int64(n)), nil
	case TypeSigned:
		n, err := rawToFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return SignedValue(int64(n)), nil
	case TypeFloat:
		n, err := rawToFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return Float32Value(float32(n)), nil
	case TypeDouble:
		n, err := rawToFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return Float64Value(n), nil
	case TypeUnicode:
		switch s := raw.(type) {
		case string:
			return StringValue(s), nil
		case fmt.Stringer:
			return StringValue(s.String()), nil
		default:
			return StringValue(fmt.Sprint(raw)), nil
		}
	default:
		return Value{}, fmt.Errorf("unknown pathpoint type %q", string(t))
	}
}

func rawToFloat(raw interface{}) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot interpret %q as a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot interpret %T as a number", raw)
	}
}

func clipInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ValueFromWire rebuilds a Value from its JSON rendering using the pathpoint
// name to recover the target type.
func ValueFromWire(raw interface{}, path string) (Value, error) {
	t, err := TypeOf(path)
	if err != nil {
		return Value{}, err
	}
	return Coerce(raw, t)
}

// Millis renders a wall-clock instant as epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// TimestampedValue is one sample: a value or a fault at an instant.
// Fault being non-nil marks the sample as a failure record.
type TimestampedValue struct {
	Timestamp int64
	Value     Value
	Fault     *OperationFailed
}

// AsWire renders the sample in its wire form: [ts, value] for readings,
// [false, ts, kind] for faults.
func (tv TimestampedValue) AsWire() []interface{} {
	if tv.Fault != nil {
		return []interface{}{false, tv.Timestamp, tv.Fault.Kind.String()}
	}
	return []interface{}{tv.Timestamp, tv.Value.AsJSON()}
}

// SampleFromWire parses the wire form of one sample belonging to path.
func SampleFromWire(raw []interface{}, path string) (TimestampedValue, error) {
	if len(raw) == 3 {
		flag, ok := raw[0].(bool)
		if !ok || flag {
			return TimestampedValue{}, fmt.Errorf("malformed fault sample for %s", path)
		}
		ts, err := rawToFloat(raw[1])
		if err != nil {
			return TimestampedValue{}, err
		}
		kindName, ok := raw[2].(string)
		if !ok {
			return TimestampedValue{}, fmt.Errorf("malformed fault kind for %s", path)
		}
		kind, ok := ErrorKindFromWire(kindName)
		if !ok {
			return TimestampedValue{}, fmt.Errorf("unknown fault kind %q for %s", kindName, path)
		}
		its := int64(ts)
		return TimestampedValue{Timestamp: its, Fault: NewOperationFailed(kind, its)}, nil
	}
	if len(raw) != 2 {
		return TimestampedValue{}, fmt.Errorf("malformed sample for %s: %d elements", path, len(raw))
	}
	ts, err := rawToFloat(raw[0])
	if err != nil {
		return TimestampedValue{}, err
	}
	if math.IsNaN(ts) {
		return TimestampedValue{}, fmt.Errorf("malformed timestamp for %s", path)
	}
	v, err := ValueFromWire(raw[1], path)
	if err != nil {
		return TimestampedValue{}, err
	}
	return TimestampedValue{Timestamp: int64(ts), Value: v}, nil
}
