// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import "fmt"

// Type is the one-letter value type a pathpoint name begins with.
type Type byte

const (
	// TypeBinary is 0 or 1.
	TypeBinary Type = 'B'
	// TypeUnsigned is an unsigned 16-bit integer.
	TypeUnsigned Type = 'W'
	// TypeSigned is a signed 16-bit integer.
	TypeSigned Type = 'w'
	// TypeFloat is an IEEE 754 float.
	TypeFloat Type = 'f'
	// TypeDouble is an IEEE 754 double.
	TypeDouble Type = 'd'
	// TypeUnicode is a Unicode string.
	TypeUnicode Type = 'u'
)

// Valid reports whether t is a known type letter.
func (t Type) Valid() bool {
	switch t {
	case TypeBinary, TypeUnsigned, TypeSigned, TypeFloat, TypeDouble, TypeUnicode:
		return true
	default:
		return false
	}
}

// TypeOf returns the value type of the named pathpoint. Reparse pathpoints
// carry their type letter after the leading 'r'.
func TypeOf(path string) (Type, error) {
	if path == "" {
		return 0, fmt.Errorf("empty pathpoint name")
	}
	c := path[0]
	if c == 'r' {
		if len(path) < 2 {
			return 0, fmt.Errorf("reparse pathpoint %q lacks a type letter", path)
		}
		c = path[1]
	}
	t := Type(c)
	if !t.Valid() {
		return 0, fmt.Errorf("pathpoint %q has unknown type letter %q", path, string(c))
	}
	return t, nil
}

// IsReparsePath reports whether the named pathpoint is derived.
func IsReparsePath(path string) bool {
	return len(path) > 0 && path[0] == 'r'
}

// StorageLevel defines how long samples of a pathpoint are kept.
type StorageLevel int

const (
	// Permanent holds all values indefinitely.
	Permanent StorageLevel = 0
	// Trend keeps values at most two weeks old.
	Trend StorageLevel = 1
)

// TrendRetentionDays is how long Trend samples are kept.
const TrendRetentionDays = 14

// Or returns the more permissive of the two levels.
func (s StorageLevel) Or(o StorageLevel) StorageLevel {
	return s | o
}

// String implements fmt.Stringer.
func (s StorageLevel) String() string {
	switch s {
	case Permanent:
		return "permanent"
	case Trend:
		return "trend"
	default:
		return fmt.Sprintf("storage_level(%d)", int(s))
	}
}
