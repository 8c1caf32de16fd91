// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// ValueType converts between sensor values and the values of the sensor's
// constituent pathpoints.
type ValueType interface {
	// PathpointToSensor combines one value per constituent pathpoint into
	// the sensor-level value.
	PathpointToSensor(values ...pathpoint.Value) (interface{}, error)
	// SensorToPathpoint splits a sensor-level value into one value per
	// constituent pathpoint.
	SensorToPathpoint(value interface{}, pathpointNames ...string) ([]pathpoint.Value, error)
}

// NumericType scales and shifts a single numeric constituent:
// sensor = pathpoint*Multiplier + Offset, rounded to Precision decimals.
type NumericType struct {
	Precision  int
	Multiplier float64
	Offset     float64
}

// NewNumericType builds a numeric type. A zero multiplier means 1.
func NewNumericType(precision int, multiplier, offset float64) *NumericType {
	if multiplier == 0 {
		multiplier = 1
	}
	return &NumericType{Precision: precision, Multiplier: multiplier, Offset: offset}
}

// PathpointToSensor implements ValueType.
func (n *NumericType) PathpointToSensor(values ...pathpoint.Value) (interface{}, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("numeric sensor got no constituent values")
	}
	v := values[0].Float()*n.Multiplier + n.Offset
	return roundTo(v, n.Precision), nil
}

// SensorToPathpoint implements ValueType.
func (n *NumericType) SensorToPathpoint(value interface{}, pathpointNames ...string) ([]pathpoint.Value, error) {
	if len(pathpointNames) == 0 {
		return nil, fmt.Errorf("numeric sensor has no constituent pathpoints")
	}
	t, err := pathpoint.TypeOf(pathpointNames[0])
	if err != nil {
		return nil, err
	}
	raw, err := pathpoint.Coerce(value, pathpoint.TypeDouble)
	if err != nil {
		return nil, err
	}
	converted, err := pathpoint.Coerce((raw.Float()-n.Offset)/n.Multiplier, t)
	if err != nil {
		return nil, err
	}
	return []pathpoint.Value{converted}, nil
}

// UnicodeType passes text through unchanged.
type UnicodeType struct{}

// PathpointToSensor implements ValueType.
func (UnicodeType) PathpointToSensor(values ...pathpoint.Value) (interface{}, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("unicode sensor got no constituent values")
	}
	return values[0].Text(), nil
}

// SensorToPathpoint implements ValueType.
func (UnicodeType) SensorToPathpoint(value interface{}, pathpointNames ...string) ([]pathpoint.Value, error) {
	return []pathpoint.Value{pathpoint.StringValue(fmt.Sprint(value))}, nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

var (
	typeCacheMu sync.Mutex
	typeCache   = map[string]ValueType{}
)

// TypeFor resolves a sensor type name to its converter. Known names map to
// built-ins, names carrying an argument list are parsed, anything else falls
// back to the plain numeric type. Results are cached per name.
func TypeFor(typeName string) (ValueType, error) {
	typeCacheMu.Lock()
	defer typeCacheMu.Unlock()
	if t, ok := typeCache[typeName]; ok {
		return t, nil
	}
	t, err := buildType(typeName)
	if err != nil {
		return nil, err
	}
	typeCache[typeName] = t
	return t, nil
}

func buildType(typeName string) (ValueType, error) {
	switch typeName {
	case "std.Number10":
		return NewNumericType(2, 0.1, 0), nil
	case "std.Number100":
		return NewNumericType(2, 0.01, 0), nil
	case "std.Unicode":
		return UnicodeType{}, nil
	case "frisko.DayOfWeek":
		return NewNumericType(2, 1, -1), nil
	}
	if strings.Contains(typeName, "(") {
		return parseParameterized(typeName)
	}
	return NewNumericType(2, 1, 0), nil
}

// parseParameterized handles type names of the form
// "anything(precision=0, multiplier=0.5, offset=-2)". Positional arguments
// follow the same order.
func parseParameterized(typeName string) (ValueType, error) {
	open := strings.Index(typeName, "(")
	closing := strings.LastIndex(typeName, ")")
	if closing < open {
		return nil, fmt.Errorf("malformed sensor type %q", typeName)
	}
	precision, multiplier, offset := 2, 1.0, 0.0
	args := strings.TrimSpace(typeName[open+1 : closing])
	if args == "" {
		return NewNumericType(precision, multiplier, offset), nil
	}
	for i, arg := range strings.Split(args, ",") {
		arg = strings.TrimSpace(arg)
		key := ""
		if eq := strings.Index(arg, "="); eq >= 0 {
			key = strings.TrimSpace(arg[:eq])
			arg = strings.TrimSpace(arg[eq+1:])
		} else {
			switch i {
			case 0:
				key = "precision"
			case 1:
				key = "multiplier"
			case 2:
				key = "offset"
			default:
				return nil, fmt.Errorf("sensor type %q: too many arguments", typeName)
			}
		}
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("sensor type %q: bad argument %q", typeName, arg)
		}
		switch key {
		case "precision":
			precision = int(v)
		case "multiplier":
			multiplier = v
		case "offset":
			offset = v
		default:
			return nil, fmt.Errorf("sensor type %q: unknown argument %q", typeName, key)
		}
	}
	return NewNumericType(precision, multiplier, offset), nil
}
