// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package predicate

import (
	"fmt"
	"time"
)

// WeekTime is an instant within a week: an ISO 8601 day of week (Monday = 1)
// plus a 24-hour clock time.
type WeekTime struct {
	DayOfWeek int
	Hour      int
	Minute    int
}

// WeekTimeFromWire decodes {"day":…, "hour":…, "minute":…}.
func WeekTimeFromWire(m map[string]interface{}) (WeekTime, error) {
	day, okD := wireInt(m["day"])
	hour, okH := wireInt(m["hour"])
	minute, okM := wireInt(m["minute"])
	if !okD || !okH || !okM {
		return WeekTime{}, fmt.Errorf("malformed week time %v", m)
	}
	return WeekTime{DayOfWeek: day, Hour: hour, Minute: minute}, nil
}

// Compare orders two week times lexicographically on (day, hour, minute).
func (w WeekTime) Compare(o WeekTime) int {
	if w.DayOfWeek != o.DayOfWeek {
		return w.DayOfWeek - o.DayOfWeek
	}
	if w.Hour != o.Hour {
		return w.Hour - o.Hour
	}
	return w.Minute - o.Minute
}

// isoWeekday renders t's weekday with Monday = 1 … Sunday = 7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// weekTimeOf projects a wall-clock instant onto its week time.
func weekTimeOf(t time.Time) WeekTime {
	return WeekTime{DayOfWeek: isoWeekday(t), Hour: t.Hour(), Minute: t.Minute()}
}

// DisabledTime is a silencing window within a week. Both endpoints are
// inclusive.
type DisabledTime struct {
	Start WeekTime
	Stop  WeekTime
}

// DisabledTimeFromWire decodes {"start": {…}, "stop": {…}}.
func DisabledTimeFromWire(m map[string]interface{}) (DisabledTime, error) {
	startM, ok := m["start"].(map[string]interface{})
	if !ok {
		return DisabledTime{}, fmt.Errorf("silencing window lacks start")
	}
	stopM, ok := m["stop"].(map[string]interface{})
	if !ok {
		return DisabledTime{}, fmt.Errorf("silencing window lacks stop")
	}
	start, err := WeekTimeFromWire(startM)
	if err != nil {
		return DisabledTime{}, err
	}
	stop, err := WeekTimeFromWire(stopM)
	if err != nil {
		return DisabledTime{}, err
	}
	return DisabledTime{Start: start, Stop: stop}, nil
}

// SilencingFromWire decodes a list of silencing windows.
func SilencingFromWire(raw []interface{}) ([]DisabledTime, error) {
	out := make([]DisabledTime, 0, len(raw))
	for _, elem := range raw {
		m, ok := elem.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("silencing window is a %T", elem)
		}
		dt, err := DisabledTimeFromWire(m)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}

// Contains reports whether the local time t falls inside the window.
func (d DisabledTime) Contains(t time.Time) bool {
	wt := weekTimeOf(t)
	return d.Start.Compare(wt) <= 0 && wt.Compare(d.Stop) <= 0
}

// SilencedAt reports whether t falls inside any of the windows.
func SilencedAt(windows []DisabledTime, t time.Time) bool {
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// SilencingEqual compares two window lists element-wise.
func SilencingEqual(a, b []DisabledTime) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func wireInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
