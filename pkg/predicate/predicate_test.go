// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package predicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	now    time.Time
	added  []*Event
	closed []*Event
}

func (h *fakeHost) AddEvent(e *Event) { h.added = append(h.added, e) }
func (h *fakeHost) CloseEvent(e *Event) {
	e.EndedOn = h.now.Unix()
	h.closed = append(h.closed, e)
}
func (h *fakeHost) LocalTime() time.Time { return h.now }

func TestNewEventProvisionalUUID(t *testing.T) {
	e := NewEvent(100, Red, false, "temperature", "B", "too hot", nil)
	assert.Len(t, e.ProvisionalUUID, 32)
	assert.NotContains(t, e.ProvisionalUUID, "-")
	assert.Equal(t, e.ProvisionalUUID, e.ID())
	assert.NotNil(t, e.Metadata)

	e.UUID = "srv-123"
	assert.Equal(t, "srv-123", e.ID())
}

func TestEventClosed(t *testing.T) {
	point := NewEvent(100, Yellow, true, "s", "B", "m", nil)
	assert.True(t, point.Closed(), "point events are born closed")

	alarm := NewEvent(100, Red, false, "s", "B", "m", nil)
	assert.False(t, alarm.Closed())
	alarm.EndedOn = 200
	assert.True(t, alarm.Closed())
}

func TestEventAsWire(t *testing.T) {
	e := NewEvent(100, Red, false, "temp", "A", "too hot", map[string]string{"predicate_id": "p1"})
	w := e.AsWire()
	assert.Equal(t, int64(100), w["started_on"])
	assert.Equal(t, 2, w["color"])
	assert.Equal(t, 0, w["alarm_type"])
	assert.Equal(t, "temp", w["token"])
	assert.Equal(t, "A", w["group"])
	assert.Equal(t, "too hot", w["message"])
	assert.NotContains(t, w, "uuid")
	assert.NotContains(t, w, "ended_on")
	assert.NotContains(t, w, "handled_by")

	e.UUID = "u1"
	e.EndedOn = 250
	e.HandledBy = "ops"
	w = e.AsWire()
	assert.Equal(t, "u1", w["uuid"])
	assert.Equal(t, int64(250), w["ended_on"])
	assert.Equal(t, "ops", w["handled_by"])

	point := NewEvent(100, White, true, "t", "B", "m", nil)
	assert.Equal(t, 1, point.AsWire()["alarm_type"])
}

func TestWeekTimeCompare(t *testing.T) {
	a := WeekTime{DayOfWeek: 1, Hour: 9, Minute: 0}
	b := WeekTime{DayOfWeek: 1, Hour: 17, Minute: 0}
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))

	c := WeekTime{DayOfWeek: 3, Hour: 0, Minute: 0}
	assert.Negative(t, b.Compare(c))
}

func TestSilencedAt(t *testing.T) {
	// Monday 09:00 through Monday 17:00.
	windows := []DisabledTime{{
		Start: WeekTime{DayOfWeek: 1, Hour: 9, Minute: 0},
		Stop:  WeekTime{DayOfWeek: 1, Hour: 17, Minute: 0},
	}}

	monday := func(hour, minute int) time.Time {
		return time.Date(2023, 1, 2, hour, minute, 0, 0, time.UTC)
	}
	assert.True(t, SilencedAt(windows, monday(10, 0)))
	assert.True(t, SilencedAt(windows, monday(9, 0)), "start boundary is inclusive")
	assert.True(t, SilencedAt(windows, monday(17, 0)), "stop boundary is inclusive")
	assert.False(t, SilencedAt(windows, monday(17, 1)))
	assert.False(t, SilencedAt(windows, monday(8, 59)))

	tuesday := time.Date(2023, 1, 3, 10, 0, 0, 0, time.UTC)
	assert.False(t, SilencedAt(windows, tuesday))

	sunday := time.Date(2023, 1, 8, 10, 0, 0, 0, time.UTC)
	assert.False(t, SilencedAt(windows, sunday))
}

func TestOpenEventSilenced(t *testing.T) {
	def := Definition{
		PredicateID:   "p1",
		VerboseName:   "boiler temperature",
		StatisticName: "temperature",
		Group:         "B",
		Silencing: []DisabledTime{{
			Start: WeekTime{DayOfWeek: 1, Hour: 9, Minute: 0},
			Stop:  WeekTime{DayOfWeek: 1, Hour: 17, Minute: 0},
		}},
	}
	host := &fakeHost{now: time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC)}
	base := NewBase(host, def)

	assert.Nil(t, base.OpenEvent("temp high", Red))
	assert.Empty(t, host.added)

	host.now = time.Date(2023, 1, 2, 17, 1, 0, 0, time.UTC)
	evt := base.OpenEvent("temp high", Red)
	require.NotNil(t, evt)
	require.Len(t, host.added, 1)
	assert.Equal(t, "boiler temperature: temp high", evt.Message)
	assert.Equal(t, "temperature", evt.Token)
	assert.Equal(t, "B", evt.Group)
	assert.Equal(t, "p1", evt.Metadata["predicate_id"])
	assert.Equal(t, host.now.Unix(), evt.StartedOn)
	assert.False(t, evt.IsPoint)
}

func TestOpenEventMessageDefaultsToVerboseName(t *testing.T) {
	host := &fakeHost{now: time.Unix(1000, 0)}
	base := NewBase(host, Definition{PredicateID: "p", VerboseName: "pump pressure", StatisticName: "pressure", Group: "B"})

	evt := base.OpenEvent("", Yellow)
	require.NotNil(t, evt)
	assert.Equal(t, "pump pressure", evt.Message)
}

func TestCloseEventAllowedWhileSilenced(t *testing.T) {
	def := Definition{
		PredicateID:   "p1",
		StatisticName: "temperature",
		Group:         "B",
		Silencing: []DisabledTime{{
			Start: WeekTime{DayOfWeek: 1, Hour: 0, Minute: 0},
			Stop:  WeekTime{DayOfWeek: 7, Hour: 23, Minute: 59},
		}},
	}
	host := &fakeHost{now: time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC)}
	base := NewBase(host, def)

	evt := NewEvent(500, Red, false, "temperature", "B", "m", nil)
	base.CloseEvent(evt)
	require.Len(t, host.closed, 1)
	assert.True(t, evt.Closed())

	// Closing twice is a no-op.
	base.CloseEvent(evt)
	assert.Len(t, host.closed, 1)
}

func TestDefinitionFromWire(t *testing.T) {
	row := map[string]interface{}{
		"predicate_id": "p9",
		"online":       true,
		"statistic":    "threshold",
		"verbose_name": "water level",
		"group":        "A",
		"configuration": map[string]interface{}{
			"threshold": 10.0,
		},
		"silencing": []interface{}{
			map[string]interface{}{
				"start": map[string]interface{}{"day": 1, "hour": 9, "minute": 0},
				"stop":  map[string]interface{}{"day": 1, "hour": 17, "minute": 0},
			},
		},
	}
	def, online, err := DefinitionFromWire(row)
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "p9", def.PredicateID)
	assert.Equal(t, "threshold", def.StatisticName)
	assert.Equal(t, "water level", def.VerboseName)
	assert.Equal(t, "A", def.Group)
	assert.Equal(t, 10.0, def.Configuration["threshold"])
	require.Len(t, def.Silencing, 1)
	assert.Equal(t, 9, def.Silencing[0].Start.Hour)
}

func TestDefinitionFromWireDefaults(t *testing.T) {
	def, online, err := DefinitionFromWire(map[string]interface{}{"predicate_id": "p1"})
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, "B", def.Group, "group defaults to B")
	assert.Empty(t, def.Silencing)

	_, _, err = DefinitionFromWire(map[string]interface{}{"online": true})
	assert.Error(t, err, "predicate_id is mandatory")
}

func TestRegistryMatch(t *testing.T) {
	reg := NewRegistry()
	host := &fakeHost{now: time.Unix(0, 0)}

	built := 0
	reg.Register(
		func(name string, _ map[string]interface{}) bool { return name == "threshold" },
		func(h Host, def Definition) Statistic {
			built++
			u := NewUndefined(h, def)
			return u
		},
	)

	assert.Nil(t, reg.TryMatch(host, Definition{StatisticName: "other"}))
	assert.Zero(t, built)

	st := reg.TryMatch(host, Definition{PredicateID: "p1", StatisticName: "threshold"})
	require.NotNil(t, st)
	assert.Equal(t, 1, built)
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry()
	host := &fakeHost{}

	r := reg.Register(
		func(string, map[string]interface{}) bool { return true },
		func(h Host, def Definition) Statistic { return NewUndefined(h, def) },
	)
	require.NotNil(t, reg.TryMatch(host, Definition{StatisticName: "x"}))

	r.Cancel()
	assert.Nil(t, reg.TryMatch(host, Definition{StatisticName: "x"}))
}

func TestRegistryFirstMatchWins(t *testing.T) {
	reg := NewRegistry()
	host := &fakeHost{}

	var winner string
	mk := func(tag string) Factory {
		return func(h Host, def Definition) Statistic {
			winner = tag
			return NewUndefined(h, def)
		}
	}
	reg.Register(func(string, map[string]interface{}) bool { return true }, mk("first"))
	reg.Register(func(string, map[string]interface{}) bool { return true }, mk("second"))

	reg.TryMatch(host, Definition{StatisticName: "x"})
	assert.Equal(t, "first", winner)
}

func TestUndefinedPlaceholder(t *testing.T) {
	host := &fakeHost{now: time.Unix(0, 0)}
	def := Definition{PredicateID: "p1", StatisticName: "mystery", Group: "B"}
	u := NewUndefined(host, def)

	u.Tick()
	assert.Empty(t, host.added, "placeholder ticks do nothing")
	assert.Equal(t, def, u.Definition())

	u.SetState([]byte("persisted"))
	assert.Equal(t, []byte("persisted"), u.State())
}
