// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package predicate hosts the locally evaluated alerting rules: statistics,
// their registry, silencing windows and the events they raise.
package predicate

import (
	"strings"

	"github.com/google/uuid"
)

// Color is the severity of an event.
type Color int

const (
	// White is the least severe.
	White Color = iota
	// Yellow is of medium severity.
	Yellow
	// Red is the most severe.
	Red
)

// String implements fmt.Stringer.
func (c Color) String() string {
	switch c {
	case White:
		return "WHITE"
	case Yellow:
		return "YELLOW"
	case Red:
		return "RED"
	default:
		return "COLOR(?)"
	}
}

// Event is one alert raised on this device. Identity is the server-assigned
// UUID once known, the locally generated provisional UUID before that.
type Event struct {
	UUID            string
	ProvisionalUUID string
	// StartedOn and EndedOn are epoch seconds; EndedOn zero means still open.
	StartedOn int64
	EndedOn   int64
	Color     Color
	// IsPoint marks instantaneous events, which are born closed.
	IsPoint   bool
	Token     string
	Group     string
	Message   string
	HandledBy string
	Metadata  map[string]string
}

// NewEvent builds an event that has not been seen by the server yet.
func NewEvent(startedOn int64, color Color, isPoint bool, token, group, message string, metadata map[string]string) *Event {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Event{
		ProvisionalUUID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		StartedOn:       startedOn,
		Color:           color,
		IsPoint:         isPoint,
		Token:           token,
		Group:           group,
		Message:         message,
		Metadata:        metadata,
	}
}

// ID returns the event's effective identity.
func (e *Event) ID() string {
	if e.UUID != "" {
		return e.UUID
	}
	return e.ProvisionalUUID
}

// Matches reports whether id names this event by either identity.
func (e *Event) Matches(id string) bool {
	return id == e.UUID || id == e.ProvisionalUUID
}

// Closed reports whether the event is over: point events are born closed.
func (e *Event) Closed() bool {
	return e.IsPoint || e.EndedOn != 0
}

// AsWire renders the event in the alarm-upload shape.
func (e *Event) AsWire() map[string]interface{} {
	alarmType := 0
	if e.IsPoint {
		alarmType = 1
	}
	dct := map[string]interface{}{
		"started_on": e.StartedOn,
		"color":      int(e.Color),
		"alarm_type": alarmType,
		"token":      e.Token,
		"group":      e.Group,
		"message":    e.Message,
		"metadata":   e.Metadata,
	}
	if e.UUID != "" {
		dct["uuid"] = e.UUID
	}
	if e.HandledBy != "" {
		dct["handled_by"] = e.HandledBy
	}
	if e.EndedOn != 0 {
		dct["ended_on"] = e.EndedOn
	}
	return dct
}
