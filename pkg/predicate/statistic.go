// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package predicate

import (
	"fmt"
	"time"
)

// Definition is the server-side description of one predicate instance.
type Definition struct {
	PredicateID   string
	VerboseName   string
	StatisticName string
	Configuration map[string]interface{}
	Silencing     []DisabledTime
	Group         string
}

// DefinitionFromWire decodes one row of the predicates listing. The caller
// filters on the row's online flag before materializing an instance.
func DefinitionFromWire(m map[string]interface{}) (Definition, bool, error) {
	pid, ok := m["predicate_id"].(string)
	if !ok {
		return Definition{}, false, fmt.Errorf("predicate row lacks predicate_id")
	}
	online, _ := m["online"].(bool)
	def := Definition{PredicateID: pid, Group: "B"}
	if v, ok := m["verbose_name"].(string); ok {
		def.VerboseName = v
	}
	if v, ok := m["statistic"].(string); ok {
		def.StatisticName = v
	}
	if v, ok := m["configuration"].(map[string]interface{}); ok {
		def.Configuration = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		def.Group = v
	}
	if raw, ok := m["silencing"].([]interface{}); ok {
		silencing, err := SilencingFromWire(raw)
		if err != nil {
			return Definition{}, false, fmt.Errorf("predicate %s: %w", pid, err)
		}
		def.Silencing = silencing
	}
	return def, online, nil
}

// Statistic is a locally hosted alerting rule instance. The communicator
// loads the instance's persisted state before each callback and stores it
// back afterwards, so implementations keep their private data behind
// State/SetState (Base provides both).
type Statistic interface {
	// Tick runs one analysis pass, roughly every minute.
	Tick()
	// OnConfigurationChanged is fired when the server-side configuration
	// differs from the local one.
	OnConfigurationChanged(configuration map[string]interface{})
	// OnSilencingChanged is fired when the silencing windows change.
	OnSilencingChanged(silencing []DisabledTime)
	// OnGroupChanged is fired when the notification group changes.
	OnGroupChanged(group string)
	// OnVerboseNameChanged is fired when the human-readable name changes.
	OnVerboseNameChanged(verboseName string)
	// OnOffline is fired once when the predicate is disabled or deleted;
	// the instance is discarded afterwards.
	OnOffline()

	State() []byte
	SetState(state []byte)
}

// Host is the agent surface statistics need: raising and closing events and
// the device-local clock.
type Host interface {
	// AddEvent stores a freshly opened event.
	AddEvent(e *Event)
	// CloseEvent marks e closed and persists that.
	CloseEvent(e *Event)
	// LocalTime returns the current time in the device's own timezone.
	LocalTime() time.Time
}

// Base carries the bookkeeping shared by statistic implementations: the
// definition, the persisted state blob and the event helpers. Embed it and
// override the callbacks you care about.
type Base struct {
	Host Host
	Def  Definition

	state []byte
}

// NewBase builds the embedded base for a statistic instance.
func NewBase(host Host, def Definition) Base {
	return Base{Host: host, Def: def}
}

// State implements Statistic.
func (b *Base) State() []byte { return b.state }

// SetState implements Statistic.
func (b *Base) SetState(state []byte) { b.state = state }

// OnConfigurationChanged implements Statistic by recording the new value.
func (b *Base) OnConfigurationChanged(configuration map[string]interface{}) {
	b.Def.Configuration = configuration
}

// OnSilencingChanged implements Statistic by recording the new value.
func (b *Base) OnSilencingChanged(silencing []DisabledTime) {
	b.Def.Silencing = silencing
}

// OnGroupChanged implements Statistic by recording the new value.
func (b *Base) OnGroupChanged(group string) {
	b.Def.Group = group
}

// OnVerboseNameChanged implements Statistic by recording the new value.
func (b *Base) OnVerboseNameChanged(verboseName string) {
	b.Def.VerboseName = verboseName
}

// OnOffline implements Statistic as a no-op.
func (b *Base) OnOffline() {}

// Silenced reports whether the device-local time currently falls inside any
// of the predicate's silencing windows.
func (b *Base) Silenced() bool {
	return SilencedAt(b.Def.Silencing, b.Host.LocalTime())
}

// OpenEvent raises an event unless silencing is in effect, in which case it
// returns nil. The event message is the predicate's verbose name, extended
// with msg when non-empty.
func (b *Base) OpenEvent(msg string, color Color) *Event {
	if b.Silenced() {
		return nil
	}
	message := b.Def.VerboseName
	if msg != "" {
		message = fmt.Sprintf("%s: %s", message, msg)
	}
	evt := NewEvent(
		b.Host.LocalTime().Unix(),
		color,
		false,
		b.Def.StatisticName,
		b.Def.Group,
		message,
		map[string]string{"predicate_id": b.Def.PredicateID},
	)
	b.Host.AddEvent(evt)
	return evt
}

// CloseEvent closes an open event. Always allowed, silenced or not.
func (b *Base) CloseEvent(e *Event) {
	if e == nil || e.Closed() {
		return
	}
	b.Host.CloseEvent(e)
}

// PointEvent raises an instantaneous (born closed) event unless silenced.
func (b *Base) PointEvent(msg string, color Color) *Event {
	if b.Silenced() {
		return nil
	}
	message := b.Def.VerboseName
	if msg != "" {
		message = fmt.Sprintf("%s: %s", message, msg)
	}
	evt := NewEvent(
		b.Host.LocalTime().Unix(),
		color,
		true,
		b.Def.StatisticName,
		b.Def.Group,
		message,
		map[string]string{"predicate_id": b.Def.PredicateID},
	)
	b.Host.AddEvent(evt)
	return evt
}
