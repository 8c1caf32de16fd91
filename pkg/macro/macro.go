// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package macro implements deferred bulk writes: a macro carries a set of
// pathpoint writes and a sorted list of fire times. The archiver pops due
// times, enqueues a forced write section per firing and reports each firing
// back to the cloud.
package macro

import (
	"fmt"
	"sort"

	"github.com/pylonhq/pylon-agent/pkg/order"
)

// Command is one write performed when the macro fires.
type Command struct {
	Path  string      `msgpack:"path"`
	Value interface{} `msgpack:"value"`
}

// Macro is one scheduled bulk write. Pending holds the not-yet-fired
// occurrence timestamps, in seconds, kept sorted ascending. Macros compare
// equal by ID.
type Macro struct {
	ID       string    `msgpack:"macro_id"`
	Commands []Command `msgpack:"commands"`
	Pending  []float64 `msgpack:"pending"`
}

// New builds a macro, sorting the pending occurrence list.
func New(id string, commands []Command, pending []float64) *Macro {
	sorted := make([]float64, len(pending))
	copy(sorted, pending)
	sort.Float64s(sorted)
	return &Macro{ID: id, Commands: commands, Pending: sorted}
}

// FromWire decodes one row of the macro occurrence listing. Occurrences
// already marked completed are dropped.
func FromWire(m map[string]interface{}) (*Macro, error) {
	id, ok := m["macro_id"].(string)
	if !ok {
		return nil, fmt.Errorf("macro row lacks macro_id")
	}
	rawCommands, ok := m["commands"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("macro %s lacks commands", id)
	}
	commands := make([]Command, 0, len(rawCommands))
	for _, rc := range rawCommands {
		cm, ok := rc.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("macro %s: malformed command", id)
		}
		path, ok := cm["path"].(string)
		if !ok {
			return nil, fmt.Errorf("macro %s: command lacks path", id)
		}
		commands = append(commands, Command{Path: path, Value: cm["value"]})
	}
	rawOccurrences, ok := m["occurrences"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("macro %s lacks occurrences", id)
	}
	var pending []float64
	for _, ro := range rawOccurrences {
		om, ok := ro.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("macro %s: malformed occurrence", id)
		}
		if completed, _ := om["completed"].(bool); completed {
			continue
		}
		ts, err := wireFloat(om["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("macro %s: %w", id, err)
		}
		pending = append(pending, ts)
	}
	return New(id, commands, pending), nil
}

// HasPending reports whether any occurrence is still due to fire.
func (m *Macro) HasPending() bool {
	return len(m.Pending) > 0
}

// Due reports whether the earliest pending occurrence lies in the past.
func (m *Macro) Due(now float64) bool {
	return len(m.Pending) > 0 && now > m.Pending[0]
}

// PopDue removes and returns the earliest pending occurrence if it is due.
func (m *Macro) PopDue(now float64) (float64, bool) {
	if !m.Due(now) {
		return 0, false
	}
	ts := m.Pending[0]
	m.Pending = m.Pending[1:]
	return ts, true
}

// FireSection builds the section executed per firing: one forced write per
// command.
func (m *Macro) FireSection() *order.Section {
	orders := make([]order.Order, 0, len(m.Commands))
	for _, c := range m.Commands {
		orders = append(orders, order.NewWrite(c.Path, c.Value, order.Force, 0))
	}
	return order.NewSection(order.Joinable, orders...)
}

func wireFloat(raw interface{}) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("occurrence timestamp of type %T", raw)
	}
}
