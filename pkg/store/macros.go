// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/macro"
)

// MacroFiring is one macro occurrence carried out locally but not yet
// reported to the cloud.
type MacroFiring struct {
	MacroID   string  `msgpack:"macro_id"`
	Timestamp float64 `msgpack:"timestamp"`
}

// MacroDatabase stores the pending macros and the firings still owed to the
// cloud.
type MacroDatabase interface {
	// SetMacros replaces the pending macro list after a schedule refresh.
	SetMacros(macros []*macro.Macro)
	// GetMacros returns the pending macros.
	GetMacros() []*macro.Macro
	// NotifyExecuted records that a macro fired at ts, moving the occurrence
	// to the done-to-sync queue.
	NotifyExecuted(macroID string, ts float64)
	// GetDoneMacros returns the firings not yet reported to the cloud.
	GetDoneMacros() []MacroFiring
	// NotifySynced drops a reported firing from the done-to-sync queue.
	NotifySynced(macroID string, ts float64)
	// Checkpoint is the persistence hook.
	Checkpoint()
}

// MemoryMacroDatabase keeps macros and pending firings in process memory.
type MemoryMacroDatabase struct {
	mu     sync.Mutex
	macros []*macro.Macro
	done   []MacroFiring
}

// NewMemoryMacroDatabase builds an empty store.
func NewMemoryMacroDatabase() *MemoryMacroDatabase {
	return &MemoryMacroDatabase{}
}

// SetMacros implements MacroDatabase.
func (m *MemoryMacroDatabase) SetMacros(macros []*macro.Macro) {
	m.mu.Lock()
	m.macros = macros
	m.mu.Unlock()
}

// GetMacros implements MacroDatabase.
func (m *MemoryMacroDatabase) GetMacros() []*macro.Macro {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*macro.Macro, len(m.macros))
	copy(out, m.macros)
	return out
}

// NotifyExecuted implements MacroDatabase.
func (m *MemoryMacroDatabase) NotifyExecuted(macroID string, ts float64) {
	m.mu.Lock()
	m.done = append(m.done, MacroFiring{MacroID: macroID, Timestamp: ts})
	m.mu.Unlock()
}

// GetDoneMacros implements MacroDatabase.
func (m *MemoryMacroDatabase) GetDoneMacros() []MacroFiring {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MacroFiring, len(m.done))
	copy(out, m.done)
	return out
}

// NotifySynced implements MacroDatabase.
func (m *MemoryMacroDatabase) NotifySynced(macroID string, ts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.done {
		if f.MacroID == macroID && f.Timestamp == ts {
			m.done = append(m.done[:i], m.done[i+1:]...)
			return
		}
	}
}

// Checkpoint implements MacroDatabase as a no-op.
func (m *MemoryMacroDatabase) Checkpoint() {}
