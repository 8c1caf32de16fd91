// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pylonhq/pylon-agent/pkg/sensor"
)

// SensorDatabase holds the device's sensor catalog. The communicator
// replaces it wholesale on every catalog sync.
type SensorDatabase interface {
	// Get returns the sensor with the given canonical tag set.
	Get(fqts string) (*sensor.Sensor, error)
	// GetAll returns every catalogued sensor, ordered by FQTS.
	GetAll() []*sensor.Sensor
	// ReplaceAll installs a freshly synced catalog.
	ReplaceAll(sensors []*sensor.Sensor)
}

// MemorySensorDatabase keeps the sensor catalog in process memory.
type MemorySensorDatabase struct {
	mu      sync.Mutex
	sensors map[string]*sensor.Sensor
}

// NewMemorySensorDatabase builds an empty catalog.
func NewMemorySensorDatabase() *MemorySensorDatabase {
	return &MemorySensorDatabase{sensors: map[string]*sensor.Sensor{}}
}

// Get implements SensorDatabase.
func (m *MemorySensorDatabase) Get(fqts string) (*sensor.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[fqts]
	if !ok {
		return nil, fmt.Errorf("no sensor %q in the catalog", fqts)
	}
	return s, nil
}

// GetAll implements SensorDatabase.
func (m *MemorySensorDatabase) GetAll() []*sensor.Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sensor.Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQTS < out[j].FQTS })
	return out
}

// ReplaceAll implements SensorDatabase.
func (m *MemorySensorDatabase) ReplaceAll(sensors []*sensor.Sensor) {
	next := make(map[string]*sensor.Sensor, len(sensors))
	for _, s := range sensors {
		next[s.FQTS] = s
	}
	m.mu.Lock()
	m.sensors = next
	m.mu.Unlock()
}
