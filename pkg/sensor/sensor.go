// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package sensor implements named, typed views over one or more pathpoints.
// A sensor reads by combining the freshest constituent values through its
// value type and writes by fanning a converted value out to its constituents.
package sensor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pylonhq/pylon-agent/pkg/order"
	"github.com/pylonhq/pylon-agent/pkg/pathpoint"
)

// Fqtsify canonicalizes a tag set: tags are split on spaces, sorted and
// space-joined again, so that any permutation of the same tags names the
// same sensor.
func Fqtsify(tagName string) string {
	tags := strings.Split(tagName, " ")
	sort.Strings(tags)
	return strings.Join(tags, " ")
}

// FqtsifyTags canonicalizes a tag set given as a slice.
func FqtsifyTags(tags []string) string {
	return Fqtsify(strings.Join(tags, " "))
}

// PathpointProvider resolves constituent pathpoints by name, materializing
// them on first use. The agent facade implements this.
type PathpointProvider interface {
	GetPathpoint(name string) (*pathpoint.Pathpoint, error)
}

// Sensor is one catalog entry: a canonical tag set, the tilde-separated
// constituent pathpoint names and the value type converting between the two
// levels. Sensors from the same catalog compare equal by FQTS.
type Sensor struct {
	FQTS     string
	Path     string
	TypeName string

	Type     ValueType
	names    []string
	provider PathpointProvider
}

// New builds a sensor over provider. fqts may be any permutation of the tag
// set; it is canonicalized here.
func New(provider PathpointProvider, fqts, path, typeName string) (*Sensor, error) {
	t, err := TypeFor(typeName)
	if err != nil {
		return nil, err
	}
	s := &Sensor{
		FQTS:     Fqtsify(fqts),
		Path:     path,
		TypeName: typeName,
		Type:     t,
		names:    strings.Split(path, "~"),
		provider: provider,
	}
	return s, nil
}

// FromWire decodes one row of the sensor catalog listing.
func FromWire(provider PathpointProvider, m map[string]interface{}) (*Sensor, error) {
	fqts, ok := m["fqts"].(string)
	if !ok {
		return nil, fmt.Errorf("sensor row lacks fqts")
	}
	path, ok := m["path"].(string)
	if !ok {
		return nil, fmt.Errorf("sensor %q lacks path", fqts)
	}
	typeName, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("sensor %q lacks type", fqts)
	}
	return New(provider, fqts, path, typeName)
}

// Constituents returns the names of the pathpoints this sensor is built of.
func (s *Sensor) Constituents() []string { return s.names }

// Read builds a section that reads every constituent pathpoint.
func (s *Sensor) Read(advise order.AdviseLevel) *order.Section {
	orders := make([]order.Order, 0, len(s.names))
	for _, name := range s.names {
		orders = append(orders, order.NewRead(name, advise))
	}
	return order.NewSection(order.Joinable, orders...)
}

// Write converts value through the sensor type and builds a section writing
// each converted value to its constituent pathpoint.
func (s *Sensor) Write(value interface{}, advise order.AdviseLevel) (*order.Section, error) {
	values, err := s.Type.SensorToPathpoint(value, s.names...)
	if err != nil {
		return nil, err
	}
	if len(values) != len(s.names) {
		return nil, fmt.Errorf("sensor %q: type produced %d values for %d pathpoints",
			s.FQTS, len(values), len(s.names))
	}
	orders := make([]order.Order, 0, len(values))
	for i, v := range values {
		orders = append(orders, order.NewWrite(s.names[i], v.AsJSON(), advise, 0))
	}
	return order.NewSection(order.Joinable, orders...), nil
}

// Get returns the sensor's current value along with the timestamp of the
// freshest constituent sample, in milliseconds. A constituent without a
// reading or with a stored fault fails the whole get.
func (s *Sensor) Get() (int64, interface{}, error) {
	values := make([]pathpoint.Value, 0, len(s.names))
	var ts int64
	for _, name := range s.names {
		pp, err := s.provider.GetPathpoint(name)
		if err != nil {
			return 0, nil, err
		}
		tv, err := pp.Current()
		if err != nil {
			return 0, nil, err
		}
		if tv.Timestamp > ts {
			ts = tv.Timestamp
		}
		values = append(values, tv.Value)
	}
	v, err := s.Type.PathpointToSensor(values...)
	if err != nil {
		return 0, nil, err
	}
	return ts, v, nil
}
