// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package order

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pylonhq/pylon-agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SectionsFromJSON decodes the HTTP orders payload: a JSON array of section
// objects.
func SectionsFromJSON(data []byte) ([]*Section, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed orders payload: %w", err)
	}
	return SectionsFromList(raw)
}

// SectionsFromList decodes an already-unmarshalled list of section objects,
// as delivered by the uplink's binary codec. Orders of unknown type are
// skipped with a warning; the rest of the section still executes.
func SectionsFromList(raw []interface{}) ([]*Section, error) {
	sections := make([]*Section, 0, len(raw))
	for _, elem := range raw {
		m, ok := elem.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("section is a %T, not an object", elem)
		}
		sec, err := sectionFromMap(m)
		if err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

func sectionFromMap(m map[string]interface{}) (*Section, error) {
	disposition := Joinable
	if d, ok := wireInt(m["disposition"]); ok {
		disposition = DispositionFromWire(d)
	}
	rawOrders, ok := m["orders"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("section carries no orders list")
	}
	sec := NewSection(disposition)
	for _, ro := range rawOrders {
		om, ok := ro.(map[string]interface{})
		if !ok {
			log.Warnf("Skipping order of shape %T", ro)
			continue
		}
		o, err := orderFromMap(om)
		if err != nil {
			log.Warnf("Skipping undecodable order: %v", err)
			continue
		}
		sec.Append(o)
	}
	return sec, nil
}

func orderFromMap(m map[string]interface{}) (Order, error) {
	typ, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("order carries no type")
	}
	switch typ {
	case "read":
		path, ok := m["path"].(string)
		if !ok {
			return nil, fmt.Errorf("read order carries no path")
		}
		return NewRead(path, adviseField(m)), nil
	case "write":
		path, ok := m["path"].(string)
		if !ok {
			return nil, fmt.Errorf("write order carries no path")
		}
		value, ok := m["value"]
		if !ok {
			return nil, fmt.Errorf("write order for %s carries no value", path)
		}
		var staleAfter float64
		if v, ok := wireFloat(m["stale_after"]); ok {
			staleAfter = v
		}
		return NewWrite(path, value, adviseField(m), staleAfter), nil
	case "wait":
		period, ok := wireFloat(m["time"])
		if !ok {
			return nil, fmt.Errorf("wait order carries no time")
		}
		return &Wait{Duration: time.Duration(period * float64(time.Second))}, nil
	case "message":
		uuid, ok := m["uuid"].(string)
		if !ok {
			return nil, fmt.Errorf("message order carries no uuid")
		}
		return NewMessage(uuid), nil
	case "sysctl":
		op, ok := m["op_type"].(string)
		if !ok {
			return nil, fmt.Errorf("sysctl order carries no op_type")
		}
		args, _ := m["op_args"].(string)
		return &Sysctl{Op: op, Args: args}, nil
	default:
		return nil, fmt.Errorf("unknown order type %q", typ)
	}
}

func adviseField(m map[string]interface{}) AdviseLevel {
	if v, ok := wireInt(m["advise"]); ok {
		return AdviseFromWire(v)
	}
	return Advise
}

// wireFloat widens the numeric shapes both the JSON and the binary codec
// produce.
func wireFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func wireInt(v interface{}) (int, bool) {
	f, ok := wireFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
