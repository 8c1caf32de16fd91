// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package sensor

// WriteEvent is one sensor-write audit record: who wrote what to which
// sensor, when and why. Timestamp is in milliseconds. Records are queued
// locally and drained to the cloud by the communicator.
type WriteEvent struct {
	Timestamp int64
	Who       string
	HrSensor  string
	HrValue   string
	FQTS      string
	Value     string
	Reason    string
}

// AsWire renders the record for the write-log upload.
func (e WriteEvent) AsWire() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": e.Timestamp,
		"who":       e.Who,
		"hr_sensor": e.HrSensor,
		"hr_value":  e.HrValue,
		"fqts":      e.FQTS,
		"value":     e.Value,
		"reason":    e.Reason,
	}
}
