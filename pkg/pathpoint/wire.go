// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import "fmt"

// WireBatch is one pathpoint's accumulated samples in the shape the sample
// sync endpoints take: readings as [ts, value], faults as [false, ts, kind].
type WireBatch struct {
	Path   string          `json:"path"`
	Values [][]interface{} `json:"values"`
}

// BatchFromSamples renders samples belonging to path into a WireBatch.
func BatchFromSamples(path string, samples []TimestampedValue) WireBatch {
	values := make([][]interface{}, 0, len(samples))
	for _, tv := range samples {
		values = append(values, tv.AsWire())
	}
	return WireBatch{Path: path, Values: values}
}

// Samples parses the batch back into timestamped values.
func (b WireBatch) Samples() ([]TimestampedValue, error) {
	out := make([]TimestampedValue, 0, len(b.Values))
	for _, raw := range b.Values {
		tv, err := SampleFromWire(raw, b.Path)
		if err != nil {
			return nil, fmt.Errorf("batch for %s: %w", b.Path, err)
		}
		out = append(out, tv)
	}
	return out, nil
}

// BatchesAsWire renders batches as the generic structure the binary codec
// encodes.
func BatchesAsWire(batches []WireBatch) []interface{} {
	out := make([]interface{}, 0, len(batches))
	for _, b := range batches {
		values := make([]interface{}, 0, len(b.Values))
		for _, v := range b.Values {
			values = append(values, v)
		}
		out = append(out, map[string]interface{}{
			"path":   b.Path,
			"values": values,
		})
	}
	return out
}
