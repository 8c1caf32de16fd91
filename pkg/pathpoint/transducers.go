// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import (
	"fmt"
	"math"
)

// Transducer conversion functions callable from reparse expressions. The set
// is fixed: these are the conversions the fleet's expressions actually use.
var transducers = map[string]func([]float64) (float64, error){
	"negz":    func(a []float64) (float64, error) { return negz(a[0]), nil },
	"D":       func(a []float64) (float64, error) { return absDiff(a[0], a[1]), nil },
	"d":       func(a []float64) (float64, error) { return relDiff(a[0], a[1]) },
	"ked":     func(a []float64) (float64, error) { return ked(a[0], a[1]) },
	"huba505": func(a []float64) (float64, error) { return huba505(a[0]), nil },
	"kty81":   func(a []float64) (float64, error) { return kty81(a[0]), nil },
	"pt1000":  func(a []float64) (float64, error) { return pt1000(a[0]), nil },
	"mkflt":   func(a []float64) (float64, error) { return mkflt(a[0], a[1]), nil },
	"mkint32": func(a []float64) (float64, error) { return mkint32(a[0], a[1]), nil },
}

var transducerArity = map[string]int{
	"negz":    1,
	"D":       2,
	"d":       2,
	"ked":     2,
	"huba505": 1,
	"kty81":   1,
	"pt1000":  1,
	"mkflt":   2,
	"mkint32": 2,
}

// negz clamps negatives to zero.
func negz(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

// absDiff is the absolute error between a referential and a measured value.
func absDiff(base, measured float64) float64 {
	return math.Abs(measured - base)
}

// relDiff is the relative error between a referential and a measured value.
func relDiff(base, measured float64) (float64, error) {
	if base == 0 {
		return 0, fmt.Errorf("relative error against a zero referential")
	}
	return math.Abs(absDiff(base, measured) / base), nil
}

// ked is relDiff gated to zero while the referential value is below 20.
func ked(base, measured float64) (float64, error) {
	if base < 20 {
		return 0, nil
	}
	return relDiff(base, measured)
}

// huba505 converts volts to bar for a HUBA 505 pressure transducer
// (0.5 V = 0 bar, 3.5 V = 4 bar), clamped at zero.
func huba505(voltage float64) float64 {
	return negz(4 * (voltage - 0.5) / 3)
}

type resistancePoint struct {
	temp float64
	ohms float64
}

var kty81Table = []resistancePoint{
	{-40, 1136}, {-20, 1250}, {-10, 1372}, {0, 1500}, {10, 1634},
	{20, 1774}, {25, 1922}, {30, 2000}, {40, 2078}, {50, 2240},
	{60, 2410}, {70, 2590}, {80, 2780}, {90, 2978}, {100, 3182},
	{110, 3392},
}

// kty81 converts ohms to centigrades for a KTY81 thermistor, returning the
// bounding value when out of range.
func kty81(r float64) float64 {
	if r <= kty81Table[0].ohms {
		return kty81Table[0].temp
	}
	if r >= 3276 {
		return 94.4
	}
	prev := kty81Table[0]
	for _, row := range kty81Table[1:] {
		if r <= row.ohms {
			return (row.temp-prev.temp)*(r-prev.ohms)/(row.ohms-prev.ohms) + prev.temp
		}
		prev = row
	}
	return kty81Table[len(kty81Table)-1].temp
}

// pt100Table maps temperatures from -50 °C in 5 °C steps (then 40 and 50 °C
// steps past 110 °C) to PT100 resistances.
var pt100Table = []float64{
	80.31, 82.29, 84.27, 86.25, 88.22, 90.19, 92.16, 94.12, 96.09, 98.04,
	100.0, 101.95, 103.9, 105.85, 107.79, 109.73, 111.67, 113.61, 115.54, 117.47,
	119.4, 121.32, 123.24, 125.16, 127.07, 128.98, 130.89, 132.8, 134.7, 136.6,
	138.5, 140.39, 142.29, 157.31, 175.84, 195.84,
}

// pt1000 converts ohms to centigrades for a PT1000 element.
func pt1000(r float64) float64 {
	r /= 10.0
	t := float64(-50)
	if r <= pt100Table[0] {
		return t
	}
	for i := 1; i < len(pt100Table) && t < 250; i++ {
		dt := float64(5)
		if t > 110 {
			dt = 50
		} else if t == 110 {
			dt = 40
		}
		if r < pt100Table[i] {
			return t + (r-pt100Table[i-1])*dt/(pt100Table[i]-pt100Table[i-1])
		}
		t += dt
	}
	return t
}

// mkflt reassembles a float32 from two 16-bit register words, high word first.
func mkflt(ho, lo float64) float64 {
	bits := uint32(uint16(ho))<<16 | uint32(uint16(lo))
	return float64(math.Float32frombits(bits))
}

// mkint32 reassembles a signed 32-bit integer from two 16-bit register words,
// high word first.
func mkint32(ho, lo float64) float64 {
	return float64(int32(uint32(uint16(ho))<<16 | uint32(uint16(lo))))
}
