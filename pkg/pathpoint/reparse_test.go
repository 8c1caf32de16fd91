// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileReparseSubstitution(t *testing.T) {
	e, err := CompileReparse("rd{Wfoo}+12+{Wbar}")
	require.NoError(t, err)
	assert.Equal(t, "v0+12+v1", e.Source)
	assert.Equal(t, []string{"Wfoo", "Wbar"}, e.Paths)

	v, err := e.Evaluate([]float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, float64(15), v)
}

func TestCompileReparseNestedBraces(t *testing.T) {
	// A constituent may itself be a derived pathpoint; its braces nest.
	e, err := CompileReparse("rd{rd{Wfoo}*2}+1")
	require.NoError(t, err)
	assert.Equal(t, "v0+1", e.Source)
	assert.Equal(t, []string{"rd{Wfoo}*2"}, e.Paths)
}

func TestCompileReparseErrors(t *testing.T) {
	_, err := CompileReparse("Wplain")
	assert.Error(t, err, "not a derived name")
	_, err = CompileReparse("rd{unclosed")
	assert.Error(t, err)
	_, err = CompileReparse("rd")
	assert.Error(t, err, "empty expression")
	_, err = CompileReparse("rd{Wfoo}+nonsuch({Wbar})")
	assert.Error(t, err, "unknown function")
	_, err = CompileReparse("rd{Wfoo}+")
	assert.Error(t, err, "dangling operator")
}

func TestNativeConstituents(t *testing.T) {
	paths, err := NativeConstituents("rd{rd{Wfoo}+{Wbar}}/{Wbaz}")
	require.NoError(t, err)
	assert.Equal(t, []string{"Wfoo", "Wbar", "Wbaz"}, paths)

	paths, err = NativeConstituents("Wplain")
	require.NoError(t, err)
	assert.Equal(t, []string{"Wplain"}, paths)
}

func TestEvaluateArithmetic(t *testing.T) {
	cases := []struct {
		expr   string
		values []float64
		want   float64
	}{
		{"rd{a}+{b}*{c}", []float64{1, 2, 3}, 7},
		{"rd({a}+{b})*{c}", []float64{1, 2, 3}, 9},
		{"rd-{a}", []float64{4}, -4},
		{"rd{a}/{b}", []float64{1, 4}, 0.25},
		{"rd{a}-{b}-{c}", []float64{10, 3, 2}, 5},
		{"rd2.5*{a}", []float64{4}, 10},
		{"rd negz({a}) + negz({b})", []float64{-3, 5}, 5},
	}
	for _, tc := range cases {
		e, err := CompileReparse(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := e.Evaluate(tc.values)
		require.NoError(t, err, tc.expr)
		assert.InDelta(t, tc.want, got, 1e-9, tc.expr)
	}
}

func TestEvaluateDivisionByZero(t *testing.T) {
	e, err := CompileReparse("rd{a}/{b}")
	require.NoError(t, err)
	_, err = e.Evaluate([]float64{1, 0})
	assert.Error(t, err)
}

func TestEvaluateValueCountMismatch(t *testing.T) {
	e, err := CompileReparse("rd{a}+{b}")
	require.NoError(t, err)
	_, err = e.Evaluate([]float64{1})
	assert.Error(t, err)
}

func TestTransducers(t *testing.T) {
	eval := func(expr string, values ...float64) float64 {
		e, err := CompileReparse(expr)
		require.NoError(t, err, expr)
		v, err := e.Evaluate(values)
		require.NoError(t, err, expr)
		return v
	}

	// HUBA 505: 0.5 V is 0 bar, 3.5 V is 4 bar, clamped below.
	assert.InDelta(t, 0, eval("rdhuba505({v})", 0.5), 1e-9)
	assert.InDelta(t, 4, eval("rdhuba505({v})", 3.5), 1e-9)
	assert.InDelta(t, 0, eval("rdhuba505({v})", 0.1), 1e-9)

	// KTY81 bounds and a tabulated midpoint.
	assert.InDelta(t, -40, eval("rdkty81({r})", 1000), 1e-9)
	assert.InDelta(t, 94.4, eval("rdkty81({r})", 4000), 1e-9)
	assert.InDelta(t, 0, eval("rdkty81({r})", 1500), 1e-9)
	assert.InDelta(t, 5, eval("rdkty81({r})", 1567), 1)

	// PT1000: 1000 Ω is 0 °C by definition; low bound.
	assert.InDelta(t, 0, eval("rdpt1000({r})", 1000), 0.2)
	assert.InDelta(t, -50, eval("rdpt1000({r})", 100), 1e-9)

	// Register reassembly, high word first.
	assert.Equal(t, float64(math.Float32frombits(0x3F800000)), eval("rdmkflt({h}, {l})", 0x3F80, 0))
	assert.Equal(t, float64(-1), eval("rdmkint32({h}, {l})", 0xFFFF, 0xFFFF))
	assert.Equal(t, float64(65536), eval("rdmkint32({h}, {l})", 1, 0))

	// Error helpers.
	assert.InDelta(t, 2, eval("rdD({a}, {b})", 5, 7), 1e-9)
	assert.InDelta(t, 0.4, eval("rdd({a}, {b})", 5, 7), 1e-9)
	assert.InDelta(t, 0, eval("rdked({a}, {b})", 5, 7), 1e-9, "gated below 20")
	assert.InDelta(t, 0.1, eval("rdked({a}, {b})", 100, 110), 1e-9)
}

func TestCompileReparseCached(t *testing.T) {
	a, err := CompileReparse("rd{Wfoo}+1")
	require.NoError(t, err)
	b, err := CompileReparse("rd{Wfoo}+1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}
