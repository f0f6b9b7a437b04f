// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package virtualdevice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

func TestAggregateScenarioB(t *testing.T) {
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	sources := []gwtype.Snapshot{
		{DeviceID: "ADTEK_CPM10_1", Model: "ADTEK_CPM10", SlaveID: 1, SamplingTS: t1,
			Values: map[string]float64{"Kw": 100, "Kva": 120}},
		{DeviceID: "ADTEK_CPM10_2", Model: "ADTEK_CPM10", SlaveID: 2, SamplingTS: t2,
			Values: map[string]float64{"Kw": 150, "Kva": 180}},
	}
	spec := Spec{
		Name:        "combined_meter",
		Model:       "ADTEK_CPM10",
		SlaveID:     3,
		SourceModel: "ADTEK_CPM10",
		ErrorMode:   FailFast,
		Fields: []FieldSpec{
			{Name: "Kw", Agg: AggSum, SourcePin: "Kw"},
			{Name: "Kva", Agg: AggSum, SourcePin: "Kva"},
			{Name: "AveragePowerFactor", Agg: AggCalculatedPF, KwField: "Kw", KvaField: "Kva"},
		},
	}

	out, err := Aggregate(spec, sources)
	require.NoError(t, err)
	require.Equal(t, "ADTEK_CPM10_3", out.DeviceID)
	require.True(t, out.IsVirtual)
	require.Equal(t, 250.0, out.Values["Kw"])
	require.Equal(t, 300.0, out.Values["Kva"])
	require.InDelta(t, 0.833, out.Values["AveragePowerFactor"], 0.001)
	require.Equal(t, t2, out.SamplingTS)
}

func TestAggregateAutoSlaveID(t *testing.T) {
	sources := []gwtype.Snapshot{
		{DeviceID: "M_1", Model: "M", SlaveID: 1, Values: map[string]float64{"x": 1}},
		{DeviceID: "M_5", Model: "M", SlaveID: 5, Values: map[string]float64{"x": 2}},
	}
	spec := Spec{Model: "M", SlaveID: AutoSlaveID, Fields: []FieldSpec{{Name: "x", Agg: AggSum, SourcePin: "x"}}}
	out, err := Aggregate(spec, sources)
	require.NoError(t, err)
	require.Equal(t, 6, out.SlaveID)
}

func TestAggregateFailFastOnMissingSource(t *testing.T) {
	sources := []gwtype.Snapshot{
		{DeviceID: "M_1", Model: "M", SlaveID: 1, Values: map[string]float64{"x": 1}},
		{DeviceID: "M_2", Model: "M", SlaveID: 2, Values: map[string]float64{}},
	}
	spec := Spec{Model: "M", ErrorMode: FailFast, Fields: []FieldSpec{{Name: "x", Agg: AggSum, SourcePin: "x"}}}
	out, err := Aggregate(spec, sources)
	require.NoError(t, err)
	require.Equal(t, gwtype.Missing, out.Values["x"])
}

func TestAggregatePartialSkipsMissingSource(t *testing.T) {
	sources := []gwtype.Snapshot{
		{DeviceID: "M_1", Model: "M", SlaveID: 1, Values: map[string]float64{"x": 10}},
		{DeviceID: "M_2", Model: "M", SlaveID: 2, Values: map[string]float64{}},
	}
	spec := Spec{Model: "M", ErrorMode: Partial, Fields: []FieldSpec{{Name: "x", Agg: AggAvg, SourcePin: "x"}}}
	out, err := Aggregate(spec, sources)
	require.NoError(t, err)
	require.Equal(t, 10.0, out.Values["x"])
}

func TestCalculatedPFZeroKva(t *testing.T) {
	require.Equal(t, 0.0, calculatedPF(100, 0))
}

func TestCalculatedPFClamps(t *testing.T) {
	require.Equal(t, 1.0, calculatedPF(200, 100))
	require.Equal(t, -1.0, calculatedPF(-200, 100))
}

func TestAggregateNoSourcesReturnsError(t *testing.T) {
	_, err := Aggregate(Spec{Model: "M"}, nil)
	require.Error(t, err)
}
