// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package virtualdevice derives synthetic aggregate devices (e.g. a combined
// power meter) from a set of physical snapshots sharing a model.
package virtualdevice

import (
	"fmt"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

// AggKind is the per-field aggregation function.
type AggKind string

const (
	AggSum          AggKind = "sum"
	AggAvg          AggKind = "avg"
	AggMin          AggKind = "min"
	AggMax          AggKind = "max"
	AggCalculatedPF AggKind = "calculated_pf"
)

// ErrorMode controls how a missing source value affects a field's result.
type ErrorMode string

const (
	// FailFast: any missing source makes the field MISSING.
	FailFast ErrorMode = "fail_fast"
	// Partial: aggregate over whichever source values are present.
	Partial ErrorMode = "partial"
)

// AutoSlaveID is the sentinel requesting "max existing slave_id + 1".
const AutoSlaveID = -1

// FieldSpec describes one output field of the virtual device.
type FieldSpec struct {
	Name      string
	Agg       AggKind
	SourcePin string // pin read from each physical source snapshot; unused for calculated_pf
	KwField   string // calculated_pf only: name of the already-aggregated Kw field
	KvaField  string // calculated_pf only: name of the already-aggregated Kva field
}

// Spec configures one virtual device derivation.
type Spec struct {
	Name        string
	Model       string // output model name
	SlaveID     int    // AutoSlaveID for "auto"
	DeviceType  string
	SourceModel string
	SlaveFilter []int // optional: restrict to these source slave ids; nil means all
	Fields      []FieldSpec
	ErrorMode   ErrorMode
}

// Aggregate builds the virtual snapshot for spec from the given physical
// snapshots (already filtered to spec.SourceModel by the caller, typically
// the subscriber reading the DEVICE_SNAPSHOT topic).
func Aggregate(spec Spec, sources []gwtype.Snapshot) (gwtype.Snapshot, error) {
	filtered := filterBySlaveID(sources, spec.SlaveFilter)
	if len(filtered) == 0 {
		return gwtype.Snapshot{}, fmt.Errorf("virtual device %s: no matching source snapshots", spec.Name)
	}

	slaveID := spec.SlaveID
	if slaveID == AutoSlaveID {
		slaveID = maxSlaveID(filtered) + 1
	}

	values := make(map[string]float64, len(spec.Fields))
	var sampledAt time.Time
	sourceIDs := make([]string, 0, len(filtered))
	for _, s := range filtered {
		sourceIDs = append(sourceIDs, s.DeviceID)
		if s.SamplingTS.After(sampledAt) {
			sampledAt = s.SamplingTS
		}
	}

	for _, f := range spec.Fields {
		if f.Agg == AggCalculatedPF {
			continue
		}
		values[f.Name] = aggregateField(f, filtered, spec.ErrorMode)
	}
	for _, f := range spec.Fields {
		if f.Agg != AggCalculatedPF {
			continue
		}
		values[f.Name] = calculatedPF(values[f.KwField], values[f.KvaField])
	}

	return gwtype.Snapshot{
		DeviceID:        gwtype.DeviceIDOf(spec.Model, slaveID),
		Model:           spec.Model,
		SlaveID:         slaveID,
		DeviceType:      spec.DeviceType,
		SamplingTS:      sampledAt,
		Values:          values,
		IsOnline:        true,
		IsVirtual:       true,
		VirtualConfigID: spec.Name,
		SourceDeviceIDs: sourceIDs,
	}, nil
}

func filterBySlaveID(sources []gwtype.Snapshot, allow []int) []gwtype.Snapshot {
	if allow == nil {
		return sources
	}
	set := make(map[int]bool, len(allow))
	for _, s := range allow {
		set[s] = true
	}
	var out []gwtype.Snapshot
	for _, s := range sources {
		if set[s.SlaveID] {
			out = append(out, s)
		}
	}
	return out
}

func maxSlaveID(sources []gwtype.Snapshot) int {
	max := 0
	for _, s := range sources {
		if s.SlaveID > max {
			max = s.SlaveID
		}
	}
	return max
}

func aggregateField(f FieldSpec, sources []gwtype.Snapshot, mode ErrorMode) float64 {
	var vals []float64
	for _, s := range sources {
		v, ok := s.Value(f.SourcePin)
		if !ok {
			if mode == FailFast {
				return gwtype.Missing
			}
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return gwtype.Missing
	}
	switch f.Agg {
	case AggSum:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	case AggAvg:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	case AggMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case AggMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		return gwtype.Missing
	}
}

// calculatedPF derives a power factor from aggregated real and apparent
// power, returning 0 when Kva is 0 and clamping the result to [-1, 1].
func calculatedPF(kw, kva float64) float64 {
	if kw == gwtype.Missing || kva == gwtype.Missing {
		return gwtype.Missing
	}
	if kva == 0 {
		return 0
	}
	pf := kw / kva
	if pf > 1 {
		return 1
	}
	if pf < -1 {
		return -1
	}
	return pf
}
