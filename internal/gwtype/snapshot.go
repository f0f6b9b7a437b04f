// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gwtype holds the data types shared across every gateway subsystem:
// register specs, snapshots, health state, and rule/action shapes. Keeping
// these in one leaf package avoids import cycles between device, health,
// monitor, alert, control, and sender.
package gwtype

import "time"

// Missing is the sentinel value for a pin that could not be read.
const Missing = -1.0

// RegisterType names the Modbus object space a pin lives in.
type RegisterType string

const (
	RegisterHolding        RegisterType = "holding"
	RegisterInput          RegisterType = "input"
	RegisterCoil           RegisterType = "coil"
	RegisterDiscreteInput  RegisterType = "discrete_input"
)

// WordFormat names how raw 16-bit words are assembled into a value.
type WordFormat string

const (
	FormatU16       WordFormat = "u16"
	FormatI16       WordFormat = "i16"
	FormatU32LE     WordFormat = "u32_le"
	FormatU32BE     WordFormat = "u32_be"
	FormatF32LE     WordFormat = "f32_le"
	FormatF32BE     WordFormat = "f32_be"
	FormatF32BESwap WordFormat = "f32_be_swap"
)

// WordCount returns how many 16-bit registers the format occupies.
func (f WordFormat) WordCount() int {
	switch f {
	case FormatU32LE, FormatU32BE, FormatF32LE, FormatF32BE, FormatF32BESwap:
		return 2
	default:
		return 1
	}
}

// ComposedOf names the three pins (high, mid, low words) that combine into
// one 48-bit value: (hi<<32)|(mid<<16)|lo.
type ComposedOf struct {
	Hi string
	Mid string
	Lo string
}

// RegisterSpec is the immutable per-pin configuration loaded from a device's
// register map file.
type RegisterSpec struct {
	Name         string
	Offset       uint16
	RegisterType RegisterType
	Format       WordFormat
	Bit          *int // 0..15, nil if the pin is not a single bit within a word
	Readable     bool
	Writable     bool
	Scale        float64 // constant multiplier applied after the formula; 0 means unset (treated as 1)
	FormulaA     float64 // linear formula y = a*x + b
	FormulaB     float64
	Precision    *int // decimal digits to round to; nil leaves the value unrounded
	ScaleFrom    string      // dynamic scale: name of another pin used as a lookup key
	ScaleTable   map[float64]float64
	ComposedOf   *ComposedOf
}

// HasFormula reports whether a non-identity linear formula is configured.
func (r RegisterSpec) HasFormula() bool {
	return r.FormulaA != 0 && r.FormulaA != 1 || r.FormulaB != 0
}

// BulkEligible reports whether a pin participates in bulk-range grouping.
// Coils, discrete inputs, composed-of triples, and dynamic-scale pins are
// always read individually.
func (r RegisterSpec) BulkEligible() bool {
	if r.RegisterType == RegisterCoil || r.RegisterType == RegisterDiscreteInput {
		return false
	}
	if r.ComposedOf != nil {
		return false
	}
	if r.ScaleFrom != "" {
		return false
	}
	return r.Readable
}

// RegisterMap is the full set of pins for one device model.
type RegisterMap struct {
	Pins map[string]RegisterSpec
}

// Snapshot is one whole-device read result, ready for publishing, rule
// evaluation, persistence, and upload.
type Snapshot struct {
	DeviceID     string
	Model        string
	SlaveID      int
	DeviceType   string
	SamplingTS   time.Time
	Values       map[string]float64 // Missing (-1) marks an unreadable pin
	IsOnline     bool

	IsVirtual       bool
	VirtualConfigID string
	SourceDeviceIDs []string
	Description     string
}

// Value returns a pin's value and whether it is present and not Missing.
func (s Snapshot) Value(pin string) (float64, bool) {
	v, ok := s.Values[pin]
	if !ok || v == Missing {
		return 0, false
	}
	return v, true
}

// Clone returns a deep-enough copy safe to hand to a second consumer
// (pubsub subscribers must not observe each other's mutations of Values).
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Values = make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	if s.SourceDeviceIDs != nil {
		out.SourceDeviceIDs = append([]string(nil), s.SourceDeviceIDs...)
	}
	return out
}
