// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package device

import (
	"math"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

// decodeWords turns the raw words for one pin into a float64, per its
// word format. words must have len == format.WordCount().
func decodeWords(format gwtype.WordFormat, words []uint16) float64 {
	switch format {
	case gwtype.FormatI16:
		return float64(int16(words[0]))
	case gwtype.FormatU32LE:
		return float64(uint32(words[0]) | uint32(words[1])<<16)
	case gwtype.FormatU32BE:
		return float64(uint32(words[0])<<16 | uint32(words[1]))
	case gwtype.FormatF32LE:
		bits := uint32(words[0]) | uint32(words[1])<<16
		return float64(math.Float32frombits(bits))
	case gwtype.FormatF32BE:
		bits := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(bits))
	case gwtype.FormatF32BESwap:
		bits := uint32(words[1])<<16 | uint32(words[0])
		return float64(math.Float32frombits(bits))
	default: // u16
		return float64(words[0])
	}
}

// combineComposed combines three 16-bit words (hi, mid, lo) into one value,
// as (hi<<32)|(mid<<16)|lo.
func combineComposed(hi, mid, lo uint16) float64 {
	return float64(uint64(hi)<<32 | uint64(mid)<<16 | uint64(lo))
}

// extractBit pulls a single bit out of a decoded word value.
func extractBit(value float64, bit int) float64 {
	word := uint16(int64(value))
	if word&(1<<uint(bit)) != 0 {
		return 1
	}
	return 0
}

// round rounds v to the given number of decimal digits. A pin with no
// configured precision is left unrounded.
func round(v float64, precision *int) float64 {
	if precision == nil || *precision < 0 {
		return v
	}
	p := math.Pow(10, float64(*precision))
	return math.Round(v*p) / p
}

// applyPostProcess runs the bit-extraction -> formula -> scale ->
// dynamic-scale -> precision pipeline, in that order, exactly as the
// reference device layer does. Formula and scale are sequential steps, not
// alternatives: a pin may carry both, and scale defaults to 1.
func applyPostProcess(spec gwtype.RegisterSpec, raw float64, dynamicScaleKey func(string) (float64, bool)) float64 {
	v := raw

	if spec.Bit != nil {
		v = extractBit(v, *spec.Bit)
	}

	if spec.HasFormula() {
		a := spec.FormulaA
		if a == 0 {
			a = 1
		}
		v = a*v + spec.FormulaB
	}
	if spec.Scale != 0 {
		v = v * spec.Scale
	}

	if spec.ScaleFrom != "" && dynamicScaleKey != nil {
		if key, ok := dynamicScaleKey(spec.ScaleFrom); ok {
			if factor, ok := spec.ScaleTable[key]; ok {
				v = v * factor
			}
		}
	}

	return round(v, spec.Precision)
}

// invertForWrite reverses the constant-scale/linear-formula pipeline so a
// caller-supplied engineering value can be written back as a raw register
// word: scale division first, then the formula inversion, the mirror image
// of the read path's formula-then-scale order. Dynamic scale is not
// invertible (the scale key is itself a snapshot value, not something
// write_value controls), so it is not applied here, matching the reference
// device's write path.
func invertForWrite(spec gwtype.RegisterSpec, value float64) float64 {
	v := value
	if spec.Scale != 0 {
		v = v / spec.Scale
	}
	if spec.HasFormula() {
		a := spec.FormulaA
		if a == 0 {
			a = 1
		}
		v = (v - spec.FormulaB) / a
	}
	return v
}
