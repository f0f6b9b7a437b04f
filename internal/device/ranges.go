// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package device

import (
	"sort"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

// maxRegsPerRequest bounds a single bulk read so it stays inside typical
// Modbus RTU ADU and gateway buffer limits.
const maxRegsPerRequest = 120

// bulkRange is a contiguous run of same-register_type pins read in one
// Modbus transaction.
type bulkRange struct {
	RegisterType gwtype.RegisterType
	Start        uint16
	Count        uint16
	Items        []gwtype.RegisterSpec // ordered by offset, same order as on the wire
}

// buildBulkRanges partitions the bulk-eligible pins of a register map into
// contiguous same-register_type runs, splitting whenever the register_type
// changes, there is a gap in offsets, or the running length would exceed
// maxRegsPerRequest.
func buildBulkRanges(pins map[string]gwtype.RegisterSpec) []bulkRange {
	var candidates []gwtype.RegisterSpec
	for _, spec := range pins {
		if spec.BulkEligible() {
			candidates = append(candidates, spec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RegisterType != candidates[j].RegisterType {
			return candidates[i].RegisterType < candidates[j].RegisterType
		}
		return candidates[i].Offset < candidates[j].Offset
	})

	var ranges []bulkRange
	for _, spec := range candidates {
		width := uint16(spec.Format.WordCount())
		if len(ranges) > 0 {
			last := &ranges[len(ranges)-1]
			contiguous := last.RegisterType == spec.RegisterType &&
				spec.Offset == last.Start+last.Count
			fits := uint32(last.Count)+uint32(width) <= maxRegsPerRequest
			if contiguous && fits {
				last.Count += width
				last.Items = append(last.Items, spec)
				continue
			}
		}
		ranges = append(ranges, bulkRange{
			RegisterType: spec.RegisterType,
			Start:        spec.Offset,
			Count:        width,
			Items:        []gwtype.RegisterSpec{spec},
		})
	}
	return ranges
}

// nonBulkPins returns the readable pins excluded from bulk grouping: coils,
// discrete inputs, composed_of triples, and dynamic-scale pins.
func nonBulkPins(pins map[string]gwtype.RegisterSpec) []gwtype.RegisterSpec {
	var out []gwtype.RegisterSpec
	for _, spec := range pins {
		if spec.Readable && !spec.BulkEligible() {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
