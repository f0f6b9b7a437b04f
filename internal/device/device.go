// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package device wraps a Bus with a register map: it computes bulk-read
// groupings, decodes register words, applies scale/formula/precision, and
// performs bit-level read-modify-write.
package device

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/modbusbus"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// ComputedField is evaluated after all real pins are resolved; its
// expression may reference any other value already present in the snapshot.
type ComputedField struct {
	Name    string
	Formula string

	program *vm.Program
}

// ConstraintRange aliases the shared clamp-range shape so device callers
// don't need to import gwtype just to set a constraint.
type ConstraintRange = gwtype.ConstraintRange

// Device is one polled Modbus slave: a register map bound to one or more
// Bus instances (normally one per physical port, occasionally more than one
// when a pin's register_type override routes it to a different logical bus
// sharing the same port mutex).
type Device struct {
	Model      string
	SlaveID    int
	DeviceType string

	regMap        gwtype.RegisterMap
	defaultBus    *modbusbus.Bus
	busByType     map[gwtype.RegisterType]*modbusbus.Bus
	computed      []ComputedField
	constraints   map[string]ConstraintRange
	supportsOnOff bool
}

// New constructs a Device. busByType may be nil if every pin uses the
// default register_type routing.
func New(model string, slaveID int, deviceType string, regMap gwtype.RegisterMap, defaultBus *modbusbus.Bus, busByType map[gwtype.RegisterType]*modbusbus.Bus) *Device {
	d := &Device{
		Model:       model,
		SlaveID:     slaveID,
		DeviceType:  deviceType,
		regMap:      regMap,
		defaultBus:  defaultBus,
		busByType:   busByType,
		constraints: map[string]ConstraintRange{},
	}
	if _, ok := regMap.Pins[gwtype.RegisterRWOnOff]; ok {
		d.supportsOnOff = true
	}
	return d
}

// DeviceID returns the canonical "<model>_<slave_id>" identity.
func (d *Device) DeviceID() string {
	return gwtype.DeviceIDOf(d.Model, d.SlaveID)
}

// SetComputedFields installs computed-field definitions, compiling each
// formula once up front so read_all doesn't re-parse expressions every tick.
func (d *Device) SetComputedFields(fields []ComputedField) error {
	compiled := make([]ComputedField, 0, len(fields))
	for _, f := range fields {
		prog, err := expr.Compile(f.Formula, expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("computed field %q: %w", f.Name, err)
		}
		f.program = prog
		compiled = append(compiled, f)
	}
	d.computed = compiled
	return nil
}

// SetConstraint registers a writable range for a target register.
func (d *Device) SetConstraint(target string, r ConstraintRange) {
	d.constraints[target] = r
}

func (d *Device) busFor(regType gwtype.RegisterType) *modbusbus.Bus {
	if d.busByType != nil {
		if b, ok := d.busByType[regType]; ok {
			return b
		}
	}
	return d.defaultBus
}

// ReadablePins lists every pin name that a snapshot of this device carries,
// so an offline snapshot can still record one Missing entry per pin.
func (d *Device) ReadablePins() []string {
	names := make([]string, 0, len(d.regMap.Pins))
	for name, spec := range d.regMap.Pins {
		if spec.Readable {
			names = append(names, name)
		}
	}
	return names
}

// HasRegister is the explicit capability the executor uses instead of
// Python-style getattr duck typing.
func (d *Device) HasRegister(name string) bool {
	_, ok := d.regMap.Pins[name]
	return ok
}

// IsWritable reports whether a named register accepts writes.
func (d *Device) IsWritable(name string) bool {
	spec, ok := d.regMap.Pins[name]
	return ok && spec.Writable
}

// SupportsOnOff reports whether this device exposes the well-known on/off
// coil.
func (d *Device) SupportsOnOff() bool {
	return d.supportsOnOff
}

// Constraint returns the configured clamp range for a target, if any.
func (d *Device) Constraint(target string) (ConstraintRange, bool) {
	r, ok := d.constraints[target]
	return r, ok
}

// ReadAll performs a bulk snapshot read: bulk-eligible pins are grouped into
// contiguous ranges and read with as few Modbus transactions as possible;
// the rest fall back to individual reads. On a bulk-range failure, every pin
// covered by that range is recorded as Missing but the remaining ranges and
// fallback pins are still attempted.
func (d *Device) ReadAll(ctx context.Context) (map[string]float64, bool) {
	values := make(map[string]float64, len(d.regMap.Pins))
	anyOnline := false

	ranges := buildBulkRanges(d.regMap.Pins)
	for _, r := range ranges {
		bus := d.busFor(r.RegisterType)
		if bus == nil {
			for _, item := range r.Items {
				values[item.Name] = gwtype.Missing
			}
			continue
		}
		words, err := bus.ReadRegisters(ctx, r.Start, r.Count, r.RegisterType)
		if err != nil {
			// The bus returns an error only when ctx is done. The range is
			// recorded as Missing and the loop goes on, so every later read
			// fails the same way; ReadAll itself does not return the error.
			for _, item := range r.Items {
				values[item.Name] = gwtype.Missing
			}
			continue
		}
		if words == nil {
			for _, item := range r.Items {
				values[item.Name] = gwtype.Missing
			}
			continue
		}
		anyOnline = true
		relIdx := uint16(0)
		for _, item := range r.Items {
			wc := item.Format.WordCount()
			rel := item.Offset - r.Start
			if int(rel)+wc > len(words) {
				values[item.Name] = gwtype.Missing
				continue
			}
			raw := decodeWords(item.Format, words[rel:rel+uint16(wc)])
			values[item.Name] = applyPostProcess(item, raw, func(key string) (float64, bool) {
				v, ok := values[key]
				return v, ok
			})
			relIdx += uint16(wc)
		}
		_ = relIdx
	}

	for _, spec := range nonBulkPins(d.regMap.Pins) {
		v, ok := d.readPinLocked(ctx, spec, values)
		if ok {
			anyOnline = true
		}
		values[spec.Name] = v
	}

	for i := range d.computed {
		cf := &d.computed[i]
		out, err := expr.Run(cf.program, values)
		if err != nil {
			log.Warnf("[DEVICE] %s: computed field %q failed: %v", d.DeviceID(), cf.Name, err)
			values[cf.Name] = gwtype.Missing
			continue
		}
		if f, ok := toFloat(out); ok {
			values[cf.Name] = f
		} else {
			values[cf.Name] = gwtype.Missing
		}
	}

	return values, anyOnline
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// readPinLocked reads one pin on its own (coil/discrete/composed_of/dynamic
// scale pins, or bulk fallback), given values already decoded so far this
// tick (needed for composed_of and dynamic scale lookups).
func (d *Device) readPinLocked(ctx context.Context, spec gwtype.RegisterSpec, soFar map[string]float64) (float64, bool) {
	if spec.ComposedOf != nil {
		hiV, hiOK := soFar[spec.ComposedOf.Hi]
		midV, midOK := soFar[spec.ComposedOf.Mid]
		loV, loOK := soFar[spec.ComposedOf.Lo]
		if !hiOK || !midOK || !loOK {
			return gwtype.Missing, false
		}
		return combineComposed(uint16(int64(hiV)), uint16(int64(midV)), uint16(int64(loV))), true
	}

	if spec.ScaleFrom != "" && spec.RegisterType != gwtype.RegisterCoil && spec.RegisterType != gwtype.RegisterDiscreteInput {
		bus := d.busFor(spec.RegisterType)
		if bus == nil {
			return gwtype.Missing, false
		}
		words, err := bus.ReadRegisters(ctx, spec.Offset, uint16(spec.Format.WordCount()), spec.RegisterType)
		if err != nil || words == nil {
			return gwtype.Missing, false
		}
		return applyPostProcess(spec, decodeWords(spec.Format, words), func(key string) (float64, bool) {
			v, ok := soFar[key]
			return v, ok
		}), true
	}

	v, ok := d.ReadValue(ctx, spec.Name)
	if !ok {
		return gwtype.Missing, false
	}
	return v, true
}

// ReadValue reads a single pin by name, routing to the correct register
// space and applying the same decode/post-process pipeline as ReadAll,
// except dynamic scale: that needs the other values of a full read, so only
// ReadAll applies it.
func (d *Device) ReadValue(ctx context.Context, name string) (float64, bool) {
	spec, ok := d.regMap.Pins[name]
	if !ok || !spec.Readable {
		return gwtype.Missing, false
	}
	bus := d.busFor(spec.RegisterType)
	if bus == nil {
		return gwtype.Missing, false
	}

	switch spec.RegisterType {
	case gwtype.RegisterCoil, gwtype.RegisterDiscreteInput:
		bits, err := bus.ReadBits(ctx, spec.Offset, 1, spec.RegisterType)
		if err != nil || bits == nil {
			return gwtype.Missing, false
		}
		if bits[0] {
			return 1, true
		}
		return 0, true
	default:
		count := uint16(spec.Format.WordCount())
		words, err := bus.ReadRegisters(ctx, spec.Offset, count, spec.RegisterType)
		if err != nil || words == nil {
			return gwtype.Missing, false
		}
		raw := decodeWords(spec.Format, words)
		return applyPostProcess(spec, raw, nil), true
	}
}

// WriteValue writes a named register, applying the inverse scale/formula
// and routing bit-level pins through a read-modify-write cycle.
func (d *Device) WriteValue(ctx context.Context, name string, value float64) error {
	spec, ok := d.regMap.Pins[name]
	if !ok {
		return fmt.Errorf("device %s: no such register %q", d.DeviceID(), name)
	}
	if !spec.Writable {
		return fmt.Errorf("device %s: register %q is not writable", d.DeviceID(), name)
	}
	bus := d.busFor(spec.RegisterType)
	if bus == nil {
		return fmt.Errorf("device %s: no bus for register %q", d.DeviceID(), name)
	}

	switch spec.RegisterType {
	case gwtype.RegisterCoil:
		_, err := bus.WriteCoil(ctx, spec.Offset, value != 0)
		return err
	default:
		if spec.Bit != nil {
			return d.writeBit(ctx, bus, spec, value != 0)
		}
		raw := invertForWrite(spec, value)
		_, err := bus.WriteU16(ctx, spec.Offset, uint16(int64(raw)))
		return err
	}
}

// writeBit performs the read-modify-write cycle required to set or clear a
// single bit within a 16-bit holding register without disturbing its
// sibling bits.
func (d *Device) writeBit(ctx context.Context, bus *modbusbus.Bus, spec gwtype.RegisterSpec, set bool) error {
	words, err := bus.ReadRegisters(ctx, spec.Offset, 1, spec.RegisterType)
	if err != nil {
		return err
	}
	if words == nil {
		return fmt.Errorf("device %s: read-before-write failed for %q", d.DeviceID(), spec.Name)
	}
	word := words[0]
	mask := uint16(1) << uint(*spec.Bit)
	if set {
		word |= mask
	} else {
		word &^= mask
	}
	_, err = bus.WriteU16(ctx, spec.Offset, word)
	return err
}

// WriteOnOff writes the well-known on/off coil/register.
func (d *Device) WriteOnOff(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1.0
	}
	return d.WriteValue(ctx, gwtype.RegisterRWOnOff, v)
}
