// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package topology decodes the JSON description of physical ports, register
// maps, and device instances into the runtime objects internal/modbusbus
// and internal/device otherwise expect a caller to build by hand. It is the
// gateway's equivalent of a deployment's register-map and device-list
// files, kept separate from gwconfig.Keys because it describes the plant,
// not the program. Each register map is its own file, referenced by path
// from the topology document and validated against schema.RegisterMap
// before being trusted, mirroring gwconfig.Init's validated-decode path for
// the program config file.
package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/device"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/modbusbus"
	"github.com/cc-edge/modbus-gateway/internal/monitor"
	"github.com/cc-edge/modbus-gateway/internal/virtualdevice"
	"github.com/cc-edge/modbus-gateway/pkg/schema"
)

// PortSpec describes one physical RS-485 port.
type PortSpec struct {
	Device    string `json:"device"`
	BaudRate  int    `json:"baud_rate"`
	DataBits  int    `json:"data_bits"`
	Parity    string `json:"parity"`
	StopBits  int    `json:"stop_bits"`
	TimeoutMS int    `json:"timeout_ms"`
}

// ComposedOfSpec mirrors gwtype.ComposedOf.
type ComposedOfSpec struct {
	Hi  string `json:"hi"`
	Mid string `json:"mid"`
	Lo  string `json:"lo"`
}

// RegisterSpecJSON mirrors gwtype.RegisterSpec in JSON-decodable form. Name
// is taken from the enclosing map key, not this struct, so register maps
// decode as a plain object keyed by pin name.
type RegisterSpecJSON struct {
	Offset       uint16              `json:"offset"`
	RegisterType gwtype.RegisterType `json:"register_type"`
	Format       gwtype.WordFormat   `json:"word_format,omitempty"`
	Bit          *int                `json:"bit,omitempty"`
	Readable     bool                `json:"readable"`
	Writable     bool                `json:"writable"`
	Scale        float64             `json:"scale"`
	FormulaA     float64             `json:"formula_a"`
	FormulaB     float64             `json:"formula_b"`
	Precision    *int                `json:"precision,omitempty"`
	ScaleFrom    string              `json:"scale_from,omitempty"`
	ScaleTable   map[string]float64  `json:"scale_table,omitempty"`
	ComposedOf   *ComposedOfSpec     `json:"composed_of,omitempty"`
}

// ComputedFieldSpec mirrors device.ComputedField.
type ComputedFieldSpec struct {
	Name    string `json:"name"`
	Formula string `json:"formula"`
}

// ConstraintSpec mirrors device.ConstraintRange for one writable target.
type ConstraintSpec struct {
	Target string   `json:"target"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// DeviceSpec describes one polled Modbus slave and how it binds to ports
// and a named register map.
type DeviceSpec struct {
	Model          string                       `json:"model"`
	SlaveID        int                          `json:"slave_id"`
	DeviceType     string                       `json:"device_type"`
	Port           string                       `json:"port"`
	RegisterMap    string                       `json:"register_map"`
	BusByType      map[gwtype.RegisterType]string `json:"bus_by_type,omitempty"`
	Critical       bool                         `json:"critical"`
	ProbePins      []string                     `json:"probe_pins,omitempty"`
	QuickCheck     gwtype.QuickCheckStrategy    `json:"quick_check_strategy,omitempty"`
	ComputedFields []ComputedFieldSpec          `json:"computed_fields,omitempty"`
	Constraints    []ConstraintSpec             `json:"constraints,omitempty"`
}

// VirtualDeviceSpec mirrors virtualdevice.Spec.
type VirtualDeviceSpec struct {
	Name        string                   `json:"name"`
	Model       string                   `json:"model"`
	SlaveID     int                      `json:"slave_id"`
	DeviceType  string                   `json:"device_type"`
	SourceModel string                   `json:"source_model"`
	SlaveFilter []int                    `json:"slave_filter,omitempty"`
	ErrorMode   virtualdevice.ErrorMode  `json:"error_mode"`
	Fields      []VirtualFieldSpec       `json:"fields"`
}

// VirtualFieldSpec mirrors virtualdevice.FieldSpec.
type VirtualFieldSpec struct {
	Name      string              `json:"name"`
	Agg       virtualdevice.AggKind `json:"agg"`
	SourcePin string              `json:"source_pin,omitempty"`
	KwField   string              `json:"kw_field,omitempty"`
	KvaField  string              `json:"kva_field,omitempty"`
}

// Document is the full decoded shape of the plant topology file.
// RegisterMaps names each register map file by the model it describes; the
// file itself is loaded and schema-validated separately by Build, the same
// way the original deployment keeps one register map document per device
// model instead of inlining them all into the topology file.
type Document struct {
	Ports          map[string]PortSpec `json:"ports"`
	RegisterMaps   map[string]string   `json:"register_maps"`
	Devices        []DeviceSpec        `json:"devices"`
	VirtualDevices []VirtualDeviceSpec `json:"virtual_devices,omitempty"`
}

// Load reads and decodes a topology document from path.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("topology: decode %s: %w", path, err)
	}
	return doc, nil
}

// RegisterMapDocument is the decoded shape of one device model's register
// map file, validated against schema.RegisterMap before use.
type RegisterMapDocument struct {
	Model string                      `json:"model,omitempty"`
	Pins  map[string]RegisterSpecJSON `json:"pins"`
}

// loadRegisterMap reads, schema-validates, and decodes one register map
// file referenced by a topology document.
func loadRegisterMap(path string) (RegisterMapDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RegisterMapDocument{}, err
	}
	if err := schema.Validate(schema.RegisterMap, bytes.NewReader(raw)); err != nil {
		return RegisterMapDocument{}, fmt.Errorf("topology: register map %s: %w", path, err)
	}
	var doc RegisterMapDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return RegisterMapDocument{}, fmt.Errorf("topology: decode %s: %w", path, err)
	}
	return doc, nil
}

// Topology holds every runtime object built from a Document, keyed the way
// the rest of the gateway expects to consume them.
type Topology struct {
	Devices        map[string]*device.Device
	MonitorEntries []monitor.Entry
	VirtualSpecs   []virtualdevice.Spec
	Buses          []*modbusbus.Bus
}

// Build constructs buses, register maps, and devices from doc. Every port
// named by a device must appear in doc.Ports, and every register map named
// by a device must appear in doc.RegisterMaps.
func Build(doc Document) (*Topology, error) {
	portMutex := make(map[string]*sync.Mutex, len(doc.Ports))
	for name := range doc.Ports {
		portMutex[name] = modbusbus.NewSharedMutex()
	}

	regMaps := make(map[string]gwtype.RegisterMap, len(doc.RegisterMaps))
	for name, path := range doc.RegisterMaps {
		rmDoc, err := loadRegisterMap(path)
		if err != nil {
			return nil, fmt.Errorf("topology: register map %q: %w", name, err)
		}
		regMaps[name] = buildRegisterMap(name, rmDoc.Pins)
	}

	top := &Topology{Devices: make(map[string]*device.Device, len(doc.Devices))}

	for _, ds := range doc.Devices {
		portSpec, ok := doc.Ports[ds.Port]
		if !ok {
			return nil, fmt.Errorf("topology: device %s_%d: unknown port %q", ds.Model, ds.SlaveID, ds.Port)
		}
		regMap, ok := regMaps[ds.RegisterMap]
		if !ok {
			return nil, fmt.Errorf("topology: device %s_%d: unknown register map %q", ds.Model, ds.SlaveID, ds.RegisterMap)
		}
		bus := modbusbus.New(portMutex[ds.Port], portConfig(portSpec), ds.SlaveID)
		top.Buses = append(top.Buses, bus)

		var busByType map[gwtype.RegisterType]*modbusbus.Bus
		if len(ds.BusByType) > 0 {
			busByType = make(map[gwtype.RegisterType]*modbusbus.Bus, len(ds.BusByType))
			for regType, portName := range ds.BusByType {
				altPort, ok := doc.Ports[portName]
				if !ok {
					return nil, fmt.Errorf("topology: device %s_%d: unknown bus_by_type port %q", ds.Model, ds.SlaveID, portName)
				}
				altBus := modbusbus.New(portMutex[portName], portConfig(altPort), ds.SlaveID)
				top.Buses = append(top.Buses, altBus)
				busByType[regType] = altBus
			}
		}

		dev := device.New(ds.Model, ds.SlaveID, ds.DeviceType, regMap, bus, busByType)

		if len(ds.ComputedFields) > 0 {
			fields := make([]device.ComputedField, 0, len(ds.ComputedFields))
			for _, cf := range ds.ComputedFields {
				fields = append(fields, device.ComputedField{Name: cf.Name, Formula: cf.Formula})
			}
			if err := dev.SetComputedFields(fields); err != nil {
				return nil, fmt.Errorf("topology: device %s_%d: %w", ds.Model, ds.SlaveID, err)
			}
		}
		for _, c := range ds.Constraints {
			r := device.ConstraintRange{}
			if c.Min != nil {
				r.Min, r.HasMin = *c.Min, true
			}
			if c.Max != nil {
				r.Max, r.HasMax = *c.Max, true
			}
			dev.SetConstraint(c.Target, r)
		}

		top.Devices[dev.DeviceID()] = dev
		top.MonitorEntries = append(top.MonitorEntries, monitor.Entry{
			Poller:     dev,
			Model:      ds.Model,
			SlaveID:    ds.SlaveID,
			DeviceType: ds.DeviceType,
			Critical:   ds.Critical,
			ProbePins:  ds.ProbePins,
			Strategy:   ds.QuickCheck,
		})
	}

	for _, vs := range doc.VirtualDevices {
		fields := make([]virtualdevice.FieldSpec, 0, len(vs.Fields))
		for _, f := range vs.Fields {
			fields = append(fields, virtualdevice.FieldSpec{
				Name: f.Name, Agg: f.Agg, SourcePin: f.SourcePin, KwField: f.KwField, KvaField: f.KvaField,
			})
		}
		top.VirtualSpecs = append(top.VirtualSpecs, virtualdevice.Spec{
			Name: vs.Name, Model: vs.Model, SlaveID: vs.SlaveID, DeviceType: vs.DeviceType,
			SourceModel: vs.SourceModel, SlaveFilter: vs.SlaveFilter, Fields: fields, ErrorMode: vs.ErrorMode,
		})
	}

	return top, nil
}

func portConfig(p PortSpec) modbusbus.PortConfig {
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	return modbusbus.PortConfig{
		Device: p.Device, BaudRate: p.BaudRate, DataBits: p.DataBits,
		Parity: p.Parity, StopBits: p.StopBits, Timeout: timeout,
	}
}

func buildRegisterMap(name string, pins map[string]RegisterSpecJSON) gwtype.RegisterMap {
	out := gwtype.RegisterMap{Pins: make(map[string]gwtype.RegisterSpec, len(pins))}
	for pinName, p := range pins {
		spec := gwtype.RegisterSpec{
			Name: pinName, Offset: p.Offset, RegisterType: p.RegisterType, Format: p.Format,
			Bit: p.Bit, Readable: p.Readable, Writable: p.Writable,
			Scale: p.Scale, FormulaA: p.FormulaA, FormulaB: p.FormulaB, Precision: p.Precision,
			ScaleFrom: p.ScaleFrom,
		}
		if p.ComposedOf != nil {
			spec.ComposedOf = &gwtype.ComposedOf{Hi: p.ComposedOf.Hi, Mid: p.ComposedOf.Mid, Lo: p.ComposedOf.Lo}
		}
		if len(p.ScaleTable) > 0 {
			spec.ScaleTable = make(map[float64]float64, len(p.ScaleTable))
			for k, v := range p.ScaleTable {
				var key float64
				fmt.Sscanf(k, "%g", &key)
				spec.ScaleTable[key] = v
			}
		}
		out.Pins[pinName] = spec
	}
	return out
}
