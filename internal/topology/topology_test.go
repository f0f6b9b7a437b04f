// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleRegisterMapJSON = `{
	"model": "DAE_PM210",
	"pins": {
		"kw": {"offset": 100, "register_type": "holding", "word_format": "f32_le", "readable": true, "scale": 0.01}
	}
}`

func writeSampleRegisterMap(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dae_pm210.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleRegisterMapJSON), 0o644))
	return path
}

func sampleDoc(t *testing.T) Document {
	return Document{
		Ports: map[string]PortSpec{
			"com1": {Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, Parity: "N", StopBits: 1, TimeoutMS: 500},
		},
		RegisterMaps: map[string]string{
			"DAE_PM210": writeSampleRegisterMap(t),
		},
		Devices: []DeviceSpec{
			{Model: "DAE_PM210", SlaveID: 1, DeviceType: "meter", Port: "com1", RegisterMap: "DAE_PM210", Critical: true, ProbePins: []string{"kw"}},
			{Model: "DAE_PM210", SlaveID: 2, DeviceType: "meter", Port: "com1", RegisterMap: "DAE_PM210"},
		},
		VirtualDevices: []VirtualDeviceSpec{
			{
				Name: "total", Model: "VIRT_SUM", SlaveID: 1, DeviceType: "meter", SourceModel: "DAE_PM210",
				ErrorMode: "partial",
				Fields:    []VirtualFieldSpec{{Name: "kw", Agg: "sum", SourcePin: "kw"}},
			},
		},
	}
}

func TestBuildWiresDevicesBusesAndVirtualSpecs(t *testing.T) {
	top, err := Build(sampleDoc(t))
	require.NoError(t, err)
	require.Len(t, top.Devices, 2)
	require.Contains(t, top.Devices, "DAE_PM210_1")
	require.Contains(t, top.Devices, "DAE_PM210_2")
	require.Len(t, top.MonitorEntries, 2)
	require.Len(t, top.VirtualSpecs, 1)
	require.Equal(t, "total", top.VirtualSpecs[0].Name)
	require.Len(t, top.Buses, 2)
}

func TestBuildRejectsUnknownPort(t *testing.T) {
	doc := sampleDoc(t)
	doc.Devices[0].Port = "ghost"
	_, err := Build(doc)
	require.Error(t, err)
}

func TestBuildRejectsUnknownRegisterMap(t *testing.T) {
	doc := sampleDoc(t)
	doc.Devices[0].RegisterMap = "ghost"
	_, err := Build(doc)
	require.Error(t, err)
}

func TestBuildRejectsMalformedRegisterMapFile(t *testing.T) {
	doc := sampleDoc(t)
	badPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"pins": {"kw": {"offset": -1, "register_type": "holding"}}}`), 0o644))
	doc.RegisterMaps["DAE_PM210"] = badPath
	_, err := Build(doc)
	require.Error(t, err)
}
