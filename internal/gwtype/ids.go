// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gwtype

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceIDOf builds the canonical "<model>_<slave_id>" device identity.
func DeviceIDOf(model string, slaveID int) string {
	return fmt.Sprintf("%s_%d", model, slaveID)
}

// SplitDeviceID reverses DeviceIDOf, splitting on the last underscore so
// model names containing underscores (e.g. "TECO_VFD") still parse.
func SplitDeviceID(deviceID string) (model string, slaveID int, ok bool) {
	idx := strings.LastIndex(deviceID, "_")
	if idx < 0 || idx == len(deviceID)-1 {
		return "", 0, false
	}
	model = deviceID[:idx]
	n, err := strconv.Atoi(deviceID[idx+1:])
	if err != nil || model == "" {
		return "", 0, false
	}
	return model, n, true
}
