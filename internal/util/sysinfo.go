// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package util

import (
	"os"
	"strconv"
	"strings"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// CPUTemperatureC reads the SoC temperature the kernel exposes in
// millidegrees. Returns 0 on platforms without a thermal zone.
func CPUTemperatureC() float64 {
	raw, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000.0
}

// BumpRebootCount increments the persistent reboot counter at path and
// returns the new value. Called once at startup so the cloud heartbeat can
// report how often this gateway has restarted.
func BumpRebootCount(path string) int {
	count := 0
	if raw, err := os.ReadFile(path); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			count = n
		}
	}
	count++
	if err := os.WriteFile(path, []byte(strconv.Itoa(count)), 0o644); err != nil {
		log.Warnf("[UTIL] persisting reboot count to %s failed: %v", path, err)
	}
	return count
}
