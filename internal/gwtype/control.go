// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gwtype

// ControlActionType enumerates the write operations the executor can apply.
type ControlActionType string

const (
	ActionSetFrequency    ControlActionType = "set_frequency"
	ActionAdjustFrequency ControlActionType = "adjust_frequency"
	ActionWriteDO         ControlActionType = "write_do"
	ActionReset           ControlActionType = "reset"
	ActionTurnOn          ControlActionType = "turn_on"
	ActionTurnOff         ControlActionType = "turn_off"
)

// DefaultTargetByAction mirrors the reference implementation's fallback
// target register when a rule's action does not name one explicitly.
var DefaultTargetByAction = map[ControlActionType]string{
	ActionSetFrequency:    "RW_HZ",
	ActionAdjustFrequency: "RW_HZ",
	ActionWriteDO:         "RW_DO",
	ActionReset:           "RW_RESET",
}

// RegisterRWOnOff is the well-known on/off coil name used by TURN_ON/TURN_OFF.
const RegisterRWOnOff = "RW_ON_OFF"

// ConstraintRange clamps a writable target to [Min, Max] unless an action
// carries EmergencyOverride.
type ConstraintRange struct {
	Min, Max       float64
	HasMin, HasMax bool
}

// ControlAction is one resolved write the executor should attempt.
type ControlAction struct {
	Model            string
	SlaveID          int
	Type             ControlActionType
	Target           string
	Value            float64
	HasValue         bool
	Priority         int
	Reason           string
	EmergencyOverride bool
}

// DeviceID returns the "<model>_<slave_id>" identity used throughout the
// gateway to key health state, register maps, and arbitration targets.
func (a ControlAction) DeviceID() string {
	return DeviceIDOf(a.Model, a.SlaveID)
}
