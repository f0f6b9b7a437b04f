// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package control evaluates composite condition rules into write actions
// and arbitrates concurrent writes to the same target across priorities
// before executing them against a device.
package control

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/cc-edge/modbus-gateway/internal/composite"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// ValueTolerance is the maximum difference between a target's current value
// and the requested value still treated as "already at setpoint", so a
// write that would be a no-op is skipped.
const ValueTolerance = 0.0

// Policy names how a matched rule's value is derived.
type Policy string

const (
	PolicyDiscreteSetpoint Policy = "discrete_setpoint"
	PolicyAbsoluteLinear   Policy = "absolute_linear"
	PolicyIncrementalLinear Policy = "incremental_linear"
)

// Rule is one configured control rule: a composite condition gated by
// priority, resolving to a single action when it matches.
type Rule struct {
	Code     string
	Model    string
	SlaveID  int
	Priority int // smaller number wins arbitration
	Blocking bool

	Condition *composite.Node

	Action            gwtype.ControlActionType
	Target            string
	Policy            Policy
	Value             float64 // discrete_setpoint value
	Increment         float64 // incremental_linear step when Gain is unset
	BaseTemp          float64 // absolute_linear: observed value at which the output is BaseFreq
	BaseFreq          float64
	Gain              float64 // absolute_linear slope / incremental_linear step per evaluation
	EmergencyOverride bool
}

// Evaluator matches rules against snapshots and produces the ControlActions
// a blocked rule set would have the executor apply.
type Evaluator struct {
	rulesByDevice map[string][]Rule
	composite     *composite.Evaluator
	store         composite.ExecutionStore
}

// New constructs an Evaluator. store may be nil if no rule uses a
// time_elapsed composite leaf.
func New(rules []Rule, store composite.ExecutionStore) *Evaluator {
	byDevice := make(map[string][]Rule)
	for _, r := range rules {
		if r.Condition != nil {
			composite.AssignPaths(r.Condition)
		}
		id := gwtype.DeviceIDOf(r.Model, r.SlaveID)
		byDevice[id] = append(byDevice[id], r)
	}
	// Priority order, declaration order within equal priority.
	for _, list := range byDevice {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	}
	return &Evaluator{rulesByDevice: byDevice, composite: composite.New(), store: store}
}

// Evaluate matches every rule configured for snap.DeviceID in priority
// order (lowest number first) and returns the resolved actions. A
// Blocking rule that matches stops evaluation of any lower-priority rule
// for that device this tick.
func (e *Evaluator) Evaluate(snap gwtype.Snapshot) []gwtype.ControlAction {
	rules, ok := e.rulesByDevice[snap.DeviceID]
	if !ok {
		return nil
	}

	var actions []gwtype.ControlAction
	for _, r := range rules {
		if r.Condition == nil {
			continue
		}
		ctx := composite.EvalContext{
			RuleCode: r.Code,
			Model:    snap.Model,
			SlaveID:  snap.SlaveID,
			Values:   snap.Values,
			Now:      snap.SamplingTS,
		}
		if !e.composite.Evaluate(r.Condition, ctx, e.store) {
			continue
		}
		actions = append(actions, e.resolveAction(r, snap))
		if r.Blocking {
			break
		}
	}
	return actions
}

func (e *Evaluator) resolveAction(r Rule, snap gwtype.Snapshot) gwtype.ControlAction {
	reason := fmt.Sprintf("[%s]", r.Code)
	if r.EmergencyOverride {
		reason += " emergency_override"
	}
	action := gwtype.ControlAction{
		Model:             r.Model,
		SlaveID:           r.SlaveID,
		Type:              r.Action,
		Target:            r.Target,
		Priority:          r.Priority,
		Reason:            reason,
		EmergencyOverride: r.EmergencyOverride,
	}

	switch r.Policy {
	case PolicyIncrementalLinear:
		gain := r.Gain
		if gain == 0 {
			gain = r.Increment
		}
		delta := gain
		if observed, ok := observedValue(r.Condition, snap.Values); ok {
			delta = math.Copysign(gain, observed)
		}
		action.Value = delta
		action.HasValue = true
	case PolicyAbsoluteLinear:
		action.Value = r.Value
		if observed, ok := observedValue(r.Condition, snap.Values); ok && r.Gain != 0 {
			action.Value = r.BaseFreq + (observed-r.BaseTemp)*r.Gain
		}
		action.HasValue = true
	case PolicyDiscreteSetpoint:
		action.Value = r.Value
		action.HasValue = true
	}
	return action
}

// observedValue extracts the condition value a linear policy scales from:
// the first threshold leaf's source, or the first difference leaf's
// sources[0]-sources[1].
func observedValue(n *composite.Node, values map[string]float64) (float64, bool) {
	if n == nil {
		return 0, false
	}
	if n.Leaf != nil {
		l := n.Leaf
		switch l.Kind {
		case gwtype.LeafThreshold:
			if len(l.Sources) == 0 {
				return 0, false
			}
			v, ok := values[l.Sources[0]]
			if !ok || v == gwtype.Missing {
				return 0, false
			}
			return v, true
		case gwtype.LeafDifference:
			if len(l.Sources) != 2 {
				return 0, false
			}
			a, okA := values[l.Sources[0]]
			b, okB := values[l.Sources[1]]
			if !okA || !okB || a == gwtype.Missing || b == gwtype.Missing {
				return 0, false
			}
			return a - b, true
		default:
			return 0, false
		}
	}
	for _, c := range n.Group.Children {
		if v, ok := observedValue(c, values); ok {
			return v, true
		}
	}
	return 0, false
}

// ControlDevice is the capability surface Executor needs from a device.
// *device.Device satisfies it.
type ControlDevice interface {
	HasRegister(name string) bool
	IsWritable(name string) bool
	SupportsOnOff() bool
	Constraint(target string) (gwtype.ConstraintRange, bool)
	ReadValue(ctx context.Context, name string) (float64, bool)
	WriteValue(ctx context.Context, name string, value float64) error
	WriteOnOff(ctx context.Context, on bool) error
}

var ruleCodePattern = regexp.MustCompile(`\[([^\]]+)\]`)

func extractRuleCode(reason string) string {
	m := ruleCodePattern.FindStringSubmatch(reason)
	if m == nil {
		return ""
	}
	return m[1]
}

// writtenEntry records the priority and value that won arbitration for one
// target this tick.
type writtenEntry struct {
	priority int
	value    float64
	ruleCode string
}

// Executor applies resolved ControlActions to devices, arbitrating when
// multiple actions this tick target the same (device, register): the
// lowest Priority number wins, and a later action at the same or lower
// priority overwrites an earlier one only if its value actually differs.
type Executor struct {
	devices map[string]ControlDevice
	health  HealthChecker
}

// HealthChecker reports whether a device is currently eligible for writes.
type HealthChecker interface {
	IsHealthy(deviceID string) bool
}

// NewExecutor constructs an Executor bound to a fixed device set.
func NewExecutor(devices map[string]ControlDevice, health HealthChecker) *Executor {
	return &Executor{devices: devices, health: health}
}

// Execute applies every action in actions in order, arbitrating writes to
// the same target within this single call via an internal written_targets
// table that does not persist across calls.
func (ex *Executor) Execute(ctx context.Context, actions []gwtype.ControlAction) {
	written := make(map[string]writtenEntry)
	for _, a := range actions {
		ex.executeOne(ctx, a, written)
	}
}

func (ex *Executor) executeOne(ctx context.Context, a gwtype.ControlAction, written map[string]writtenEntry) {
	deviceID := a.DeviceID()
	if ex.health != nil && !ex.health.IsHealthy(deviceID) {
		log.Warnf("[EXEC] %s: skipping action, device unhealthy", deviceID)
		return
	}
	dev, ok := ex.devices[deviceID]
	if !ok {
		log.Warnf("[EXEC] %s: no device bound, skipping action", deviceID)
		return
	}

	switch a.Type {
	case gwtype.ActionTurnOn, gwtype.ActionTurnOff:
		ex.executeOnOff(ctx, dev, deviceID, a, written)
	case gwtype.ActionAdjustFrequency:
		ex.executeAdjust(ctx, dev, deviceID, a, written)
	default:
		ex.executeDefault(ctx, dev, deviceID, a, written)
	}
}

func (ex *Executor) executeOnOff(ctx context.Context, dev ControlDevice, deviceID string, a gwtype.ControlAction, written map[string]writtenEntry) {
	if !dev.SupportsOnOff() {
		log.Warnf("[EXEC] %s: does not support on/off, skipping %s", deviceID, a.Reason)
		return
	}
	wantOn := a.Type == gwtype.ActionTurnOn
	desired := 0.0
	if wantOn {
		desired = 1.0
	}
	key := deviceID + "/" + gwtype.RegisterRWOnOff
	if isProtected(written, key, a.Priority, desired, deviceID, gwtype.RegisterRWOnOff, a.Reason) {
		return
	}
	current, ok := dev.ReadValue(ctx, gwtype.RegisterRWOnOff)
	if ok && current == desired {
		written[key] = writtenEntry{priority: a.Priority, value: desired, ruleCode: extractRuleCode(a.Reason)}
		return
	}
	if err := dev.WriteOnOff(ctx, wantOn); err != nil {
		log.Errorf("[EXEC] %s: on/off write failed: %v", deviceID, err)
		return
	}
	written[key] = writtenEntry{priority: a.Priority, value: desired, ruleCode: extractRuleCode(a.Reason)}
	log.Infof("[EXEC] %s: set on/off=%v %s", deviceID, wantOn, a.Reason)
}

func (ex *Executor) executeAdjust(ctx context.Context, dev ControlDevice, deviceID string, a gwtype.ControlAction, written map[string]writtenEntry) {
	target := a.Target
	if target == "" {
		target = gwtype.DefaultTargetByAction[a.Type]
	}
	if !dev.HasRegister(target) || !dev.IsWritable(target) {
		log.Warnf("[EXEC] %s: target %q not writable, skipping %s", deviceID, target, a.Reason)
		return
	}
	current, ok := dev.ReadValue(ctx, target)
	if !ok {
		log.Warnf("[EXEC] %s: could not read current value of %q, skipping %s", deviceID, target, a.Reason)
		return
	}
	newValue := current + a.Value
	newValue = clamp(dev, target, newValue, a.EmergencyOverride)

	key := deviceID + "/" + target
	if isProtected(written, key, a.Priority, newValue, deviceID, target, a.Reason) {
		return
	}
	if isValueEqual(current, newValue) {
		written[key] = writtenEntry{priority: a.Priority, value: newValue, ruleCode: extractRuleCode(a.Reason)}
		return
	}
	if err := dev.WriteValue(ctx, target, newValue); err != nil {
		log.Errorf("[EXEC] %s: write %q=%v failed: %v", deviceID, target, newValue, err)
		return
	}
	written[key] = writtenEntry{priority: a.Priority, value: newValue, ruleCode: extractRuleCode(a.Reason)}
	log.Infof("[EXEC] %s: adjusted %q to %v %s", deviceID, target, newValue, a.Reason)
}

func (ex *Executor) executeDefault(ctx context.Context, dev ControlDevice, deviceID string, a gwtype.ControlAction, written map[string]writtenEntry) {
	target := a.Target
	if target == "" {
		target = gwtype.DefaultTargetByAction[a.Type]
	}
	if target == "" {
		log.Warnf("[EXEC] %s: action %s has no resolvable target, skipping", deviceID, a.Type)
		return
	}
	if !dev.HasRegister(target) || !dev.IsWritable(target) {
		log.Warnf("[EXEC] %s: target %q not writable, skipping %s", deviceID, target, a.Reason)
		return
	}
	if !a.HasValue {
		log.Warnf("[EXEC] %s: action %s carries no value, skipping", deviceID, a.Type)
		return
	}
	newValue := clamp(dev, target, a.Value, a.EmergencyOverride)

	key := deviceID + "/" + target
	if isProtected(written, key, a.Priority, newValue, deviceID, target, a.Reason) {
		return
	}
	current, ok := dev.ReadValue(ctx, target)
	if ok && isValueEqual(current, newValue) {
		written[key] = writtenEntry{priority: a.Priority, value: newValue, ruleCode: extractRuleCode(a.Reason)}
		return
	}
	if err := dev.WriteValue(ctx, target, newValue); err != nil {
		log.Errorf("[EXEC] %s: write %q=%v failed: %v", deviceID, target, newValue, err)
		return
	}
	written[key] = writtenEntry{priority: a.Priority, value: newValue, ruleCode: extractRuleCode(a.Reason)}
	log.Infof("[EXEC] %s: wrote %q=%v %s", deviceID, target, newValue, a.Reason)
}

func clamp(dev ControlDevice, target string, value float64, emergencyOverride bool) float64 {
	if emergencyOverride {
		return value
	}
	c, ok := dev.Constraint(target)
	if !ok {
		return value
	}
	if c.HasMin && value < c.Min {
		return c.Min
	}
	if c.HasMax && value > c.Max {
		return c.Max
	}
	return value
}

func isValueEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= ValueTolerance
}

// isProtected reports whether an existing arbitration winner for key has
// strictly better (smaller) priority than this action, in which case this
// write is skipped ("PROTECTED"). A same-or-lower priority entry with a
// different value is logged as an "OVERWRITE" and allowed to proceed.
func isProtected(written map[string]writtenEntry, key string, priority int, value float64, deviceID, target, reason string) bool {
	existing, ok := written[key]
	if !ok {
		return false
	}
	if existing.priority < priority {
		log.Infof("[EXEC] [PROTECTED] %s: %q already set by higher priority rule %s, skipping %s",
			deviceID, target, existing.ruleCode, reason)
		return true
	}
	if existing.value != value {
		log.Infof("[EXEC] [OVERWRITE] %s: %q previously set to %v by rule %s, overwriting with %v %s",
			deviceID, target, existing.value, existing.ruleCode, value, reason)
	}
	return false
}
