// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package alert evaluates per-device alert rules against published
// snapshots and turns raw condition results into edge-triggered
// TRIGGERED/RESOLVED notifications.
package alert

import (
	"time"

	"github.com/cc-edge/modbus-gateway/internal/composite"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// ValueMode names how a threshold/aggregate rule reduces its sources to one
// comparable value.
type ValueMode string

const (
	ValueSingle  ValueMode = "single"
	ValueAverage ValueMode = "average"
	ValueSum     ValueMode = "sum"
	ValueMin     ValueMode = "min"
	ValueMax     ValueMode = "max"
)

// ScheduleChecker resolves whether a device is currently within its
// configured "allowed to run" window. The concrete implementation (a time
// control evaluator) is out of scope for this package; alert only depends
// on the narrow capability it needs.
type ScheduleChecker interface {
	AllowedToRun(ruleCode string, now time.Time) bool
}

// Rule is one configured alert condition for a device instance.
type Rule struct {
	Code     string
	Name     string
	Severity gwtype.AlertSeverity
	Type     gwtype.AlertRuleType

	// threshold/aggregate fields
	Sources   []string
	Mode      ValueMode
	Operator  gwtype.CompareOp
	Threshold float64
	Min, Max  float64

	// schedule_expected_state fields
	ExpectedState bool
	StateSource   string

	// composite fields
	Composite *composite.Node
}

// Model, SlaveID identify the device a rule set belongs to.
type DeviceRules struct {
	Model   string
	SlaveID int
	Rules   []Rule
}

type stateKey struct {
	deviceID string
	code     string
}

// StateManager tracks the last known TRIGGERED/RESOLVED state per
// (device, code) pair so repeated evaluations in the same state don't
// re-notify, and only rising/falling edges produce an event.
type StateManager struct {
	last map[stateKey]bool // true = currently triggered
}

// NewStateManager constructs an empty StateManager.
func NewStateManager() *StateManager {
	return &StateManager{last: make(map[stateKey]bool)}
}

// Transition records a rule's raw evaluation result and returns the
// notification state to emit, or ("", false) if this evaluation is a
// repeat of the already-known state and should be suppressed.
func (s *StateManager) Transition(deviceID, code string, triggered bool) (gwtype.AlertNotificationState, bool) {
	key := stateKey{deviceID, code}
	wasTriggered, known := s.last[key]
	s.last[key] = triggered

	if known && wasTriggered == triggered {
		return "", false
	}
	if triggered {
		return gwtype.AlertStateTriggered, true
	}
	if known {
		return gwtype.AlertStateResolved, true
	}
	// First observation and it's already false: nothing to resolve yet.
	return "", false
}

// Evaluator evaluates every configured rule for a device against its latest
// snapshot and produces AlertEvents for rules that transitioned state.
type Evaluator struct {
	rulesByDevice map[string][]Rule
	state         *StateManager
	composite     *composite.Evaluator
	store         composite.ExecutionStore
	schedule      ScheduleChecker
}

// New constructs an Evaluator. store may be nil if no configured rule uses
// a time_elapsed composite leaf. schedule may be nil if no rule uses
// schedule_expected_state (such a rule is then always skipped).
func New(deviceRules []DeviceRules, store composite.ExecutionStore, schedule ScheduleChecker) *Evaluator {
	byDevice := make(map[string][]Rule, len(deviceRules))
	for _, dr := range deviceRules {
		id := gwtype.DeviceIDOf(dr.Model, dr.SlaveID)
		for _, r := range dr.Rules {
			if r.Composite != nil {
				composite.AssignPaths(r.Composite)
			}
		}
		byDevice[id] = dr.Rules
	}
	return &Evaluator{
		rulesByDevice: byDevice,
		state:         NewStateManager(),
		composite:     composite.New(),
		store:         store,
		schedule:      schedule,
	}
}

// Evaluate runs every rule configured for snap.DeviceID and returns the
// AlertEvents for rules whose notification state changed this tick.
func (e *Evaluator) Evaluate(snap gwtype.Snapshot) []gwtype.AlertEvent {
	rules, ok := e.rulesByDevice[snap.DeviceID]
	if !ok || len(rules) == 0 {
		return nil
	}

	var events []gwtype.AlertEvent
	for _, r := range rules {
		triggered, value, hasValue, ok := e.evaluateRule(r, snap)
		if !ok {
			// Missing source data: no result, never a false positive.
			continue
		}
		state, changed := e.state.Transition(snap.DeviceID, r.Code, triggered)
		if !changed {
			continue
		}
		events = append(events, gwtype.AlertEvent{
			Code:       r.Code,
			Name:       r.Name,
			Severity:   r.Severity,
			DeviceID:   snap.DeviceID,
			Model:      snap.Model,
			SlaveID:    snap.SlaveID,
			State:      state,
			Value:      value,
			HasValue:   hasValue,
			OccurredAt: snap.SamplingTS,
		})
	}
	return events
}

func (e *Evaluator) evaluateRule(r Rule, snap gwtype.Snapshot) (triggered bool, value float64, hasValue bool, ok bool) {
	switch r.Type {
	case gwtype.AlertTypeComposite:
		if r.Composite == nil {
			return false, 0, false, false
		}
		ctx := composite.EvalContext{
			RuleCode: r.Code,
			Model:    snap.Model,
			SlaveID:  snap.SlaveID,
			Values:   snap.Values,
			Now:      snap.SamplingTS,
		}
		return e.composite.Evaluate(r.Composite, ctx, e.store), 0, false, true

	case gwtype.AlertTypeScheduleExpected:
		return e.evaluateScheduleExpected(r, snap)

	default: // threshold / aggregate
		v, okV := reduceValue(r, snap.Values)
		if !okV {
			return false, 0, false, false
		}
		return compareRule(r, v), v, true, true
	}
}

func (e *Evaluator) evaluateScheduleExpected(r Rule, snap gwtype.Snapshot) (bool, float64, bool, bool) {
	if e.schedule == nil {
		log.Warnf("[ALERT] %s: rule %s needs a schedule checker, none configured; skipping", snap.DeviceID, r.Code)
		return false, 0, false, false
	}
	observed, ok := snap.Value(r.StateSource)
	if !ok {
		return false, 0, false, false
	}
	if e.schedule.AllowedToRun(r.Code, snap.SamplingTS) {
		// Inside the allowed-to-run window: never flags a mismatch.
		return false, observed, true, true
	}
	expected := 0.0
	if r.ExpectedState {
		expected = 1.0
	}
	return observed != expected, observed, true, true
}

// reduceValue collapses a rule's sources to one comparable value. Any
// configured source absent from the snapshot makes the whole rule
// unevaluable for this tick; it never reduces over a partial source set
// (an AVERAGE with a wrong denominator is worse than no result).
func reduceValue(r Rule, values map[string]float64) (float64, bool) {
	vals := make([]float64, 0, len(r.Sources))
	for _, s := range r.Sources {
		v, ok := values[s]
		if !ok || v == gwtype.Missing {
			log.Warnf("[ALERT] rule %s: source %q missing from snapshot, skipping evaluation", r.Code, s)
			return 0, false
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return 0, false
	}
	switch r.Mode {
	case ValueSum:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum, true
	case ValueMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case ValueMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	case ValueAverage:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals)), true
	default: // single
		return vals[0], true
	}
}

func compareRule(r Rule, v float64) bool {
	switch r.Operator {
	case gwtype.OpGT:
		return v > r.Threshold
	case gwtype.OpGTE:
		return v >= r.Threshold
	case gwtype.OpLT:
		return v < r.Threshold
	case gwtype.OpLTE:
		return v <= r.Threshold
	case gwtype.OpEQ:
		return v == r.Threshold
	case gwtype.OpNEQ:
		return v != r.Threshold
	case gwtype.OpBetween:
		return v >= r.Min && v <= r.Max
	default:
		return false
	}
}
