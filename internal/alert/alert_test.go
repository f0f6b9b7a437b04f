// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/composite"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

func snapAt(deviceID, model string, slave int, values map[string]float64, at time.Time) gwtype.Snapshot {
	return gwtype.Snapshot{
		DeviceID:   deviceID,
		Model:      model,
		SlaveID:    slave,
		SamplingTS: at,
		Values:     values,
		IsOnline:   true,
	}
}

func TestThresholdRuleTriggersOnceThenResolvesOnce(t *testing.T) {
	rules := []DeviceRules{{
		Model: "VFD", SlaveID: 1,
		Rules: []Rule{{
			Code: "HIGH_TEMP", Name: "high temperature", Severity: gwtype.SeverityWarning,
			Type: gwtype.AlertTypeThreshold, Sources: []string{"Temp"}, Mode: ValueSingle,
			Operator: gwtype.OpGT, Threshold: 80,
		}},
	}}
	ev := New(rules, nil, nil)
	base := time.Unix(1000, 0)

	events := ev.Evaluate(snapAt("VFD_1", "VFD", 1, map[string]float64{"Temp": 90}, base))
	require.Len(t, events, 1)
	require.Equal(t, gwtype.AlertStateTriggered, events[0].State)

	// Repeat evaluations in the same triggered state must not re-notify.
	events = ev.Evaluate(snapAt("VFD_1", "VFD", 1, map[string]float64{"Temp": 91}, base.Add(time.Second)))
	require.Empty(t, events)

	events = ev.Evaluate(snapAt("VFD_1", "VFD", 1, map[string]float64{"Temp": 70}, base.Add(2*time.Second)))
	require.Len(t, events, 1)
	require.Equal(t, gwtype.AlertStateResolved, events[0].State)

	events = ev.Evaluate(snapAt("VFD_1", "VFD", 1, map[string]float64{"Temp": 60}, base.Add(3*time.Second)))
	require.Empty(t, events)
}

func TestMissingSourceYieldsNoResult(t *testing.T) {
	rules := []DeviceRules{{
		Model: "VFD", SlaveID: 1,
		Rules: []Rule{{
			Code: "HIGH_TEMP", Type: gwtype.AlertTypeThreshold,
			Sources: []string{"Temp"}, Mode: ValueSingle, Operator: gwtype.OpGT, Threshold: 80,
		}},
	}}
	ev := New(rules, nil, nil)
	events := ev.Evaluate(snapAt("VFD_1", "VFD", 1, map[string]float64{}, time.Unix(0, 0)))
	require.Empty(t, events)
}

func TestAggregateRuleAveragesSources(t *testing.T) {
	rules := []DeviceRules{{
		Model: "PANEL", SlaveID: 2,
		Rules: []Rule{{
			Code: "AVG_LOW", Type: gwtype.AlertTypeThreshold,
			Sources: []string{"A", "B"}, Mode: ValueAverage, Operator: gwtype.OpLT, Threshold: 10,
		}},
	}}
	ev := New(rules, nil, nil)
	events := ev.Evaluate(snapAt("PANEL_2", "PANEL", 2, map[string]float64{"A": 4, "B": 4}, time.Unix(0, 0)))
	require.Len(t, events, 1)
	require.Equal(t, 4.0, events[0].Value)
}

func TestAggregateRuleSkipsOnPartiallyMissingSources(t *testing.T) {
	rules := []DeviceRules{{
		Model: "PANEL", SlaveID: 2,
		Rules: []Rule{{
			Code: "AVG_LOW", Type: gwtype.AlertTypeThreshold,
			Sources: []string{"A", "B", "C"}, Mode: ValueAverage, Operator: gwtype.OpLT, Threshold: 10,
		}},
	}}
	ev := New(rules, nil, nil)
	// C failed to read this tick: the rule must not average over just A and B.
	snap := snapAt("PANEL_2", "PANEL", 2, map[string]float64{"A": 4, "B": 4, "C": gwtype.Missing}, time.Unix(0, 0))
	events := ev.Evaluate(snap)
	require.Empty(t, events)
}

type fakeSchedule struct{ allowed bool }

func (f fakeSchedule) AllowedToRun(ruleCode string, now time.Time) bool { return f.allowed }

func TestScheduleExpectedStateFlagsMismatchOutsideWindow(t *testing.T) {
	rules := []DeviceRules{{
		Model: "PUMP", SlaveID: 3,
		Rules: []Rule{{
			Code: "SHOULD_RUN", Type: gwtype.AlertTypeScheduleExpected,
			StateSource: "Running", ExpectedState: true,
		}},
	}}
	ev := New(rules, nil, fakeSchedule{allowed: false})
	events := ev.Evaluate(snapAt("PUMP_3", "PUMP", 3, map[string]float64{"Running": 0}, time.Unix(0, 0)))
	require.Len(t, events, 1)
	require.Equal(t, gwtype.AlertStateTriggered, events[0].State)
}

func TestScheduleExpectedStateSkipsInsideWindow(t *testing.T) {
	rules := []DeviceRules{{
		Model: "PUMP", SlaveID: 3,
		Rules: []Rule{{
			Code: "SHOULD_RUN", Type: gwtype.AlertTypeScheduleExpected,
			StateSource: "Running", ExpectedState: true,
		}},
	}}
	ev := New(rules, nil, fakeSchedule{allowed: true})
	events := ev.Evaluate(snapAt("PUMP_3", "PUMP", 3, map[string]float64{"Running": 0}, time.Unix(0, 0)))
	require.Empty(t, events)
}

func TestCompositeRuleUsesSharedEvaluator(t *testing.T) {
	leaf := &composite.Node{Leaf: &composite.LeafNode{
		Kind: gwtype.LeafThreshold, Sources: []string{"Temp"}, Op: gwtype.OpGT, Threshold: 50,
	}}
	rules := []DeviceRules{{
		Model: "VFD", SlaveID: 9,
		Rules: []Rule{{Code: "COMPOSITE_HOT", Type: gwtype.AlertTypeComposite, Composite: leaf}},
	}}
	ev := New(rules, nil, nil)
	events := ev.Evaluate(snapAt("VFD_9", "VFD", 9, map[string]float64{"Temp": 60}, time.Unix(0, 0)))
	require.Len(t, events, 1)
	require.Equal(t, gwtype.AlertStateTriggered, events[0].State)
}

func TestUnknownDeviceHasNoRules(t *testing.T) {
	ev := New(nil, nil, nil)
	events := ev.Evaluate(snapAt("GHOST_1", "GHOST", 1, map[string]float64{}, time.Unix(0, 0)))
	require.Empty(t, events)
}

func TestStateManagerSuppressesRepeats(t *testing.T) {
	sm := NewStateManager()

	state, changed := sm.Transition("D1", "C1", true)
	require.True(t, changed)
	require.Equal(t, gwtype.AlertStateTriggered, state)

	_, changed = sm.Transition("D1", "C1", true)
	require.False(t, changed)

	state, changed = sm.Transition("D1", "C1", false)
	require.True(t, changed)
	require.Equal(t, gwtype.AlertStateResolved, state)

	_, changed = sm.Transition("D1", "C1", false)
	require.False(t, changed)
}

func TestStateManagerFirstObservationFalseDoesNotResolve(t *testing.T) {
	sm := NewStateManager()
	_, changed := sm.Transition("D1", "C1", false)
	require.False(t, changed)
}
