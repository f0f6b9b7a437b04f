// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cc-edge/modbus-gateway/internal/alert"
	"github.com/cc-edge/modbus-gateway/internal/composite"
	"github.com/cc-edge/modbus-gateway/internal/control"
	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

// NodeSpec is the JSON shape of one composite.Node: exactly one of Group or
// Leaf must be set, mirroring the tagged union it decodes into.
type NodeSpec struct {
	Group *GroupSpec `json:"group,omitempty"`
	Leaf  *LeafSpec  `json:"leaf,omitempty"`
}

// GroupSpec mirrors composite.GroupNode.
type GroupSpec struct {
	Kind     gwtype.GroupKind `json:"kind"`
	Children []NodeSpec       `json:"children"`
}

// LeafSpec mirrors composite.LeafNode.
type LeafSpec struct {
	Kind          gwtype.LeafKind  `json:"kind"`
	Sources       []string         `json:"sources,omitempty"`
	Op            gwtype.CompareOp `json:"op,omitempty"`
	Threshold     float64          `json:"threshold,omitempty"`
	Min           float64          `json:"min,omitempty"`
	Max           float64          `json:"max,omitempty"`
	Abs           bool             `json:"abs,omitempty"`
	AggFn         gwtype.AggFn     `json:"agg_fn,omitempty"`
	Hysteresis    *float64         `json:"hysteresis,omitempty"`
	DebounceSec   *float64         `json:"debounce_sec,omitempty"`
	IntervalHours float64          `json:"interval_hours,omitempty"`
}

// ParseNode recursively builds a composite.Node tree from its JSON shape,
// then assigns structural paths so leaf hysteresis/debounce state keys are
// stable across rebuilding the same tree from the same definition.
func ParseNode(spec NodeSpec) (*composite.Node, error) {
	n, err := parseNode(spec)
	if err != nil {
		return nil, err
	}
	if err := composite.Validate(n); err != nil {
		return nil, err
	}
	composite.AssignPaths(n)
	return n, nil
}

func parseNode(spec NodeSpec) (*composite.Node, error) {
	switch {
	case spec.Group != nil && spec.Leaf != nil:
		return nil, fmt.Errorf("topology: node carries both group and leaf")
	case spec.Group != nil:
		children := make([]*composite.Node, 0, len(spec.Group.Children))
		for _, c := range spec.Group.Children {
			child, err := parseNode(c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &composite.Node{Group: &composite.GroupNode{Kind: spec.Group.Kind, Children: children}}, nil
	case spec.Leaf != nil:
		l := spec.Leaf
		kind, aggFn := l.Kind, l.AggFn
		// "average"/"sum"/"min"/"max" are accepted as leaf kinds directly,
		// matching how rule files in the field spell them; they normalize to
		// one aggregate leaf parameterized by its reduction.
		switch l.Kind {
		case "average", "avg":
			kind, aggFn = gwtype.LeafAggregate, gwtype.AggFnAvg
		case "sum":
			kind, aggFn = gwtype.LeafAggregate, gwtype.AggFnSum
		case "min":
			kind, aggFn = gwtype.LeafAggregate, gwtype.AggFnMin
		case "max":
			kind, aggFn = gwtype.LeafAggregate, gwtype.AggFnMax
		}
		leaf := &composite.LeafNode{
			Kind: kind, Sources: l.Sources, Op: l.Op, Threshold: l.Threshold,
			Min: l.Min, Max: l.Max, Abs: l.Abs, AggFn: aggFn, IntervalHours: l.IntervalHours,
		}
		if l.Hysteresis != nil {
			leaf.HasHysteresis, leaf.Hysteresis = true, *l.Hysteresis
		}
		if l.DebounceSec != nil {
			leaf.HasDebounce, leaf.DebounceSec = true, *l.DebounceSec
		}
		return &composite.Node{Leaf: leaf}, nil
	default:
		return nil, fmt.Errorf("topology: node carries neither group nor leaf")
	}
}

// AlertRuleSpec mirrors alert.Rule.
type AlertRuleSpec struct {
	Code          string                `json:"code"`
	Name          string                `json:"name"`
	Severity      gwtype.AlertSeverity  `json:"severity"`
	Type          gwtype.AlertRuleType  `json:"type"`
	Sources       []string              `json:"sources,omitempty"`
	Mode          alert.ValueMode       `json:"mode,omitempty"`
	Operator      gwtype.CompareOp      `json:"operator,omitempty"`
	Threshold     float64               `json:"threshold,omitempty"`
	Min           float64               `json:"min,omitempty"`
	Max           float64               `json:"max,omitempty"`
	ExpectedState bool                  `json:"expected_state,omitempty"`
	StateSource   string                `json:"state_source,omitempty"`
	Composite     *NodeSpec             `json:"composite,omitempty"`
}

// AlertDeviceRulesSpec mirrors alert.DeviceRules.
type AlertDeviceRulesSpec struct {
	Model   string          `json:"model"`
	SlaveID int             `json:"slave_id"`
	Rules   []AlertRuleSpec `json:"rules"`
}

// BuildAlertRules decodes a set of per-device alert rule specs into
// alert.DeviceRules, parsing any composite condition trees along the way.
func BuildAlertRules(specs []AlertDeviceRulesSpec) ([]alert.DeviceRules, error) {
	out := make([]alert.DeviceRules, 0, len(specs))
	for _, ds := range specs {
		rules := make([]alert.Rule, 0, len(ds.Rules))
		for _, rs := range ds.Rules {
			r := alert.Rule{
				Code: rs.Code, Name: rs.Name, Severity: rs.Severity, Type: rs.Type,
				Sources: rs.Sources, Mode: rs.Mode, Operator: rs.Operator,
				Threshold: rs.Threshold, Min: rs.Min, Max: rs.Max,
				ExpectedState: rs.ExpectedState, StateSource: rs.StateSource,
			}
			if rs.Composite != nil {
				node, err := ParseNode(*rs.Composite)
				if err != nil {
					return nil, fmt.Errorf("topology: alert rule %s: %w", rs.Code, err)
				}
				r.Composite = node
			}
			rules = append(rules, r)
		}
		out = append(out, alert.DeviceRules{Model: ds.Model, SlaveID: ds.SlaveID, Rules: rules})
	}
	return out, nil
}

// ControlRuleSpec mirrors control.Rule.
type ControlRuleSpec struct {
	Code              string                   `json:"code"`
	Model             string                   `json:"model"`
	SlaveID           int                      `json:"slave_id"`
	Priority          int                      `json:"priority"`
	Blocking          bool                     `json:"blocking,omitempty"`
	Condition         NodeSpec                 `json:"condition"`
	Action            gwtype.ControlActionType `json:"action"`
	Target            string                   `json:"target,omitempty"`
	Policy            control.Policy           `json:"policy"`
	Value             float64                  `json:"value,omitempty"`
	Increment         float64                  `json:"increment,omitempty"`
	BaseTemp          float64                  `json:"base_temp,omitempty"`
	BaseFreq          float64                  `json:"base_freq,omitempty"`
	Gain              float64                  `json:"gain,omitempty"`
	EmergencyOverride bool                     `json:"emergency_override,omitempty"`
}

// BuildControlRules decodes a set of control rule specs into control.Rule,
// parsing each rule's composite condition tree.
func BuildControlRules(specs []ControlRuleSpec) ([]control.Rule, error) {
	out := make([]control.Rule, 0, len(specs))
	for _, rs := range specs {
		cond, err := ParseNode(rs.Condition)
		if err != nil {
			return nil, fmt.Errorf("topology: control rule %s: %w", rs.Code, err)
		}
		out = append(out, control.Rule{
			Code: rs.Code, Model: rs.Model, SlaveID: rs.SlaveID, Priority: rs.Priority, Blocking: rs.Blocking,
			Condition: cond, Action: rs.Action, Target: rs.Target, Policy: rs.Policy,
			Value: rs.Value, Increment: rs.Increment,
			BaseTemp: rs.BaseTemp, BaseFreq: rs.BaseFreq, Gain: rs.Gain,
			EmergencyOverride: rs.EmergencyOverride,
		})
	}
	return out, nil
}

// RuleDocument is the full decoded shape of the alert/control rule file.
type RuleDocument struct {
	AlertRules   []AlertDeviceRulesSpec `json:"alert_rules,omitempty"`
	ControlRules []ControlRuleSpec      `json:"control_rules,omitempty"`
}

// LoadRules reads and decodes a rule document from path.
func LoadRules(path string) (RuleDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleDocument{}, err
	}
	var doc RuleDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return RuleDocument{}, fmt.Errorf("topology: decode %s: %w", path, err)
	}
	return doc, nil
}
