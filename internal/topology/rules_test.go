// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

func TestParseNodeBuildsGroupAndLeaf(t *testing.T) {
	hys := 2.0
	spec := NodeSpec{Group: &GroupSpec{
		Kind: gwtype.GroupAll,
		Children: []NodeSpec{
			{Leaf: &LeafSpec{Kind: gwtype.LeafThreshold, Sources: []string{"kw"}, Op: gwtype.OpGT, Threshold: 10, Hysteresis: &hys}},
			{Leaf: &LeafSpec{Kind: gwtype.LeafThreshold, Sources: []string{"kva"}, Op: gwtype.OpLT, Threshold: 5}},
		},
	}}
	node, err := ParseNode(spec)
	require.NoError(t, err)
	require.NotNil(t, node.Group)
	require.Len(t, node.Group.Children, 2)
	require.True(t, node.Group.Children[0].Leaf.HasHysteresis)
	require.Equal(t, 2.0, node.Group.Children[0].Leaf.Hysteresis)
}

func TestParseNodeNormalizesNamedAggregateKinds(t *testing.T) {
	spec := NodeSpec{Leaf: &LeafSpec{Kind: "average", Sources: []string{"a", "b"}, Op: gwtype.OpGT, Threshold: 10}}
	node, err := ParseNode(spec)
	require.NoError(t, err)
	require.Equal(t, gwtype.LeafAggregate, node.Leaf.Kind)
	require.Equal(t, gwtype.AggFnAvg, node.Leaf.AggFn)

	spec = NodeSpec{Leaf: &LeafSpec{Kind: "max", Sources: []string{"a", "b"}, Op: gwtype.OpLT, Threshold: 3}}
	node, err = ParseNode(spec)
	require.NoError(t, err)
	require.Equal(t, gwtype.LeafAggregate, node.Leaf.Kind)
	require.Equal(t, gwtype.AggFnMax, node.Leaf.AggFn)
}

func TestParseNodeRejectsBothGroupAndLeaf(t *testing.T) {
	spec := NodeSpec{Group: &GroupSpec{Kind: gwtype.GroupAll}, Leaf: &LeafSpec{Kind: gwtype.LeafThreshold}}
	_, err := ParseNode(spec)
	require.Error(t, err)
}

func TestBuildAlertRulesWithCompositeCondition(t *testing.T) {
	specs := []AlertDeviceRulesSpec{
		{
			Model: "DAE_PM210", SlaveID: 1,
			Rules: []AlertRuleSpec{
				{
					Code: "OVERLOAD", Name: "overload", Severity: gwtype.SeverityWarning, Type: gwtype.AlertTypeComposite,
					Composite: &NodeSpec{Leaf: &LeafSpec{Kind: gwtype.LeafThreshold, Sources: []string{"kw"}, Op: gwtype.OpGT, Threshold: 100}},
				},
			},
		},
	}
	rules, err := BuildAlertRules(specs)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Rules, 1)
	require.NotNil(t, rules[0].Rules[0].Composite)
}

func TestBuildControlRulesWithCondition(t *testing.T) {
	specs := []ControlRuleSpec{
		{
			Code: "SHED", Model: "DAE_PM210", SlaveID: 1, Priority: 1,
			Condition: NodeSpec{Leaf: &LeafSpec{Kind: gwtype.LeafThreshold, Sources: []string{"kw"}, Op: gwtype.OpGT, Threshold: 100}},
			Action:    gwtype.ActionTurnOff,
		},
	}
	rules, err := BuildControlRules(specs)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].Condition)
}
