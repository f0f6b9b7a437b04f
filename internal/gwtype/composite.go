// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gwtype

// CompareOp is the comparison applied by a threshold or difference leaf.
type CompareOp string

const (
	OpGT      CompareOp = "gt"
	OpGTE     CompareOp = "gte"
	OpLT      CompareOp = "lt"
	OpLTE     CompareOp = "lte"
	OpEQ      CompareOp = "eq"
	OpNEQ     CompareOp = "neq"
	OpBetween CompareOp = "between"
)

// GroupKind names the boolean combinator of a composite group node.
type GroupKind string

const (
	GroupAll GroupKind = "all"
	GroupAny GroupKind = "any"
	GroupNot GroupKind = "not"
)

// LeafKind names the evaluation rule of a composite leaf node.
type LeafKind string

const (
	LeafThreshold   LeafKind = "threshold"
	LeafDifference  LeafKind = "difference"
	LeafAggregate   LeafKind = "aggregate"
	LeafTimeElapsed LeafKind = "time_elapsed"
)

// AggFn is the reduction used by an aggregate leaf.
type AggFn string

const (
	AggFnAvg AggFn = "avg"
	AggFnSum AggFn = "sum"
	AggFnMin AggFn = "min"
	AggFnMax AggFn = "max"
)
