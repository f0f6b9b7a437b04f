// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gwtype

// HealthState is the polling eligibility of one device as tracked by the
// backoff state machine.
type HealthState string

const (
	HealthOK          HealthState = "ok"
	HealthDegraded    HealthState = "degraded"
	HealthOffline     HealthState = "offline"
	HealthLongOffline HealthState = "long_offline"
)

// QuickCheckStrategy names how a health probe samples a device before
// committing a full poll slot to it.
type QuickCheckStrategy string

const (
	QuickCheckSingleRegister QuickCheckStrategy = "single_register"
	QuickCheckPartialBulk    QuickCheckStrategy = "partial_bulk"
	QuickCheckFullRead       QuickCheckStrategy = "full_read"
)
