// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import "time"

var epoch = time.Unix(0, 0).UTC()

// nextAligned returns the smallest instant strictly after "after" that
// falls on an anchorOffsetSec-shifted grid of intervalSec-wide ticks. Both
// the periodic sender and the resend worker use this to keep every
// gateway's send cycle phase-locked to the same wall-clock grid instead of
// drifting relative to process start time.
func nextAligned(after time.Time, intervalSec, anchorOffsetSec float64) time.Time {
	if intervalSec <= 0 {
		intervalSec = 1
	}
	elapsed := after.UTC().Sub(epoch).Seconds()
	cycle := int64((elapsed - anchorOffsetSec) / intervalSec)
	next := epoch.Add(time.Duration((float64(cycle+1)*intervalSec + anchorOffsetSec) * float64(time.Second)))
	for !next.After(after) {
		next = next.Add(time.Duration(intervalSec * float64(time.Second)))
	}
	return next
}

// windowStart floors t onto the start of its intervalSec-wide, anchor-
// shifted tumbling window.
func windowStart(t time.Time, intervalSec, anchorOffsetSec float64) time.Time {
	if intervalSec <= 0 {
		intervalSec = 1
	}
	elapsed := t.UTC().Sub(epoch).Seconds() - anchorOffsetSec
	windows := int64(elapsed / intervalSec)
	if elapsed < 0 && float64(windows)*intervalSec != elapsed {
		windows--
	}
	return epoch.Add(time.Duration((float64(windows)*intervalSec + anchorOffsetSec) * float64(time.Second)))
}

const defaultGatewayID = "99999999999"

// ResolveGatewayID mirrors the reference deployment's precedence: a real
// 11-character hostname wins outright, the placeholder default hostname
// falls back to the configured id, and any other hostname length always
// uses the configured id.
func ResolveGatewayID(hostname, configuredID string) string {
	if len(hostname) == 11 {
		if hostname == defaultGatewayID {
			return truncate11(configuredID)
		}
		return hostname
	}
	return truncate11(configuredID)
}

func truncate11(id string) string {
	if len(id) > 11 {
		return id[:11]
	}
	return id
}
