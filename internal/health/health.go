// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health tracks per-device polling eligibility with an exponential
// backoff so a device that has gone silent doesn't consume a poll slot on
// every tick of the monitor loop.
package health

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Params configures the backoff curve. Critical devices never back off
// exponentially: they retry at a flat interval, the last full bus sweep time
// reported through SetCriticalBase, or BaseInterval until one is reported,
// since their absence from a poll needs to surface immediately rather than
// widening into minutes.
type Params struct {
	BaseInterval          time.Duration
	MaxInterval           time.Duration
	BackoffFactor         float64 // growth per consecutive failure; <=1 disables exponential growth
	JitterFraction        float64 // 0..1, applied as +/- a fraction of the computed interval
	FailureThreshold      int     // consecutive failures before a device is marked unhealthy
	LongOfflineThreshold  time.Duration
	LongOfflineFailureCap int // failures stop counting toward backoff growth past this point once long_offline
}

// DefaultParams mirrors the reference device health manager's defaults.
func DefaultParams() Params {
	return Params{
		BaseInterval:          2 * time.Second,
		MaxInterval:           5 * time.Minute,
		BackoffFactor:         2,
		JitterFraction:        0.1,
		FailureThreshold:      1,
		LongOfflineThreshold:  time.Hour,
		LongOfflineFailureCap: 5,
	}
}

type deviceState struct {
	critical          bool
	consecutiveFailures int
	firstFailureAt    time.Time
	nextAllowed       time.Time
	state             gwtype.HealthState
}

// Manager tracks should_poll/mark_success/mark_failure state for every
// device it has seen, keyed by device ID.
type Manager struct {
	mu           sync.Mutex
	params       Params
	rng          *rand.Rand
	states       map[string]*deviceState
	criticalBase time.Duration
}

// New constructs a Manager. seed lets tests get a deterministic jitter
// sequence; production callers should pass a time-derived seed.
func New(params Params, seed int64) *Manager {
	return &Manager{
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*deviceState),
	}
}

// Register marks a device as critical or not. Devices default to
// non-critical if never registered.
func (m *Manager) Register(deviceID string, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[deviceID] = &deviceState{critical: critical, state: gwtype.HealthOK}
}

func (m *Manager) stateFor(deviceID string) *deviceState {
	s, ok := m.states[deviceID]
	if !ok {
		s = &deviceState{state: gwtype.HealthOK}
		m.states[deviceID] = s
	}
	return s
}

// ShouldPoll reports whether now has reached the device's next allowed
// attempt time.
func (m *Manager) ShouldPoll(deviceID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(deviceID)
	return !now.Before(s.nextAllowed)
}

// MarkSuccess clears backoff state and makes the device immediately
// eligible again.
func (m *Manager) MarkSuccess(deviceID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(deviceID)
	s.consecutiveFailures = 0
	s.firstFailureAt = time.Time{}
	s.nextAllowed = now
	s.state = gwtype.HealthOK
}

// MarkFailure records a failed poll attempt and recomputes the device's
// next allowed attempt time using exponential backoff.
//
// The exponent is computed via logs rather than repeated doubling so an
// unbounded failure streak can never overflow the backoff duration: once
// the theoretical doubled interval would already exceed MaxInterval, the
// exponent is clamped instead of being allowed to grow without bound.
func (m *Manager) MarkFailure(deviceID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(deviceID)

	s.consecutiveFailures++
	if s.firstFailureAt.IsZero() {
		s.firstFailureAt = now
	}

	threshold := m.params.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if s.consecutiveFailures < threshold {
		// Not enough failures yet to take the device out of rotation.
		s.nextAllowed = now
		return
	}

	if m.params.LongOfflineThreshold > 0 && s.state != gwtype.HealthLongOffline &&
		now.Sub(s.firstFailureAt) >= m.params.LongOfflineThreshold {
		s.state = gwtype.HealthLongOffline
		// Freeze the backoff growth: don't let a device that has been
		// offline for a long time keep climbing toward ever-longer
		// intervals, and restart the long-offline clock so repeated
		// long-offline transitions don't compound.
		if s.consecutiveFailures > m.params.LongOfflineFailureCap {
			s.consecutiveFailures = m.params.LongOfflineFailureCap
		}
		s.firstFailureAt = now
	} else if s.state == gwtype.HealthOK {
		s.state = gwtype.HealthDegraded
	}
	if s.state == gwtype.HealthLongOffline && s.consecutiveFailures > m.params.LongOfflineFailureCap {
		s.consecutiveFailures = m.params.LongOfflineFailureCap
	}

	interval := m.backoffInterval(s)
	jitter := m.jitter(interval)
	s.nextAllowed = now.Add(interval + jitter)
}

func (m *Manager) backoffInterval(s *deviceState) time.Duration {
	base := m.params.BaseInterval
	if base <= 0 {
		base = time.Second
	}
	maxInt := m.params.MaxInterval
	if maxInt <= 0 {
		maxInt = base
	}

	if s.critical {
		// Critical devices retry at a flat cadence sized to one full bus
		// sweep, so recovery probes don't pile onto a port the monitor is
		// still working through.
		if m.criticalBase > 0 {
			return m.criticalBase
		}
		return base
	}

	factor := m.params.BackoffFactor
	if factor <= 1 {
		return base
	}

	// exponent such that base*factor^exponent <= maxInterval; clamp in log
	// space so large consecutiveFailures values never compute factor^n
	// directly.
	maxExponent := math.Log(float64(maxInt)/float64(base)) / math.Log(factor)
	if maxExponent < 0 {
		maxExponent = 0
	}
	exponent := float64(s.consecutiveFailures - 1)
	if exponent < 0 {
		exponent = 0
	}
	if exponent > maxExponent {
		exponent = maxExponent
	}
	scaled := float64(base) * math.Pow(factor, exponent)
	if scaled > float64(maxInt) {
		scaled = float64(maxInt)
	}
	return time.Duration(scaled)
}

// SetCriticalBase updates the flat retry interval used for critical
// devices. The monitor calls this with each tick's measured bus sweep
// time.
func (m *Manager) SetCriticalBase(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticalBase = d
}

func (m *Manager) jitter(interval time.Duration) time.Duration {
	if m.params.JitterFraction <= 0 {
		return 0
	}
	span := float64(interval) * m.params.JitterFraction
	return time.Duration((m.rng.Float64()*2 - 1) * span)
}

// State returns the current health classification for a device.
func (m *Manager) State(deviceID string) gwtype.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateFor(deviceID).state
}

// IsHealthy reports whether a device is currently eligible for control
// writes: only a device with no outstanding backoff is. Satisfies the
// control package's HealthChecker dependency.
func (m *Manager) IsHealthy(deviceID string) bool {
	return m.State(deviceID) == gwtype.HealthOK
}

// QuickChecker is the minimal read surface a quick health probe needs. The
// Device type satisfies it without health importing the device package
// (avoiding a cycle, since device will eventually want health status too).
type QuickChecker interface {
	ReadValue(ctx context.Context, name string) (float64, bool)
	ReadAll(ctx context.Context) (map[string]float64, bool)
	HasRegister(name string) bool
}

// QuickCheck samples a device cheaply to decide whether it's worth
// allocating a full poll slot to. probePins is used by the single_register
// strategy (first pin only) and partial_bulk (each pin in turn, any one
// success means online); if no configured pin is present on the device,
// the check falls back to a full read so a misconfigured probe never
// silently skips a device forever.
func QuickCheck(ctx context.Context, qc QuickChecker, strategy gwtype.QuickCheckStrategy, probePins []string) bool {
	usable := probePins[:0:0]
	for _, pin := range probePins {
		if pin != "" && qc.HasRegister(pin) {
			usable = append(usable, pin)
		}
	}

	switch strategy {
	case gwtype.QuickCheckSingleRegister:
		if len(usable) > 0 {
			_, ok := qc.ReadValue(ctx, usable[0])
			return ok
		}
	case gwtype.QuickCheckPartialBulk:
		if len(usable) > 0 {
			for _, pin := range usable {
				if _, ok := qc.ReadValue(ctx, pin); ok {
					return true
				}
			}
			return false
		}
	default:
		_, online := qc.ReadAll(ctx)
		return online
	}

	log.Debugf("[HEALTH] quick check strategy %s has no usable probe pin, falling back to full read", strategy)
	_, online := qc.ReadAll(ctx)
	return online
}
