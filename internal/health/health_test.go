// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

func TestShouldPollDefaultsTrue(t *testing.T) {
	m := New(DefaultParams(), 1)
	require.True(t, m.ShouldPoll("dev_1", time.Now()))
}

func TestMarkFailureBacksOffExponentially(t *testing.T) {
	params := Params{BaseInterval: time.Second, MaxInterval: time.Minute, BackoffFactor: 2, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_1", false)

	m.MarkFailure("dev_1", now)
	first := m.stateFor("dev_1").nextAllowed.Sub(now)

	m.MarkFailure("dev_1", now)
	second := m.stateFor("dev_1").nextAllowed.Sub(now)

	require.Greater(t, second, first)
}

func TestMarkFailureClampsAtMaxInterval(t *testing.T) {
	params := Params{BaseInterval: time.Second, MaxInterval: 10 * time.Second, BackoffFactor: 2, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_1", false)

	for i := 0; i < 100; i++ {
		m.MarkFailure("dev_1", now)
	}
	interval := m.stateFor("dev_1").nextAllowed.Sub(now)
	require.LessOrEqual(t, interval, 10*time.Second)
	require.Greater(t, interval, time.Duration(0))
}

func TestCriticalDeviceNeverBacksOff(t *testing.T) {
	params := Params{BaseInterval: time.Second, MaxInterval: time.Minute, BackoffFactor: 2, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_critical", true)

	for i := 0; i < 10; i++ {
		m.MarkFailure("dev_critical", now)
	}
	interval := m.stateFor("dev_critical").nextAllowed.Sub(now)
	require.Equal(t, time.Second, interval)
}

func TestMarkSuccessResetsBackoff(t *testing.T) {
	m := New(DefaultParams(), 1)
	now := time.Now()
	m.Register("dev_1", false)
	m.MarkFailure("dev_1", now)
	require.False(t, m.ShouldPoll("dev_1", now))

	m.MarkSuccess("dev_1", now)
	require.True(t, m.ShouldPoll("dev_1", now))
	require.Equal(t, gwtype.HealthOK, m.State("dev_1"))
}

func TestIsHealthyReflectsState(t *testing.T) {
	m := New(DefaultParams(), 1)
	now := time.Now()
	m.Register("dev_1", false)
	require.True(t, m.IsHealthy("dev_1"))

	m.MarkFailure("dev_1", now)
	require.False(t, m.IsHealthy("dev_1"))

	m.MarkSuccess("dev_1", now)
	require.True(t, m.IsHealthy("dev_1"))
}

func TestLongOfflineCapsFailureGrowth(t *testing.T) {
	params := Params{
		BaseInterval:          time.Second,
		MaxInterval:           time.Hour,
		BackoffFactor:         2,
		JitterFraction:        0,
		LongOfflineThreshold:  time.Minute,
		LongOfflineFailureCap: 3,
	}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_1", false)

	m.MarkFailure("dev_1", now)
	now = now.Add(2 * time.Minute) // exceeds LongOfflineThreshold
	m.MarkFailure("dev_1", now)

	require.Equal(t, gwtype.HealthLongOffline, m.State("dev_1"))
	require.LessOrEqual(t, m.stateFor("dev_1").consecutiveFailures, params.LongOfflineFailureCap)
}

func TestFailureThresholdDelaysBackoff(t *testing.T) {
	params := Params{BaseInterval: time.Second, MaxInterval: time.Minute, BackoffFactor: 2, FailureThreshold: 3, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_1", false)

	m.MarkFailure("dev_1", now)
	require.True(t, m.ShouldPoll("dev_1", now))
	m.MarkFailure("dev_1", now)
	require.True(t, m.ShouldPoll("dev_1", now))
	m.MarkFailure("dev_1", now)
	require.False(t, m.ShouldPoll("dev_1", now))
}

func TestCriticalBaseFollowsBusSweepTime(t *testing.T) {
	params := Params{BaseInterval: time.Second, MaxInterval: time.Minute, BackoffFactor: 2, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_critical", true)
	m.SetCriticalBase(7 * time.Second)

	m.MarkFailure("dev_critical", now)
	require.Equal(t, 7*time.Second, m.stateFor("dev_critical").nextAllowed.Sub(now))
}

func TestBackoffFactorOneStaysFlat(t *testing.T) {
	params := Params{BaseInterval: 2 * time.Second, MaxInterval: time.Minute, BackoffFactor: 1, JitterFraction: 0}
	m := New(params, 1)
	now := time.Now()
	m.Register("dev_1", false)

	for i := 0; i < 5; i++ {
		m.MarkFailure("dev_1", now)
	}
	require.Equal(t, 2*time.Second, m.stateFor("dev_1").nextAllowed.Sub(now))
}

type fakeQuickChecker struct {
	values map[string]float64
	online bool
}

func (f *fakeQuickChecker) ReadValue(ctx context.Context, name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

func (f *fakeQuickChecker) ReadAll(ctx context.Context) (map[string]float64, bool) {
	return f.values, f.online
}

func (f *fakeQuickChecker) HasRegister(name string) bool {
	_, ok := f.values[name]
	return ok
}

func TestQuickCheckSingleRegister(t *testing.T) {
	qc := &fakeQuickChecker{values: map[string]float64{"status": 1}, online: true}
	ok := QuickCheck(context.Background(), qc, gwtype.QuickCheckSingleRegister, []string{"status"})
	require.True(t, ok)
}

func TestQuickCheckFallsBackWithoutProbePin(t *testing.T) {
	qc := &fakeQuickChecker{values: map[string]float64{"x": 1}, online: true}
	ok := QuickCheck(context.Background(), qc, gwtype.QuickCheckSingleRegister, nil)
	require.True(t, ok)
}

func TestQuickCheckPartialBulkAnySuccessMeansOnline(t *testing.T) {
	qc := &fakeQuickChecker{values: map[string]float64{"b": 2}, online: false}
	ok := QuickCheck(context.Background(), qc, gwtype.QuickCheckPartialBulk, []string{"a", "b"})
	require.True(t, ok, "one readable pin out of the configured set is enough")
}

func TestQuickCheckFullRead(t *testing.T) {
	qc := &fakeQuickChecker{values: map[string]float64{"x": 1}, online: false}
	ok := QuickCheck(context.Background(), qc, gwtype.QuickCheckFullRead, nil)
	require.False(t, ok)
}
