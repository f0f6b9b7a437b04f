// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitor runs the periodic poll loop over every configured device:
// it consults the health manager before spending a poll slot on a device,
// bounds how many devices are read concurrently, applies a per-device
// timeout, and publishes the resulting snapshot.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/health"
	"github.com/cc-edge/modbus-gateway/internal/virtualdevice"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Poller is the read surface a monitored device exposes. *device.Device
// satisfies it.
type Poller interface {
	DeviceID() string
	ReadAll(ctx context.Context) (map[string]float64, bool)
}

// QuickCheckable is the narrower probe surface a Poller may additionally
// expose; when it does, an unhealthy device in its recovery window is
// probed cheaply before a full poll slot is spent on it, per health.QuickCheck.
type QuickCheckable interface {
	ReadValue(ctx context.Context, name string) (float64, bool)
	HasRegister(name string) bool
}

// Publisher receives a finished snapshot. *pubsub.SnapshotBroker satisfies
// it.
type Publisher interface {
	Publish(topic string, snap gwtype.Snapshot)
}

// Entry binds one polled device to its identity metadata for snapshot
// construction.
type Entry struct {
	Poller     Poller
	Model      string
	SlaveID    int
	DeviceType string
	Critical   bool
	ProbePins  []string
	Strategy   gwtype.QuickCheckStrategy
}

// Config controls the tick loop's cadence and resource limits.
type Config struct {
	TickInterval    time.Duration
	DeviceTimeout   time.Duration
	MaxConcurrent   int
	Topic           string
}

// DefaultConfig mirrors the reference service's polling cadence.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		DeviceTimeout: 3 * time.Second,
		MaxConcurrent: 8,
		Topic:         "snapshots",
	}
}

// Monitor owns the poll loop for a fixed set of devices.
type Monitor struct {
	cfg          Config
	health       *health.Manager
	pub          Publisher
	entries      []Entry
	virtualSpecs []virtualdevice.Spec
}

// New constructs a Monitor. Every entry's device is registered with the
// health manager using its Critical flag.
func New(cfg Config, hm *health.Manager, pub Publisher, entries []Entry) *Monitor {
	for _, e := range entries {
		hm.Register(e.Poller.DeviceID(), e.Critical)
	}
	return &Monitor{cfg: cfg, health: hm, pub: pub, entries: entries}
}

// SetVirtualDevices installs the virtual-device specs derived from each
// tick's physical snapshots. Call before Run.
func (m *Monitor) SetVirtualDevices(specs []virtualdevice.Spec) {
	m.virtualSpecs = specs
}

// Run ticks until ctx is cancelled, polling every device whose health
// manager state currently allows it.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	limit := m.cfg.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var snaps []gwtype.Snapshot
	now := time.Now()

	for _, e := range m.entries {
		if !m.health.ShouldPoll(e.Poller.DeviceID(), now) {
			continue
		}
		e := e
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			snap := m.pollOne(ctx, e)
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// A critical device's flat retry cadence follows how long one full bus
	// sweep currently takes.
	if elapsed := time.Since(now); elapsed > 0 {
		m.health.SetCriticalBase(elapsed)
	}

	m.publishVirtual(snaps)
}

// pollOne polls one device for this tick. A device currently outside its
// backoff window but not yet marked healthy gets a cheap quick check first
// (when its Poller supports one); only a successful quick check spends a
// full poll slot on it.
func (m *Monitor) pollOne(ctx context.Context, e Entry) gwtype.Snapshot {
	deviceID := e.Poller.DeviceID()
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DeviceTimeout)
	defer cancel()

	if qc, ok := e.Poller.(QuickCheckable); ok && m.health.State(deviceID) != gwtype.HealthOK {
		probeCtx, probeCancel := context.WithTimeout(ctx, 300*time.Millisecond)
		online := health.QuickCheck(probeCtx, quickCheckAdapter{qc, e.Poller}, e.Strategy, e.ProbePins)
		probeCancel()
		if !online {
			m.health.MarkFailure(deviceID, time.Now())
			snap := offlineSnapshot(e, deviceID)
			m.pub.Publish(m.cfg.Topic, snap)
			return snap
		}
		log.Infof("[MONITOR] %s: quick check succeeded, attempting full read", deviceID)
	}

	sampledAt := time.Now()
	values, online := e.Poller.ReadAll(callCtx)

	if online {
		m.health.MarkSuccess(deviceID, sampledAt)
	} else {
		m.health.MarkFailure(deviceID, sampledAt)
		log.Warnf("[MONITOR] %s: poll failed, next attempt backed off", deviceID)
	}

	snap := gwtype.Snapshot{
		DeviceID:   deviceID,
		Model:      e.Model,
		SlaveID:    e.SlaveID,
		DeviceType: e.DeviceType,
		SamplingTS: sampledAt,
		Values:     values,
		IsOnline:   online,
	}
	m.pub.Publish(m.cfg.Topic, snap)
	return snap
}

// PinLister is optionally implemented by a Poller whose register map is
// known; an offline snapshot then still carries one Missing entry per
// readable pin instead of an empty value set.
type PinLister interface {
	ReadablePins() []string
}

func offlineSnapshot(e Entry, deviceID string) gwtype.Snapshot {
	values := map[string]float64{}
	if pl, ok := e.Poller.(PinLister); ok {
		for _, name := range pl.ReadablePins() {
			values[name] = gwtype.Missing
		}
	}
	return gwtype.Snapshot{
		DeviceID:   deviceID,
		Model:      e.Model,
		SlaveID:    e.SlaveID,
		DeviceType: e.DeviceType,
		SamplingTS: time.Now(),
		Values:     values,
		IsOnline:   false,
	}
}

// quickCheckAdapter bridges QuickCheckable (which a Poller may implement
// without also implementing ReadAll returning (values, online) in the same
// call shape health.QuickCheck expects) to health.QuickChecker.
type quickCheckAdapter struct {
	QuickCheckable
	poller Poller
}

func (a quickCheckAdapter) ReadAll(ctx context.Context) (map[string]float64, bool) {
	return a.poller.ReadAll(ctx)
}

// publishVirtual derives and publishes any configured virtual devices from
// this tick's physical snapshots.
func (m *Monitor) publishVirtual(snaps []gwtype.Snapshot) {
	if len(m.virtualSpecs) == 0 {
		return
	}
	byModel := make(map[string][]gwtype.Snapshot)
	for _, s := range snaps {
		byModel[s.Model] = append(byModel[s.Model], s)
	}
	for _, spec := range m.virtualSpecs {
		sources := byModel[spec.SourceModel]
		if len(sources) == 0 {
			continue
		}
		vsnap, err := virtualdevice.Aggregate(spec, sources)
		if err != nil {
			log.Warnf("[MONITOR] virtual device %s: %v", spec.Name, err)
			continue
		}
		m.pub.Publish(m.cfg.Topic, vsnap)
	}
}
