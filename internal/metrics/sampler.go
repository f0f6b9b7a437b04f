// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metrics

import (
	"context"
	"time"
)

// Sources are pull-based readers the Sampler polls on an interval. Any
// field left nil is skipped.
type Sources struct {
	DevicesOnline  func() int
	DevicesOffline func() int
	OutboxFiles    func() int
	SnapshotRows   func() int64
}

// Sampler periodically polls Sources and updates a Registry's gauges.
// Pubsub drops are not sampled here: cmd/gateway folds them into the
// registry with its own poll of each broker's ResetDropCounter, which
// resets the count so no drop is counted twice. The last-cloud-POST gauge
// is set only through Registry.SetLastCloudPostOK; no gateway code calls it.
type Sampler struct {
	reg      *Registry
	sources  Sources
	interval time.Duration
}

// NewSampler builds a Sampler polling sources every interval.
func NewSampler(reg *Registry, sources Sources, interval time.Duration) *Sampler {
	return &Sampler{reg: reg, sources: sources, interval: interval}
}

// Start begins the polling loop. Satisfies the lifecycle Runnable contract.
func (s *Sampler) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

// Stop is a no-op: the loop exits on ctx.Done.
func (s *Sampler) Stop(ctx context.Context) error {
	return nil
}

func (s *Sampler) loop(ctx context.Context) {
	s.sample()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	if s.sources.DevicesOnline != nil {
		s.reg.DevicesOnline.Set(float64(s.sources.DevicesOnline()))
	}
	if s.sources.DevicesOffline != nil {
		s.reg.DevicesOffline.Set(float64(s.sources.DevicesOffline()))
	}
	if s.sources.OutboxFiles != nil {
		s.reg.OutboxFiles.Set(float64(s.sources.OutboxFiles()))
	}
	if s.sources.SnapshotRows != nil {
		s.reg.SnapshotRows.Set(float64(s.sources.SnapshotRows()))
	}
}
