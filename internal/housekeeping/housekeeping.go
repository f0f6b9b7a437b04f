// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package housekeeping schedules the gateway's periodic maintenance jobs:
// snapshot store retention cleanup and outbox disk-budget enforcement.
package housekeeping

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/cc-edge/modbus-gateway/internal/sender"
	"github.com/cc-edge/modbus-gateway/internal/snapshotstore"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Config controls which housekeeping jobs are registered and on what
// schedule.
type Config struct {
	SnapshotRetention     time.Duration
	SnapshotCleanupHour   int
	SnapshotCleanupMinute int
	OutboxSweepEnabled    bool
	OutboxSweepInterval   time.Duration
}

// Scheduler owns the gocron scheduler backing every housekeeping job.
type Scheduler struct {
	cfg    Config
	gocron gocron.Scheduler
	store  *snapshotstore.Store
	outbox *sender.OutboxStore
}

// New creates the underlying gocron scheduler. Jobs are registered in
// Start, not here, so Config changes made before Start still take effect.
func New(cfg Config, store *snapshotstore.Store, outbox *sender.OutboxStore) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, gocron: s, store: store, outbox: outbox}, nil
}

// Start registers every configured job and starts the scheduler. Satisfies
// the lifecycle Runnable contract.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store != nil && s.cfg.SnapshotRetention > 0 {
		s.registerSnapshotCleanup()
	}
	if s.outbox != nil && s.cfg.OutboxSweepEnabled && s.cfg.OutboxSweepInterval > 0 {
		s.registerOutboxSweep()
	}
	s.gocron.Start()
	return nil
}

// Stop shuts down the gocron scheduler, blocking until any in-flight job
// finishes.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.gocron.Shutdown()
}

func (s *Scheduler) registerSnapshotCleanup() {
	log.Info("[HOUSEKEEPING] registering snapshot retention cleanup")
	s.gocron.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(s.cfg.SnapshotCleanupHour), uint(s.cfg.SnapshotCleanupMinute), 0))),
		gocron.NewTask(
			func() {
				n, err := s.store.Cleanup(time.Now(), s.cfg.SnapshotRetention)
				if err != nil {
					log.Warnf("[HOUSEKEEPING] snapshot cleanup failed: %v", err)
					return
				}
				if n == 0 {
					return
				}
				if err := s.store.Vacuum(); err != nil {
					log.Warnf("[HOUSEKEEPING] snapshot vacuum failed: %v", err)
				}
			}))
}

func (s *Scheduler) registerOutboxSweep() {
	log.Info("[HOUSEKEEPING] registering outbox budget sweep")
	s.gocron.NewJob(
		gocron.DurationJob(s.cfg.OutboxSweepInterval),
		gocron.NewTask(
			func() {
				s.outbox.EnforceBudget()
			}))
}
