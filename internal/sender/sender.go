// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sender delivers device snapshots to the cloud endpoint on an
// aligned schedule, bucketing readings into tumbling windows and falling
// back to an on-disk outbox whenever the cloud side can't be reached.
package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/pubsub"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// liveBackoffs mirrors the reference sender's fixed retry schedule: only
// the first two retries of a live send attempt ever sleep, no matter how
// many attempts are configured.
var liveBackoffs = []time.Duration{time.Second, 2 * time.Second}

// Config controls the sender's scheduling, retry and endpoint behavior.
type Config struct {
	GatewayID       string
	Series          string // device-series code embedded in the heartbeat identity
	SSHPort         int
	RebootCount     int
	CPUTemp         func() float64 // nil disables the temperature field
	SendIntervalSec float64
	AnchorOffsetSec float64
	TickGraceSec    float64
	AttemptCount    int
	WarmupTimeout   time.Duration
	WarmupDebounce  time.Duration
}

// Sender subscribes to DEVICE_SNAPSHOT, buckets readings into
// SendIntervalSec-wide tumbling windows, and POSTs one combined payload per
// window on an anchor-aligned schedule.
type Sender struct {
	cfg       Config
	broker    *pubsub.SnapshotBroker
	outbox    *OutboxStore
	transport *Transport

	lifeCtx context.Context

	mu              sync.Mutex
	latestPerWindow map[int64]map[string]gwtype.Snapshot
	lastLabelTS     map[string]time.Time
	lastSentTS      map[string]time.Time
	lastPostOkAt    time.Time

	readyOnce sync.Once
	ready     chan struct{}
}

// New builds a Sender. Call Start to begin collecting and sending.
func New(cfg Config, broker *pubsub.SnapshotBroker, outbox *OutboxStore, transport *Transport) *Sender {
	return &Sender{
		cfg:             cfg,
		broker:          broker,
		outbox:          outbox,
		transport:       transport,
		latestPerWindow: make(map[int64]map[string]gwtype.Snapshot),
		lastLabelTS:     make(map[string]time.Time),
		lastSentTS:      make(map[string]time.Time),
		ready:           make(chan struct{}),
	}
}

// Start subscribes to the snapshot broker and begins the warm-up send plus
// the periodic aligned schedule. Satisfies the lifecycle Runnable contract.
func (s *Sender) Start(ctx context.Context) error {
	s.lifeCtx = ctx
	sub := s.broker.Subscribe("DEVICE_SNAPSHOT", pubsub.TopicConfig{MaxQueueSize: 512, Policy: pubsub.DropOldest})
	go s.collectLoop(ctx, sub)
	go s.scheduleLoop(ctx)
	return nil
}

// Stop is a no-op: both loops exit on ctx.Done, which the caller already
// controls.
func (s *Sender) Stop(ctx context.Context) error {
	return nil
}

// LastPostOkAt reports when a POST last succeeded, used by the resend
// worker's health gate.
func (s *Sender) LastPostOkAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPostOkAt
}

func (s *Sender) collectLoop(ctx context.Context, sub *pubsub.Subscription[gwtype.Snapshot]) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Channel():
			if !ok {
				return
			}
			s.ingest(snap)
		}
	}
}

func (s *Sender) ingest(snap gwtype.Snapshot) {
	ws := windowStart(snap.SamplingTS, s.cfg.SendIntervalSec, s.cfg.AnchorOffsetSec).Unix()
	s.mu.Lock()
	bucket, ok := s.latestPerWindow[ws]
	if !ok {
		bucket = make(map[string]gwtype.Snapshot)
		s.latestPerWindow[ws] = bucket
	}
	bucket[snap.DeviceID] = snap
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// warmupSend waits for the first snapshot (bounded by WarmupTimeout), lets
// a short debounce window fill in any devices sampled a beat later, then
// sends one payload built from whatever has accumulated so far.
func (s *Sender) warmupSend(ctx context.Context) {
	select {
	case <-s.ready:
	case <-time.After(s.cfg.WarmupTimeout):
		log.Warnf("[SENDER] warm-up timed out after %s waiting for first snapshot", s.cfg.WarmupTimeout)
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-time.After(s.cfg.WarmupDebounce):
	case <-ctx.Done():
		return
	}
	key, bucket := s.popLatestWindow()
	if len(bucket) == 0 {
		return
	}
	s.sendSnapshots(ctx, time.Unix(key, 0).UTC(), bucket)
}

// scheduleLoop runs the warm-up send once, then fires one shielded send per
// anchor-aligned tick for as long as ctx is alive.
func (s *Sender) scheduleLoop(ctx context.Context) {
	s.warmupSend(ctx)
	for {
		next := nextAligned(time.Now(), s.cfg.SendIntervalSec, s.cfg.AnchorOffsetSec)
		wait := time.Until(next) + time.Duration(s.cfg.TickGraceSec*float64(time.Second))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		label := next
		// Shielded: the send runs against the sender's own lifecycle
		// context, not a per-tick deadline, so a slow POST still
		// completes and resolves its outbox file exactly once even
		// though the scheduler has already moved on to the next tick.
		go s.shieldedSend(label)
	}
}

// shieldedSend closes the window that ended at this tick and sends it
// stamped with the tick boundary itself. The label must be the tick time,
// not the window start: warm-up already sends the in-progress window under
// its start key, so reusing the start as the label would make the first
// scheduled tick's dedup check see an unchanged label and wrongly drop
// devices with fresher samples.
func (s *Sender) shieldedSend(label time.Time) {
	key := s.completedWindowKey(label)
	bucket := s.popWindow(key)
	if len(bucket) == 0 {
		return
	}
	s.sendSnapshots(s.lifeCtx, label, bucket)
}

func (s *Sender) completedWindowKey(label time.Time) int64 {
	interval := time.Duration(s.cfg.SendIntervalSec * float64(time.Second))
	return label.Add(-interval).Unix()
}

func (s *Sender) popWindow(key int64) map[string]gwtype.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.latestPerWindow[key]
	delete(s.latestPerWindow, key)
	for k := range s.latestPerWindow {
		if k < key {
			delete(s.latestPerWindow, k)
		}
	}
	return bucket
}

func (s *Sender) popLatestWindow() (int64, map[string]gwtype.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxKey := int64(-1)
	for k := range s.latestPerWindow {
		if k > maxKey {
			maxKey = k
		}
	}
	if maxKey == -1 {
		return 0, nil
	}
	bucket := s.latestPerWindow[maxKey]
	delete(s.latestPerWindow, maxKey)
	return maxKey, bucket
}

// sendSnapshots builds and persists one payload for a window, then POSTs
// it. Persisting happens before the POST attempt: a crash mid-send still
// leaves the payload on disk for the resend worker to find.
func (s *Sender) sendSnapshots(ctx context.Context, label time.Time, snaps map[string]gwtype.Snapshot) {
	items := s.buildItems(label, snaps)
	if len(items) == 0 {
		return
	}
	items = append(items, s.heartbeatItem(time.Now()))
	payload := WrapItemsAsPayload(s.cfg.GatewayID, items, label)
	path, err := s.outbox.PersistPayload(payload)
	if err != nil {
		log.Errorf("[SENDER] persist_payload failed: %v", err)
		return
	}
	log.Infof("[SENDER] sending window %s with %d item(s)", label.Format(time.RFC3339), len(items))
	s.attemptSend(ctx, path, payload)
}

// buildItems includes a device only if both label and sampling_ts have
// advanced past what was last sent for it: label_time > last_label_ts and
// sampling_ts > last_sent_ts. Requiring both (not just inequality of the
// pair) means a device whose bucket still holds a stale reading from a
// prior window is excluded even though the label itself is new — the
// label alone advancing is not enough to justify resending an unchanged
// sample.
func (s *Sender) buildItems(label time.Time, snaps map[string]gwtype.Snapshot) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Item, 0, len(snaps))
	for deviceID, snap := range snaps {
		if !label.After(s.lastLabelTS[deviceID]) || !snap.SamplingTS.After(s.lastSentTS[deviceID]) {
			continue
		}
		data := make(map[string]interface{}, len(snap.Values)+2)
		for k, v := range snap.Values {
			data[k] = v
		}
		data["report_ts"] = snap.SamplingTS.UTC().Format(time.RFC3339)
		data["is_online"] = snap.IsOnline
		items = append(items, Item{DeviceID: deviceID, Data: data})
		s.lastLabelTS[deviceID] = label
		s.lastSentTS[deviceID] = snap.SamplingTS
	}
	return items
}

// attemptSend POSTs payload up to AttemptCount times with the fixed
// backoff schedule, deleting path on success and leaving it for the resend
// worker otherwise. Budget enforcement always runs once the attempt loop
// is done, independent of whether it ended in success or failure.
func (s *Sender) attemptSend(ctx context.Context, path string, payload interface{}) bool {
	defer s.outbox.EnforceBudget()

	attempts := s.cfg.AttemptCount
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, status, body, err := s.transport.Send(ctx, payload)
		if err != nil {
			log.Warnf("[SENDER] attempt %d/%d failed: %v", attempt, attempts, err)
		} else {
			log.Infof("[SENDER] attempt %d/%d resp: %d %q", attempt, attempts, status, truncate(body, 120))
			if ok {
				s.outbox.Delete(path)
				s.mu.Lock()
				s.lastPostOkAt = time.Now()
				s.mu.Unlock()
				return true
			}
		}
		if attempt < attempts {
			if idx := attempt - 1; idx < len(liveBackoffs) {
				select {
				case <-time.After(liveBackoffs[idx]):
				case <-ctx.Done():
					return false
				}
			}
		}
	}
	log.Warnf("[SENDER] exhausted %d attempt(s), leaving %s for resend worker", attempts, path)
	return false
}

// heartbeatItem builds the gateway health-check item appended to every
// payload: HB flag, reverse-SSH port, a CPU-temperature offset, and a
// reboot counter, in the same item shape as a device reading.
func (s *Sender) heartbeatItem(now time.Time) Item {
	temp := 0.0
	if s.cfg.CPUTemp != nil {
		temp = s.cfg.CPUTemp()
	}
	return Item{
		DeviceID: fmt.Sprintf("%s_%s00GW", s.cfg.GatewayID, s.cfg.Series),
		Data: map[string]interface{}{
			"HB":            1,
			"report_ts":     now.UTC().Format(time.RFC3339),
			"SSHPort":       s.cfg.SSHPort,
			"WebBulbOffset": temp,
			"Status":        s.cfg.RebootCount,
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
