// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

var filenameTSPattern = regexp.MustCompile(`resend_(\d{14})_`)

// HealthGate reports when a POST last succeeded, so the resend worker can
// skip a whole cycle while the cloud endpoint is known to be unreachable
// rather than burn through retry budgets on files certain to fail again.
type HealthGate interface {
	LastPostOkAt() time.Time
}

// ResendConfig controls the resend worker's own schedule and batch limits,
// independent of the live sender's schedule.
type ResendConfig struct {
	GatewayID           string
	IntervalSec         float64
	AnchorOffsetSec     float64
	StartDelaySec       float64
	BatchSize           int
	MinAgeSec           float64
	MaxRetry            int
	LastPostOkWithinSec float64
}

// ResendWorker periodically retries whatever is still sitting in the
// outbox, on its own anchor-aligned schedule.
type ResendWorker struct {
	cfg       ResendConfig
	store     *OutboxStore
	transport *Transport
	health    HealthGate
}

// NewResendWorker builds a resend worker. health may be nil to disable the
// last-post-ok gate.
func NewResendWorker(cfg ResendConfig, store *OutboxStore, transport *Transport, health HealthGate) *ResendWorker {
	return &ResendWorker{cfg: cfg, store: store, transport: transport, health: health}
}

// Start kicks off the delayed, anchor-aligned resend loop. Satisfies the
// lifecycle Runnable contract.
func (w *ResendWorker) Start(ctx context.Context) error {
	go w.delayedStart(ctx)
	return nil
}

// Stop is a no-op: the loop exits on ctx.Done.
func (w *ResendWorker) Stop(ctx context.Context) error {
	return nil
}

func (w *ResendWorker) delayedStart(ctx context.Context) {
	now := time.Now()
	minStart := now.Add(time.Duration(w.cfg.StartDelaySec * float64(time.Second)))
	next := nextAligned(minStart, w.cfg.IntervalSec, w.cfg.AnchorOffsetSec)
	wait := time.Until(next)
	log.Infof("[RESEND] scheduled start at %s (waiting %s)", next.Format(time.RFC3339), wait)

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return
	}
	w.loop(ctx)
}

func (w *ResendWorker) loop(ctx context.Context) {
	for {
		w.runCycle(ctx)
		next := nextAligned(time.Now(), w.cfg.IntervalSec, w.cfg.AnchorOffsetSec)
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}
	}
}

// runCycle picks one batch of outbox files, classifies each as a
// self-contained packet or a per-device item fragment, and retries both
// kinds. Full packets (persisted with a top-level "FUNC" key, the shape
// the live sender writes for a window batch) are sent as-is. Item
// fragments (files holding a single Item with a top-level "DeviceID" key;
// the live sender itself never writes that shape) are grouped by their sampling
// timestamp and re-combined into one payload before sending, so a resend
// doesn't POST one request per device.
func (w *ResendWorker) runCycle(ctx context.Context) {
	if w.health != nil && w.cfg.LastPostOkWithinSec > 0 {
		last := w.health.LastPostOkAt()
		if last.IsZero() || time.Since(last) > time.Duration(w.cfg.LastPostOkWithinSec*float64(time.Second)) {
			log.Warnf("[RESEND] skipping cycle: no successful POST within %.0fs", w.cfg.LastPostOkWithinSec)
			return
		}
	}

	paths, err := w.store.PickBatch(w.cfg.BatchSize, w.cfg.MinAgeSec)
	if err != nil {
		log.Warnf("[RESEND] pick_batch failed: %v", err)
		return
	}
	if len(paths) == 0 {
		return
	}

	fullPackets, itemGroups, unparseable := w.classify(paths)

	for _, fp := range fullPackets {
		w.sendFullPacket(ctx, fp)
	}

	keys := make([]string, 0, len(itemGroups))
	for k := range itemGroups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return itemGroups[keys[i]].ts.Before(itemGroups[keys[j]].ts) })
	for _, k := range keys {
		w.sendItemGroup(ctx, k, itemGroups[k])
	}

	for _, path := range unparseable {
		log.Warnf("[RESEND] %s is not valid JSON, counting it as a failed attempt", path)
		if _, _, failed := w.store.RetryOrFail(path, w.cfg.MaxRetry); failed {
			log.Warnf("[RESEND] marked .fail: %s", path)
		}
	}

	w.store.EnforceBudget()
}

type fullPacket struct {
	path    string
	payload map[string]interface{}
}

type itemGroup struct {
	ts    time.Time
	paths []string
	items []Item
}

func (w *ResendWorker) classify(paths []string) ([]fullPacket, map[string]*itemGroup, []string) {
	var fullPackets []fullPacket
	groups := make(map[string]*itemGroup)
	var unparseable []string

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			unparseable = append(unparseable, path)
			continue
		}

		if _, ok := doc["FUNC"]; ok {
			fullPackets = append(fullPackets, fullPacket{path: path, payload: doc})
			continue
		}

		deviceID, hasDevice := doc["DeviceID"].(string)
		if !hasDevice {
			unparseable = append(unparseable, path)
			continue
		}
		data, _ := doc["Data"].(map[string]interface{})
		ts := resolveItemTimestamp(data, path)
		key := ts.UTC().Format(time.RFC3339)
		g, ok := groups[key]
		if !ok {
			g = &itemGroup{ts: ts}
			groups[key] = g
		}
		g.paths = append(g.paths, path)
		g.items = append(g.items, Item{DeviceID: deviceID, Data: data})
	}

	return fullPackets, groups, unparseable
}

// resolveItemTimestamp follows the same fallback chain as the reference
// resend worker: the item's own report_ts, then a timestamp embedded in
// the filename, then the current time.
func resolveItemTimestamp(data map[string]interface{}, path string) time.Time {
	if data != nil {
		if raw, ok := data["report_ts"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				return ts
			}
		}
	}
	if m := filenameTSPattern.FindStringSubmatch(path); len(m) == 2 {
		if ts, err := time.Parse("20060102150405", m[1]); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

func (w *ResendWorker) sendFullPacket(ctx context.Context, fp fullPacket) {
	ok, status, body, err := w.transport.Send(ctx, fp.payload)
	if err != nil {
		log.Warnf("[RESEND] packet send failed (%s): %v", fp.path, err)
	} else {
		log.Infof("[RESEND] (packet %s) resp: %d %q", fp.path, status, truncate(body, 120))
	}
	if ok {
		w.store.Delete(fp.path)
		return
	}
	if _, _, failed := w.store.RetryOrFail(fp.path, w.cfg.MaxRetry); failed {
		log.Warnf("[RESEND] marked .fail: %s", fp.path)
	}
}

func (w *ResendWorker) sendItemGroup(ctx context.Context, key string, g *itemGroup) {
	if len(g.items) == 0 {
		return
	}
	payload := WrapItemsAsPayload(w.cfg.GatewayID, g.items, g.ts)
	ok, status, body, err := w.transport.Send(ctx, payload)
	if err != nil {
		log.Warnf("[RESEND] group send failed (ts=%s): %v", key, err)
	} else {
		log.Infof("[RESEND] (group ts=%s) resp: %d %q", key, status, truncate(body, 120))
	}
	if ok {
		for _, p := range g.paths {
			w.store.Delete(p)
		}
		return
	}
	for _, p := range g.paths {
		if _, _, failed := w.store.RetryOrFail(p, w.cfg.MaxRetry); failed {
			log.Warnf("[RESEND] marked .fail: %s", p)
		}
	}
}
