// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cc-edge/modbus-gateway/internal/util"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

const failSuffix = ".fail"

// retryPattern matches the retry counter escalations embed in the filename:
// resend_X_Y.json -> resend_X_Y.retry1.json -> resend_X_Y.retry2.json ...
var retryPattern = regexp.MustCompile(`\.retry(\d+)\.json$`)

// Item is one device's payload fragment. The live sender persists each
// window as one wrapped payload holding all of its items; the resend worker
// also accepts files holding a single Item and regroups them by timestamp.
type Item struct {
	DeviceID string                 `json:"DeviceID"`
	Data     map[string]interface{} `json:"Data"`
}

// payloadTimestampLayout is the cloud endpoint's timestamp format.
const payloadTimestampLayout = "20060102150405"

// WrapItemsAsPayload combines item fragments accumulated for one send
// cycle into the single PushIMAData body POSTed to the cloud endpoint.
func WrapItemsAsPayload(gatewayID string, items []Item, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"FUNC":      "PushIMAData",
		"version":   "6.0",
		"GatewayID": gatewayID,
		"Timestamp": ts.UTC().Format(payloadTimestampLayout),
		"Data":      items,
	}
}

// OutboxStore persists payloads to disk before they are POSTed, so a
// gateway restart or a cloud outage never silently drops a reading: the
// resend worker picks up whatever is still on disk.
type OutboxStore struct {
	dir           string
	quotaMB       float64
	freeMinMB     float64
	protectRecent time.Duration
	seq           uint64
}

// NewOutboxStore creates dir if needed and returns a store rooted there.
func NewOutboxStore(dir string, quotaMB, freeMinMB float64, protectRecent time.Duration) (*OutboxStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &OutboxStore{dir: dir, quotaMB: quotaMB, freeMinMB: freeMinMB, protectRecent: protectRecent}, nil
}

// PersistPayload writes payload to a new file in the outbox directory and
// returns its path. Accepts both a raw Item and a fully wrapped
// multi-device payload: the resend worker tells them apart by shape.
func (s *OutboxStore) PersistPayload(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	n := atomic.AddUint64(&s.seq, 1)
	name := fmt.Sprintf("resend_%s_%04d.json", time.Now().UTC().Format("20060102150405"), n%10000)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes a persisted outbox file. A file already gone is not an
// error: the scheduler's send path and the resend worker can race to clean
// up the same batch.
func (s *OutboxStore) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PickBatch returns up to batchSize outbox files at least minAgeSec old,
// oldest first. minAgeSec keeps the resend worker from racing a file the
// periodic sender hasn't finished writing yet.
func (s *OutboxStore) PickBatch(batchSize int, minAgeSec float64) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	type cand struct {
		path string
		mod  time.Time
	}
	cutoff := time.Now().Add(-time.Duration(minAgeSec * float64(time.Second)))
	var cands []cand
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		cands = append(cands, cand{path: filepath.Join(s.dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.Before(cands[j].mod) })
	if batchSize > 0 && len(cands) > batchSize {
		cands = cands[:batchSize]
	}
	paths := make([]string, len(cands))
	for i, c := range cands {
		paths[i] = c.path
	}
	return paths, nil
}

// RetryOrFail bumps the retry counter encoded in path's filename and, once
// maxRetry is exceeded, renames the file to a .fail marker so budget
// enforcement and cleanup can tell a permanently undeliverable file from
// one still worth retrying. Returns the new retry count and the resulting
// path (which changes on every call).
func (s *OutboxStore) RetryOrFail(path string, maxRetry int) (int, string, bool) {
	count := RetryCount(path) + 1
	base := stripRetrySuffix(path)
	if count > maxRetry {
		failPath := strings.TrimSuffix(base, ".json") + failSuffix
		if err := os.Rename(path, failPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("[OUTBOX] rename to .fail failed for %s: %v", path, err)
		}
		return count, failPath, true
	}
	next := strings.TrimSuffix(base, ".json") + ".retry" + strconv.Itoa(count) + ".json"
	if err := os.Rename(path, next); err != nil && !os.IsNotExist(err) {
		log.Warnf("[OUTBOX] could not bump retry count for %s: %v", path, err)
		return count, path, false
	}
	return count, next, false
}

// RetryCount reads the retry counter encoded in an outbox filename; a file
// never retried has none.
func RetryCount(path string) int {
	m := retryPattern.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func stripRetrySuffix(path string) string {
	if m := retryPattern.FindStringIndex(path); m != nil {
		return path[:m[0]] + ".json"
	}
	return path
}

// EnforceBudget deletes the oldest outbox files, .fail markers first, until
// the directory is back under the configured disk quota and free-space
// floor. Called unconditionally after retry exhaustion so a persistently
// unreachable cloud endpoint can't fill the disk. The cheap preflight
// (directory size plus filesystem free space) decides whether the per-file
// scan is needed at all.
func (s *OutboxStore) EnforceBudget() {
	totalMB := util.DiskUsage(s.dir)
	freeMB := util.FreeSpaceMB(s.dir)
	overQuota := s.quotaMB > 0 && totalMB > s.quotaMB
	lowFree := s.freeMinMB > 0 && freeMB < s.freeMinMB
	if !overQuota && !lowFree {
		return
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warnf("[OUTBOX] enforce_budget readdir failed: %v", err)
		return
	}
	type cand struct {
		path   string
		mod    time.Time
		size   int64
		failed bool
	}
	var cands []cand
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{
			path:   filepath.Join(s.dir, e.Name()),
			mod:    info.ModTime(),
			size:   info.Size(),
			failed: strings.HasSuffix(e.Name(), failSuffix),
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].failed != cands[j].failed {
			return cands[i].failed
		}
		return cands[i].mod.Before(cands[j].mod)
	})

	for _, c := range cands {
		if !overQuota && !lowFree {
			break
		}
		if !c.failed && now.Sub(c.mod) < s.protectRecent {
			continue
		}
		if err := os.Remove(c.path); err != nil {
			continue
		}
		log.Warnf("[OUTBOX] budget enforcement removed %s", filepath.Base(c.path))
		totalMB -= float64(c.size) * 1e-6
		freeMB += float64(c.size) * 1e-6
		overQuota = s.quotaMB > 0 && totalMB > s.quotaMB
		lowFree = s.freeMinMB > 0 && freeMB < s.freeMinMB
	}
}
