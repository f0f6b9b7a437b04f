// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestOutbox(t *testing.T, quotaMB, freeMinMB float64, protectRecent time.Duration) *OutboxStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewOutboxStore(dir, quotaMB, freeMinMB, protectRecent)
	require.NoError(t, err)
	return store
}

func TestPersistPayloadAndDelete(t *testing.T) {
	store := newTestOutbox(t, 0, 0, 0)
	path, err := store.PersistPayload(Item{DeviceID: "VFD_1", Data: map[string]interface{}{"Hz": 40}})
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, store.Delete(path))
	require.NoFileExists(t, path)
}

func TestPickBatchRespectsMinAge(t *testing.T) {
	store := newTestOutbox(t, 0, 0, 0)
	path, err := store.PersistPayload(Item{DeviceID: "VFD_1"})
	require.NoError(t, err)

	paths, err := store.PickBatch(10, 3600)
	require.NoError(t, err)
	require.Empty(t, paths, "freshly written file should not be picked before min age elapses")

	require.NoError(t, os.Chtimes(path, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))
	paths, err = store.PickBatch(10, 1)
	require.NoError(t, err)
	require.Equal(t, []string{path}, paths)
}

func TestPickBatchLimitsSizeOldestFirst(t *testing.T) {
	store := newTestOutbox(t, 0, 0, 0)
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := store.PersistPayload(Item{DeviceID: "VFD_1"})
		require.NoError(t, err)
		mtime := time.Now().Add(-time.Duration(3-i) * time.Hour)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
		paths = append(paths, p)
		time.Sleep(time.Millisecond)
	}

	batch, err := store.PickBatch(2, 1)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, paths[0], batch[0])
	require.Equal(t, paths[1], batch[1])
}

func TestRetryOrFailMarksFailAfterMaxRetry(t *testing.T) {
	store := newTestOutbox(t, 0, 0, 0)
	path, err := store.PersistPayload(Item{DeviceID: "VFD_1"})
	require.NoError(t, err)

	count, next, failed := store.RetryOrFail(path, 2)
	require.Equal(t, 1, count)
	require.False(t, failed)
	require.NoFileExists(t, path)
	require.FileExists(t, next)
	require.Contains(t, next, ".retry1.json")
	require.Equal(t, 1, RetryCount(next))

	count, next, failed = store.RetryOrFail(next, 2)
	require.Equal(t, 2, count)
	require.False(t, failed)
	require.Contains(t, next, ".retry2.json")

	count, next, failed = store.RetryOrFail(next, 2)
	require.Equal(t, 3, count)
	require.True(t, failed)
	require.FileExists(t, next)
	require.Equal(t, failSuffix, filepath.Ext(next))
	require.NotContains(t, next, ".retry")
}

func TestEnforceBudgetDeletesOldestFailedFirst(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutboxStore(dir, 0.000001, 0, time.Hour)
	require.NoError(t, err)

	oldFail := filepath.Join(dir, "resend_20200101000000_0001.fail")
	require.NoError(t, os.WriteFile(oldFail, make([]byte, 2048), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldFail, old, old))

	freshPath, err := store.PersistPayload(Item{DeviceID: "VFD_1", Data: map[string]interface{}{"Hz": 1}})
	require.NoError(t, err)

	store.EnforceBudget()

	require.NoFileExists(t, oldFail)
	require.FileExists(t, freshPath)
}

func TestEnforceBudgetProtectsRecentFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOutboxStore(dir, 0.000001, 0, time.Hour)
	require.NoError(t, err)

	path, err := store.PersistPayload(Item{DeviceID: "VFD_1", Data: map[string]interface{}{"Hz": 1}})
	require.NoError(t, err)

	store.EnforceBudget()

	require.FileExists(t, path, "a file younger than protectRecent must survive budget enforcement")
}
