// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapshotstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLatest(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, store.Save(gwtype.Snapshot{
		DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base,
		Values: map[string]float64{"Hz": 40}, IsOnline: true,
	}))
	require.NoError(t, store.Save(gwtype.Snapshot{
		DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Minute),
		Values: map[string]float64{"Hz": 42}, IsOnline: true,
	}))

	snap, ok, err := store.Latest("VFD_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42.0, snap.Values["Hz"])
}

func TestLatestMissingDeviceReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Latest("GHOST_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueryPaginatesAndReportsHasMore(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(gwtype.Snapshot{
			DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Duration(i) * time.Second),
			Values: map[string]float64{"Hz": float64(i)}, IsOnline: true,
		}))
	}

	page, err := store.Query("VFD_1", base.Add(-time.Hour), base.Add(time.Hour), 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Snapshots, 2)
	require.True(t, page.HasMore)

	page, err = store.Query("VFD_1", base.Add(-time.Hour), base.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Snapshots, 5)
	require.False(t, page.HasMore)
}

func TestQueryReturnsSamplingTimeOrderWithMetadata(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 4; i >= 0; i-- { // insert newest first: read-back order must not depend on insert order
		require.NoError(t, store.Save(gwtype.Snapshot{
			DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Duration(i) * time.Second),
			Values: map[string]float64{"Hz": float64(i)}, IsOnline: true,
		}))
	}

	page, err := store.Query("VFD_1", base.Add(-time.Hour), base.Add(time.Hour), 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Snapshots, 2)
	require.Equal(t, 2.0, page.Snapshots[0].Values["Hz"])
	require.Equal(t, 3.0, page.Snapshots[1].Values["Hz"])

	require.Equal(t, int64(5), page.Info.TotalCount)
	require.Equal(t, 2, page.Info.PageNumber)
	require.Equal(t, 3, page.Info.TotalPages)
	require.True(t, page.Info.HasNext)
	require.True(t, page.Info.HasPrevious)
	require.Equal(t, 4, page.Info.NextOffset)
	require.Equal(t, 0, page.Info.PreviousOffset)
}

func TestCountInRange(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(gwtype.Snapshot{
			DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Duration(i) * time.Minute),
			Values: map[string]float64{}, IsOnline: true,
		}))
	}
	count, err := store.CountInRange("VFD_1", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestLatestByDeviceRespectsLimit(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Save(gwtype.Snapshot{
			DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Duration(i) * time.Second),
			Values: map[string]float64{"Hz": float64(i)}, IsOnline: true,
		}))
	}
	snaps, err := store.LatestByDevice("VFD_1", 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, 3.0, snaps[0].Values["Hz"])
	require.Equal(t, 2.0, snaps[1].Values["Hz"])
}

func TestAllRecentSpansDevices(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: now.Add(-time.Minute), Values: map[string]float64{}, IsOnline: true}))
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "PM_2", Model: "PM", SlaveID: 2, SamplingTS: now.Add(-2 * time.Minute), Values: map[string]float64{}, IsOnline: true}))
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "PM_2", Model: "PM", SlaveID: 2, SamplingTS: now.Add(-2 * time.Hour), Values: map[string]float64{}, IsOnline: true}))

	snaps, err := store.AllRecent(now, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestRecentFiltersByWindow(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: now.Add(-2 * time.Hour), Values: map[string]float64{}, IsOnline: true}))
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: now.Add(-time.Minute), Values: map[string]float64{}, IsOnline: true}))

	recent, err := store.Recent("VFD_1", now, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestStatReportsRowCountAndRange(t *testing.T) {
	store := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base, Values: map[string]float64{}, IsOnline: true}))
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: base.Add(time.Hour), Values: map[string]float64{}, IsOnline: true}))

	stats, err := store.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.RowCount)
	require.Equal(t, base, stats.OldestTS)
	require.Equal(t, base.Add(time.Hour), stats.NewestTS)
	require.Greater(t, stats.FileSizeBytes, int64(0))
}

func TestCleanupRemovesOldRows(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: now.Add(-48 * time.Hour), Values: map[string]float64{}, IsOnline: true}))
	require.NoError(t, store.Save(gwtype.Snapshot{DeviceID: "VFD_1", Model: "VFD", SlaveID: 1, SamplingTS: now, Values: map[string]float64{}, IsOnline: true}))

	n, err := store.Cleanup(now, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stats, err := store.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.RowCount)
}
