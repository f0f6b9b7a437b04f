// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapshotstore persists every published device snapshot to a local
// sqlite database for later inspection, independent of whether the cloud
// sender succeeded in delivering it.
package snapshotstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/internal/util"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

var driverRegisterOnce sync.Once

const sqliteDriverName = "sqlite3WithHooks"

// Hooks logs every statement sqlhooks wraps the sqlite3 driver with, in the
// same shape the reference repository's own sqlhooks.Hooks used.
type Hooks struct{}

type beginTimeKey struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("[STORE] SQL query %s %q", query, args)
	return context.WithValue(ctx, beginTimeKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginTimeKey{}).(time.Time); ok {
		log.Debugf("[STORE] took %s", time.Since(begin))
	}
	return ctx, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	device_type TEXT NOT NULL,
	sampling_ts INTEGER NOT NULL,
	is_online INTEGER NOT NULL,
	values_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshot_device_ts ON snapshot(device_id, sampling_ts);
CREATE INDEX IF NOT EXISTS idx_snapshot_ts ON snapshot(sampling_ts);
`

// Store is a sqlite-backed append-only log of every snapshot published on
// DEVICE_SNAPSHOT.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open creates (if needed) and opens the sqlite database at path. Matches
// the reference repository's single-writer discipline: sqlite does not
// benefit from more than one open connection, so MaxOpenConns is pinned
// to 1 to avoid callers waiting on driver-level locks instead of failing
// fast.
func Open(path string) (*Store, error) {
	driverRegisterOnce.Do(func() {
		sql.Register(sqliteDriverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
	})

	db, err := sqlx.Open(sqliteDriverName, fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type row struct {
	ID         int64  `db:"id"`
	DeviceID   string `db:"device_id"`
	Model      string `db:"model"`
	SlaveID    int    `db:"slave_id"`
	DeviceType string `db:"device_type"`
	SamplingTS int64  `db:"sampling_ts"`
	IsOnline   int    `db:"is_online"`
	ValuesJSON string `db:"values_json"`
}

func (r row) toSnapshot() (gwtype.Snapshot, error) {
	var values map[string]float64
	if err := json.Unmarshal([]byte(r.ValuesJSON), &values); err != nil {
		return gwtype.Snapshot{}, err
	}
	return gwtype.Snapshot{
		DeviceID:   r.DeviceID,
		Model:      r.Model,
		SlaveID:    r.SlaveID,
		DeviceType: r.DeviceType,
		SamplingTS: time.Unix(r.SamplingTS, 0).UTC(),
		Values:     values,
		IsOnline:   r.IsOnline != 0,
	}, nil
}

// Save appends one snapshot to the store.
func (s *Store) Save(snap gwtype.Snapshot) error {
	valuesJSON, err := json.Marshal(snap.Values)
	if err != nil {
		return err
	}
	online := 0
	if snap.IsOnline {
		online = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshot (device_id, model, slave_id, device_type, sampling_ts, is_online, values_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.DeviceID, snap.Model, snap.SlaveID, snap.DeviceType, snap.SamplingTS.Unix(), online, string(valuesJSON),
	)
	if err != nil {
		log.Errorf("[STORE] Save(%s) failed: %v", snap.DeviceID, err)
	}
	return err
}

// PageInfo carries the pagination metadata a history API needs to render
// page controls without issuing a second count query of its own.
type PageInfo struct {
	TotalCount     int64
	PageNumber     int
	TotalPages     int
	HasNext        bool
	HasPrevious    bool
	NextOffset     int
	PreviousOffset int
}

// Page is one page of a time-ordered snapshot query.
type Page struct {
	Snapshots []gwtype.Snapshot
	HasMore   bool
	Info      PageInfo
}

var snapshotColumns = []string{
	"id", "device_id", "model", "slave_id", "device_type", "sampling_ts", "is_online", "values_json",
}

// rangeFilter adds the [from, to) sampling-time window and the optional
// device filter to a query under construction.
func rangeFilter(q sq.SelectBuilder, deviceID string, from, to time.Time) sq.SelectBuilder {
	q = q.Where("snapshot.sampling_ts >= ?", from.Unix()).
		Where("snapshot.sampling_ts < ?", to.Unix())
	if deviceID != "" {
		q = q.Where("snapshot.device_id = ?", deviceID)
	}
	return q
}

// CountInRange returns how many snapshots deviceID has with sampling_ts in
// [from, to). An empty deviceID counts across all devices.
func (s *Store) CountInRange(deviceID string, from, to time.Time) (int64, error) {
	query, args, err := rangeFilter(sq.Select("count(*)").From("snapshot"), deviceID, from, to).ToSql()
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.Get(&count, query, args...)
	return count, err
}

// Query returns snapshots for deviceID (all devices if deviceID is empty)
// with sampling_ts in [from, to), in sampling-time order, paginated by
// limit/offset, along with full pagination metadata.
func (s *Store) Query(deviceID string, from, to time.Time, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	total, err := s.CountInRange(deviceID, from, to)
	if err != nil {
		return Page{}, err
	}

	query, args, err := rangeFilter(sq.Select(snapshotColumns...).From("snapshot"), deviceID, from, to).
		OrderBy("snapshot.sampling_ts ASC").
		Limit(uint64(limit)).Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return Page{}, err
	}
	var rows []row
	if err := s.db.Select(&rows, query, args...); err != nil {
		return Page{}, err
	}

	snaps := make([]gwtype.Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.toSnapshot()
		if err != nil {
			log.Warnf("[STORE] skipping corrupt row id=%d: %v", r.ID, err)
			continue
		}
		snaps = append(snaps, snap)
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	info := PageInfo{
		TotalCount:  total,
		PageNumber:  offset/limit + 1,
		TotalPages:  totalPages,
		HasNext:     int64(offset+limit) < total,
		HasPrevious: offset > 0,
	}
	if info.HasNext {
		info.NextOffset = offset + limit
	}
	if info.HasPrevious {
		info.PreviousOffset = offset - limit
		if info.PreviousOffset < 0 {
			info.PreviousOffset = 0
		}
	}
	return Page{Snapshots: snaps, HasMore: info.HasNext, Info: info}, nil
}

// Latest returns the most recently stored snapshot for deviceID.
func (s *Store) Latest(deviceID string) (gwtype.Snapshot, bool, error) {
	snaps, err := s.LatestByDevice(deviceID, 1)
	if err != nil {
		return gwtype.Snapshot{}, false, err
	}
	if len(snaps) == 0 {
		return gwtype.Snapshot{}, false, nil
	}
	return snaps[0], true, nil
}

// LatestByDevice returns up to limit of deviceID's most recent snapshots,
// newest first.
func (s *Store) LatestByDevice(deviceID string, limit int) ([]gwtype.Snapshot, error) {
	if limit <= 0 {
		limit = 1
	}
	query, args, err := sq.Select(snapshotColumns...).From("snapshot").
		Where("snapshot.device_id = ?", deviceID).
		OrderBy("snapshot.sampling_ts DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	snaps := make([]gwtype.Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.toSnapshot()
		if err != nil {
			log.Warnf("[STORE] skipping corrupt row id=%d: %v", r.ID, err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Recent returns every snapshot for deviceID sampled within the last window
// before now.
func (s *Store) Recent(deviceID string, now time.Time, window time.Duration) ([]gwtype.Snapshot, error) {
	page, err := s.Query(deviceID, now.Add(-window), now.Add(time.Second), 1000, 0)
	if err != nil {
		return nil, err
	}
	return page.Snapshots, nil
}

// AllRecent returns every device's snapshots sampled within the last
// minutes before now.
func (s *Store) AllRecent(now time.Time, minutes int) ([]gwtype.Snapshot, error) {
	window := time.Duration(minutes) * time.Minute
	page, err := s.Query("", now.Add(-window), now.Add(time.Second), 10000, 0)
	if err != nil {
		return nil, err
	}
	return page.Snapshots, nil
}

// Stats is a summary of the store's current size.
type Stats struct {
	RowCount      int64
	OldestTS      time.Time
	NewestTS      time.Time
	FileSizeBytes int64
}

// Stat reports the current row count, time range, and on-disk size of the
// store.
func (s *Store) Stat() (Stats, error) {
	var st Stats
	var count int64
	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*), MIN(sampling_ts), MAX(sampling_ts) FROM snapshot`).
		Scan(&count, &oldest, &newest)
	if err != nil {
		return Stats{}, err
	}
	st.RowCount = count
	if oldest.Valid {
		st.OldestTS = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		st.NewestTS = time.Unix(newest.Int64, 0).UTC()
	}
	st.FileSizeBytes = util.GetFilesize(s.path)
	return st, nil
}

// Cleanup deletes every row older than retention, run periodically by the
// housekeeping scheduler.
func (s *Store) Cleanup(now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).Unix()
	res, err := s.db.Exec(`DELETE FROM snapshot WHERE sampling_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Infof("[STORE] cleanup removed %d rows older than %s", n, retention)
	}
	return n, nil
}

// Vacuum reclaims space freed by Cleanup. sqlite only returns pages to the
// filesystem on an explicit VACUUM.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}
