// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package housekeeping

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc-edge/modbus-gateway/internal/sender"
)

func TestOutboxSweepRunsOnSchedule(t *testing.T) {
	dir := t.TempDir()
	outbox, err := sender.NewOutboxStore(dir, 0, 0, 0)
	require.NoError(t, err)
	path, err := outbox.PersistPayload(map[string]interface{}{"FUNC": "ReportData"})
	require.NoError(t, err)

	stat, err := sender.NewOutboxStore(dir, 0.000001, 0, 0)
	require.NoError(t, err)

	sched, err := New(Config{
		OutboxSweepEnabled:  true,
		OutboxSweepInterval: 20 * time.Millisecond,
	}, nil, stat)
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)
		return os.IsNotExist(statErr)
	}, time.Second, 10*time.Millisecond, "outbox sweep should eventually remove the over-budget file")
}

func TestNewFailsNever(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.NoError(t, err)
}
