// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSamplerPopulatesGaugesFromSources(t *testing.T) {
	reg := New()
	sampler := NewSampler(reg, Sources{
		DevicesOnline:  func() int { return 3 },
		DevicesOffline: func() int { return 1 },
		OutboxFiles:    func() int { return 7 },
		SnapshotRows:   func() int64 { return 1234 },
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sampler.Start(ctx))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.DevicesOnline) == 3 && testutil.ToFloat64(reg.SnapshotRows) == 1234
	}, time.Second, 5*time.Millisecond)
}

func TestRecordPubSubDropIncrementsCounter(t *testing.T) {
	reg := New()
	reg.RecordPubSubDrop("DEVICE_SNAPSHOT")
	reg.RecordPubSubDrop("DEVICE_SNAPSHOT")
	reg.RecordPubSubDrop("ALERT_WARNING")

	require.Equal(t, float64(2), testutil.ToFloat64(reg.PubSubDropped.WithLabelValues("DEVICE_SNAPSHOT")))
	require.Equal(t, float64(1), testutil.ToFloat64(reg.PubSubDropped.WithLabelValues("ALERT_WARNING")))
}

func TestListenerStartServesOnEphemeralPort(t *testing.T) {
	reg := New()
	listener := NewListener("127.0.0.1:0", reg)
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop(context.Background())
}

func TestSetLastCloudPostOKRecordsUnixTimestamp(t *testing.T) {
	reg := New()
	now := time.Unix(1_700_000_000, 0)
	reg.SetLastCloudPostOK(now)
	require.Equal(t, float64(1_700_000_000), testutil.ToFloat64(reg.LastCloudPostOK))
}
