// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextAlignedAdvancesToGrid(t *testing.T) {
	after := time.Unix(1_700_000_037, 0).UTC()
	next := nextAligned(after, 60, 0)
	require.Equal(t, int64(1_700_000_040), next.Unix())
	require.True(t, next.After(after))
}

func TestNextAlignedHonorsAnchorOffset(t *testing.T) {
	after := time.Unix(1_700_000_010, 0).UTC()
	next := nextAligned(after, 60, 15)
	require.Equal(t, int64(15), next.Unix()%60)
	require.True(t, next.After(after))
}

func TestNextAlignedOnExactGridPointStillAdvances(t *testing.T) {
	after := time.Unix(1_700_000_040, 0).UTC()
	next := nextAligned(after, 60, 0)
	require.Equal(t, int64(1_700_000_100), next.Unix())
}

func TestWindowStartFloors(t *testing.T) {
	ts := time.Unix(1_700_000_095, 0).UTC()
	ws := windowStart(ts, 60, 0)
	require.Equal(t, int64(1_700_000_040), ws.Unix())
}

func TestResolveGatewayIDUsesRealHostname(t *testing.T) {
	require.Equal(t, "A1B2C3D4E5F", ResolveGatewayID("A1B2C3D4E5F", "99999999999"))
}

func TestResolveGatewayIDFallsBackOnDefaultHostname(t *testing.T) {
	require.Equal(t, "GW000000001", ResolveGatewayID("99999999999", "GW000000001"))
}

func TestResolveGatewayIDFallsBackOnWrongLength(t *testing.T) {
	require.Equal(t, "GW000000001", ResolveGatewayID("short-host", "GW000000001"))
}

func TestResolveGatewayIDTruncatesConfiguredID(t *testing.T) {
	require.Equal(t, "GW000000001", ResolveGatewayID("short-host", "GW000000001-extra"))
}
