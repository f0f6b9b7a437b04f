// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbusbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParityCode(t *testing.T) {
	require.Equal(t, "N", parityCode(""))
	require.Equal(t, "E", parityCode("E"))
	require.Equal(t, "O", parityCode("O"))
	require.Equal(t, "N", parityCode("bogus"))
}

func TestMissingSlice(t *testing.T) {
	out := missingSlice(3)
	require.Len(t, out, 3)
	for _, v := range out {
		require.Equal(t, -1.0, v)
	}
}

func TestHandleModbusErrorClassification(t *testing.T) {
	b := &Bus{}

	// illegal_data_address: buffer-clear only, no teardown.
	b.consecutiveErrors = 0
	a := b.handleModbusError(modbusErr(ExcIllegalDataAddress))
	require.Equal(t, actionBufferClear, a)

	// slave_device_busy below threshold: buffer-clear only.
	b.consecutiveErrors = 0
	a = b.handleModbusError(modbusErr(ExcSlaveDeviceBusy))
	require.Equal(t, actionBufferClear, a)
	a = b.handleModbusError(modbusErr(ExcSlaveDeviceBusy))
	require.Equal(t, actionBufferClear, a)
	// Third consecutive busy response tears the connection down.
	a = b.handleModbusError(modbusErr(ExcSlaveDeviceBusy))
	require.Equal(t, actionBufferClearAndReset, a)

	// Unknown/other exception codes always tear down.
	b.consecutiveErrors = 0
	a = b.handleModbusError(modbusErr(ExcSlaveDeviceFailure))
	require.Equal(t, actionBufferClearAndReset, a)
}
