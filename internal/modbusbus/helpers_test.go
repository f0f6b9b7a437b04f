// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modbusbus

import "github.com/goburrow/modbus"

func modbusErr(code byte) *modbus.ModbusError {
	return &modbus.ModbusError{ExceptionCode: code}
}
