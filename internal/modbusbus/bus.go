// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package modbusbus serializes every Modbus RTU transaction that shares a
// physical RS-485 port behind a single mutex, so that one slave's reply
// frame can never be misread as another slave's response.
package modbusbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/cc-edge/modbus-gateway/internal/gwtype"
	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// Modbus exception codes, per the RTU spec.
const (
	ExcIllegalFunction     byte = 1
	ExcIllegalDataAddress  byte = 2
	ExcIllegalDataValue    byte = 3
	ExcSlaveDeviceFailure  byte = 4
	ExcAcknowledge         byte = 5
	ExcSlaveDeviceBusy     byte = 6
	ExcMemoryParityError   byte = 8
	ExcGatewayPathUnavail  byte = 10
	ExcGatewayTargetFailed byte = 11
)

const maxErrorsBeforeReset = 3

// PortConfig describes one physical serial port shared by every Bus backed
// by it.
type PortConfig struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	Timeout  time.Duration
}

// Bus is a single-owner Modbus RTU transaction layer for one slave on one
// physical port. Multiple Bus values (e.g. one per register_type override)
// may share the same *sync.Mutex so that all traffic on a port is
// serialized regardless of how many logical buses wrap it.
type Bus struct {
	mu       *sync.Mutex
	port     PortConfig
	slaveID  byte

	handler *modbus.RTUClientHandler
	client  modbus.Client

	connected bool

	consecutiveErrors int
	bufferClearWarned bool
}

// NewSharedMutex returns a mutex to be shared by every Bus on the same
// physical port.
func NewSharedMutex() *sync.Mutex {
	return &sync.Mutex{}
}

// New constructs a Bus for one slave. mu must be shared with every other
// Bus on the same physical port.
func New(mu *sync.Mutex, port PortConfig, slaveID int) *Bus {
	return &Bus{
		mu:      mu,
		port:    port,
		slaveID: byte(slaveID),
	}
}

func (b *Bus) lockCtx(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The lock will still be acquired eventually by the goroutine above;
		// when it is, it must be released immediately since the caller gave
		// up. We swap a dummy unlock in by letting the goroutine's Lock
		// complete and then Unlock it from here is unsafe across
		// goroutines, so instead we accept the Lock and release right away.
		go func() {
			<-done
			b.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// EnsureConnected opens the serial port if it is not already open. It is
// idempotent and only attempts reconnection while holding the port mutex.
func (b *Bus) EnsureConnected(ctx context.Context) bool {
	if err := b.lockCtx(ctx); err != nil {
		return false
	}
	defer b.mu.Unlock()
	return b.ensureConnectedLocked()
}

func (b *Bus) ensureConnectedLocked() bool {
	if b.connected {
		return true
	}
	h := modbus.NewRTUClientHandler(b.port.Device)
	h.BaudRate = b.port.BaudRate
	h.DataBits = b.port.DataBits
	h.Parity = parityCode(b.port.Parity)
	h.StopBits = b.port.StopBits
	h.SlaveId = b.slaveID
	if b.port.Timeout > 0 {
		h.Timeout = b.port.Timeout
	} else {
		h.Timeout = time.Second
	}
	if err := h.Connect(); err != nil {
		log.Warnf("[BUS] %s: connect failed: %v", b.port.Device, err)
		return false
	}
	b.handler = h
	b.client = modbus.NewClient(h)
	b.connected = true
	b.consecutiveErrors = 0
	return true
}

func parityCode(p string) string {
	switch p {
	case "E", "O", "N":
		return p
	default:
		return "N"
	}
}

// resetConnectionLocked tears the connection down. Must be called while
// holding b.mu.
func (b *Bus) resetConnectionLocked(reason string, force bool) {
	if !b.connected && !force {
		return
	}
	log.Warnf("[BUS] %s: resetting connection (%s)", b.port.Device, reason)
	b.safeCloseLocked()
	b.connected = false
	b.consecutiveErrors = 0
}

func (b *Bus) safeCloseLocked() {
	if b.handler == nil {
		return
	}
	if err := b.handler.Close(); err != nil {
		log.Debugf("[BUS] %s: close error (ignored): %v", b.port.Device, err)
	}
	b.handler = nil
	b.client = nil
}

// bufferFlusher is the capability the REDESIGN FLAGS ask for explicitly:
// a transport that can discard stale received bytes before a new request is
// sent, instead of reaching into a serial library's private internals.
// goburrow/modbus's RTUClientHandler does not implement it; when the
// concrete transport doesn't, the miss is logged once and polling continues
// without the flush (the same degraded-but-safe behavior the reference
// implementation falls back to when its own private-attribute reach fails).
type bufferFlusher interface {
	Flush() error
}

// tryClearReceiveBuffer flushes stale bytes sitting in the serial driver's
// receive buffer before a new request is sent.
func (b *Bus) tryClearReceiveBuffer() {
	if b.handler == nil {
		return
	}
	if f, ok := any(b.handler).(bufferFlusher); ok {
		if err := f.Flush(); err != nil {
			log.Debugf("[BUS] %s: buffer flush error (ignored): %v", b.port.Device, err)
		}
		return
	}
	if !b.bufferClearWarned {
		log.Warnf("[BUS] %s: underlying transport does not expose a buffer flush capability", b.port.Device)
		b.bufferClearWarned = true
	}
}

// bufferSettleDelay is the pause after flushing and before issuing a new
// request, giving in-flight UART bytes time to finish landing.
const bufferSettleDelay = 10 * time.Millisecond

// action is what handleModbusError decides to do with the connection after
// classifying a failure.
type action int

const (
	actionNone action = iota
	actionBufferClear
	actionBufferClearAndReset
)

// handleModbusError classifies a transaction failure per the exception
// code table and returns what the bus should do to the connection.
// Must be called while holding b.mu.
func (b *Bus) handleModbusError(err error) action {
	var modErr *modbus.ModbusError
	if errors.As(err, &modErr) {
		switch modErr.ExceptionCode {
		case ExcIllegalFunction, ExcIllegalDataAddress, ExcIllegalDataValue:
			return actionBufferClear
		case ExcSlaveDeviceBusy:
			b.consecutiveErrors++
			if b.consecutiveErrors >= maxErrorsBeforeReset {
				return actionBufferClearAndReset
			}
			return actionBufferClear
		default:
			return actionBufferClearAndReset
		}
	}
	// Transport error (serial/connection/timeout) or malformed/short payload.
	return actionBufferClearAndReset
}

func (b *Bus) applyAction(a action, reason string) {
	switch a {
	case actionBufferClear:
		b.tryClearReceiveBuffer()
	case actionBufferClearAndReset:
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked(reason, false)
	}
}

// missingSlice returns a count-length slice filled with the Missing sentinel.
func missingSlice(count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = gwtype.Missing
	}
	return out
}

// ReadRegisters reads count 16-bit holding or input registers starting at
// offset. On any failure it returns nil words and no error, except for
// context cancellation which is always propagated.
func (b *Bus) ReadRegisters(ctx context.Context, offset, count uint16, regType gwtype.RegisterType) ([]uint16, error) {
	if err := b.lockCtx(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	if !b.ensureConnectedLocked() {
		return nil, nil
	}
	b.tryClearReceiveBuffer()
	time.Sleep(bufferSettleDelay)

	if ctx.Err() != nil {
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked("cancelled", true)
		return nil, ctx.Err()
	}

	var raw []byte
	var err error
	switch regType {
	case gwtype.RegisterInput:
		raw, err = b.client.ReadInputRegisters(offset, count)
	default:
		raw, err = b.client.ReadHoldingRegisters(offset, count)
	}
	if err != nil {
		a := b.handleModbusError(err)
		b.applyAction(a, fmt.Sprintf("read error: %v", err))
		return nil, nil
	}
	b.consecutiveErrors = 0

	if len(raw) < int(count)*2 {
		b.applyAction(actionBufferClearAndReset, "short payload")
		return nil, nil
	}
	words := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		words[i] = uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
	}
	return words, nil
}

// ReadBits reads count coils or discrete inputs starting at offset.
func (b *Bus) ReadBits(ctx context.Context, offset, count uint16, regType gwtype.RegisterType) ([]bool, error) {
	if err := b.lockCtx(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	if !b.ensureConnectedLocked() {
		return nil, nil
	}
	b.tryClearReceiveBuffer()
	time.Sleep(bufferSettleDelay)

	if ctx.Err() != nil {
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked("cancelled", true)
		return nil, ctx.Err()
	}

	var raw []byte
	var err error
	switch regType {
	case gwtype.RegisterDiscreteInput:
		raw, err = b.client.ReadDiscreteInputs(offset, count)
	default:
		raw, err = b.client.ReadCoils(offset, count)
	}
	if err != nil {
		a := b.handleModbusError(err)
		b.applyAction(a, fmt.Sprintf("read error: %v", err))
		return nil, nil
	}
	b.consecutiveErrors = 0

	bits := make([]bool, count)
	for i := 0; i < int(count); i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		bits[i] = raw[byteIdx]&(1<<uint(i%8)) != 0
	}
	return bits, nil
}

// WriteU16 writes a single 16-bit holding register.
func (b *Bus) WriteU16(ctx context.Context, offset uint16, value uint16) (bool, error) {
	if err := b.lockCtx(ctx); err != nil {
		return false, err
	}
	defer b.mu.Unlock()

	if !b.ensureConnectedLocked() {
		return false, nil
	}
	b.tryClearReceiveBuffer()
	time.Sleep(bufferSettleDelay)

	if ctx.Err() != nil {
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked("cancelled", true)
		return false, ctx.Err()
	}

	_, err := b.client.WriteSingleRegister(offset, value)
	if err != nil {
		a := b.handleModbusError(err)
		b.applyAction(a, fmt.Sprintf("write error: %v", err))
		return false, nil
	}
	b.consecutiveErrors = 0
	return true, nil
}

// WriteCoil writes a single coil.
func (b *Bus) WriteCoil(ctx context.Context, offset uint16, value bool) (bool, error) {
	if err := b.lockCtx(ctx); err != nil {
		return false, err
	}
	defer b.mu.Unlock()

	if !b.ensureConnectedLocked() {
		return false, nil
	}
	b.tryClearReceiveBuffer()
	time.Sleep(bufferSettleDelay)

	if ctx.Err() != nil {
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked("cancelled", true)
		return false, ctx.Err()
	}

	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	_, err := b.client.WriteSingleCoil(offset, v)
	if err != nil {
		a := b.handleModbusError(err)
		b.applyAction(a, fmt.Sprintf("write error: %v", err))
		return false, nil
	}
	b.consecutiveErrors = 0
	return true, nil
}

// WriteCoils writes multiple consecutive coils in one request.
func (b *Bus) WriteCoils(ctx context.Context, offset uint16, values []bool) (bool, error) {
	if err := b.lockCtx(ctx); err != nil {
		return false, err
	}
	defer b.mu.Unlock()

	if !b.ensureConnectedLocked() {
		return false, nil
	}
	b.tryClearReceiveBuffer()
	time.Sleep(bufferSettleDelay)

	if ctx.Err() != nil {
		b.tryClearReceiveBuffer()
		b.resetConnectionLocked("cancelled", true)
		return false, ctx.Err()
	}

	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	_, err := b.client.WriteMultipleCoils(offset, uint16(len(values)), packed)
	if err != nil {
		a := b.handleModbusError(err)
		b.applyAction(a, fmt.Sprintf("write error: %v", err))
		return false, nil
	}
	b.consecutiveErrors = 0
	return true, nil
}

// Close tears down the connection unconditionally, used during shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.safeCloseLocked()
	b.connected = false
}
