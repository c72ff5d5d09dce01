// Package transport implements the Modbus/TCP transport (C2): connect,
// read holding registers (function code 0x03), test and close. The
// wire codec follows the MBAP-header/transaction-ID style used by the
// pack's hootrhino/gomodbus TCPTransporter, trimmed to the single
// operation this core needs.
package transport

import (
	"context"
	"time"
)

// State is the transport's connection state machine
// (Disconnected -> Connecting -> Connected -> Disconnected on any failure).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is one connection to one Modbus/TCP device. Implementations
// must be safe to use from a single goroutine only (each device worker
// owns exactly one transport, per C3).
type Transport interface {
	// Connect opens the connection, completing within ctx's deadline.
	Connect(ctx context.Context) error
	// ReadHoldingRegisters issues an FC 0x03 request for count
	// registers starting at start.
	ReadHoldingRegisters(ctx context.Context, start uint16, count int) ([]uint16, error)
	// Test issues a minimal probe read and reports only success/failure.
	Test(ctx context.Context) error
	// Close is idempotent and releases any underlying socket.
	Close() error
	// State reports the current connection state.
	State() State
}

// Config parameterizes a Transport's timeouts and probe register,
// derived from the owning DeviceConfig.
type Config struct {
	Host          string
	Port          int
	UnitID        uint8
	Timeout       time.Duration
	ProbeRegister uint16
}
