package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const (
	mbapHeaderLen   = 7
	funcReadHolding = 0x03
	funcErrorBit    = 0x80
	maxPDULen       = 253
)

// ModbusTCP is the real Modbus/TCP transport (C2). One instance owns
// exactly one net.Conn for the lifetime of a device worker.
type ModbusTCP struct {
	cfg   Config
	conn  net.Conn
	txID  uint32
	state State
}

var _ Transport = (*ModbusTCP)(nil)

func NewModbusTCP(cfg Config) *ModbusTCP {
	return &ModbusTCP{cfg: cfg, state: StateDisconnected}
}

func (t *ModbusTCP) State() State { return t.state }

func (t *ModbusTCP) Connect(ctx context.Context) error {
	t.state = StateConnecting

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.Timeout)
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port))
	if err != nil {
		t.state = StateDisconnected
		if ctx.Err() != nil {
			return fmt.Errorf("connect timeout: %w", ctx.Err())
		}
		return fmt.Errorf("connect refused: %w", err)
	}

	t.conn = conn
	t.state = StateConnected
	return nil
}

func (t *ModbusTCP) nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&t.txID, 1))
}

// ReadHoldingRegisters issues one FC 0x03 request and returns count
// registers starting at start. Any I/O or protocol failure leaves the
// transport Disconnected; reconnection is the caller's (C3's)
// responsibility. An out-of-range count is rejected before any I/O.
func (t *ModbusTCP) ReadHoldingRegisters(ctx context.Context, start uint16, count int) ([]uint16, error) {
	if t.state != StateConnected || t.conn == nil {
		return nil, fmt.Errorf("transport closed: not connected")
	}
	if count < 1 || count > 125 {
		return nil, fmt.Errorf("register count %d out of Modbus range [1,125]", count)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.Timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.closeOnError()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	txID := t.nextTransactionID()
	pdu := []byte{funcReadHolding, byte(start >> 8), byte(start), byte(count >> 8), byte(count)}
	frame := packMBAP(txID, t.cfg.UnitID, pdu)

	if _, err := t.conn.Write(frame); err != nil {
		t.closeOnError()
		return nil, fmt.Errorf("io error writing request: %w", err)
	}

	respTxID, respUnitID, respPDU, err := t.readFrame()
	if err != nil {
		t.closeOnError()
		return nil, err
	}
	if respTxID != txID || respUnitID != t.cfg.UnitID {
		t.closeOnError()
		return nil, fmt.Errorf("protocol error: mismatched transaction/unit id")
	}

	regs, err := decodeReadHoldingResponse(respPDU, count)
	if err != nil {
		t.closeOnError()
		return nil, err
	}
	return regs, nil
}

func (t *ModbusTCP) Test(ctx context.Context) error {
	_, err := t.ReadHoldingRegisters(ctx, t.cfg.ProbeRegister, 1)
	return err
}

func (t *ModbusTCP) Close() error {
	if t.conn == nil {
		t.state = StateDisconnected
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.state = StateDisconnected
	return err
}

func (t *ModbusTCP) closeOnError() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.state = StateDisconnected
}

// readErr wraps a read failure so the message names a timeout only
// when the deadline genuinely expired; EOF and connection resets stay
// plain I/O errors.
func readErr(what string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout reading %s: %w", what, err)
	}
	return fmt.Errorf("io error reading %s: %w", what, err)
}

func (t *ModbusTCP) readFrame() (txID uint16, unitID uint8, pdu []byte, err error) {
	header := make([]byte, mbapHeaderLen)
	if _, err = io.ReadFull(t.conn, header); err != nil {
		return 0, 0, nil, readErr("MBAP header", err)
	}

	txID = binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint16(header[4:6])
	unitID = header[6]

	if length == 0 || int(length) > maxPDULen+1 {
		return 0, 0, nil, fmt.Errorf("protocol error: invalid length field %d", length)
	}

	pdu = make([]byte, int(length)-1)
	if len(pdu) > 0 {
		if _, err = io.ReadFull(t.conn, pdu); err != nil {
			return 0, 0, nil, readErr("PDU", err)
		}
	}

	return txID, unitID, pdu, nil
}

func packMBAP(txID uint16, unitID uint8, pdu []byte) []byte {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id, always 0 for Modbus/TCP
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

func decodeReadHoldingResponse(pdu []byte, wantCount int) ([]uint16, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("protocol error: empty response PDU")
	}
	if pdu[0]&funcErrorBit != 0 {
		code := byte(0)
		if len(pdu) > 1 {
			code = pdu[1]
		}
		return nil, fmt.Errorf("protocol error: exception code 0x%02x", code)
	}
	if pdu[0] != funcReadHolding {
		return nil, fmt.Errorf("protocol error: unexpected function code 0x%02x", pdu[0])
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("protocol error: truncated response")
	}

	byteCount := int(pdu[1])
	if byteCount != wantCount*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("protocol error: byte count mismatch (got %d, want %d)", byteCount, wantCount*2)
	}

	regs := make([]uint16, wantCount)
	for i := 0; i < wantCount; i++ {
		regs[i] = binary.BigEndian.Uint16(pdu[2+i*2 : 4+i*2])
	}
	return regs, nil
}
