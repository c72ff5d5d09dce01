package transport

import (
	"context"
	"sync"
)

// Simulated is the --demo-mode transport: it produces a monotonically
// incrementing counter per register range instead of talking to real
// hardware, so the full poll/process/write pipeline can be exercised
// without Modbus devices.
type Simulated struct {
	mu      sync.Mutex
	state   State
	step    uint32
	counter map[uint16]uint64 // keyed by start register, width-agnostic running value
}

var _ Transport = (*Simulated)(nil)

// NewSimulated builds a demo-mode transport that advances every
// register range's counter by step on each read.
func NewSimulated(step uint32) *Simulated {
	if step == 0 {
		step = 1
	}
	return &Simulated{state: StateDisconnected, step: step, counter: make(map[uint16]uint64)}
}

func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	return nil
}

func (s *Simulated) Test(ctx context.Context) error {
	_, err := s.ReadHoldingRegisters(ctx, 0, 1)
	return err
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	return nil
}

func (s *Simulated) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadHoldingRegisters advances the counter for (start) by step and
// encodes it low-word-first across count registers, wrapping at the
// width so rollover can be exercised on demand.
func (s *Simulated) ReadHoldingRegisters(ctx context.Context, start uint16, count int) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	width := uint64(1) << (16 * uint(count))
	s.counter[start] = (s.counter[start] + uint64(s.step)) % width

	regs := make([]uint16, count)
	v := s.counter[start]
	for i := 0; i < count; i++ {
		regs[i] = uint16(v >> (16 * uint(i)))
	}
	return regs, nil
}
