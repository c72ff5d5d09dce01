package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_IncrementsPerRegisterRange(t *testing.T) {
	s := NewSimulated(10)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	regs, err := s.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10}, regs)

	regs, err = s.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{20}, regs)

	// independent register ranges track independent counters.
	regs, err = s.ReadHoldingRegisters(ctx, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 0}, regs)
}

func TestSimulated_WrapsAtUint16Width(t *testing.T) {
	s := NewSimulated(1)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	s.counter[0] = 65535
	regs, err := s.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0}, regs, "counter must wrap at the 16-bit width")
}
