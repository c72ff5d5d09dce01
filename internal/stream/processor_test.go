package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

func testChannel() apiv1.ChannelConfig {
	return apiv1.ChannelConfig{
		ChannelNumber: 0,
		Name:          "parts",
		RegisterCount: 2,
		DataType:      apiv1.DataTypeUInt32LowHigh,
		ScaleFactor:   1,
		DecimalPlaces: 2,
		MinValue:      0,
		MaxValue:      1e9,
	}
}

func newTestProcessor(cfg apiv1.ChannelConfig) (*Processor, chan apiv1.RawFrame, chan apiv1.Reading) {
	in := make(chan apiv1.RawFrame, 8)
	out := make(chan apiv1.Reading, 8)
	p := NewProcessor(in, out, nil, func(deviceID string, channelNumber int) (apiv1.ChannelConfig, map[string]string, bool) {
		return cfg, nil, true
	})
	return p, in, out
}

func TestScenario_HappyPath(t *testing.T) {
	p, _, _ := newTestProcessor(testChannel())
	st := &channelState{}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{500, 0}, AcquiredAt: base}, testChannel(), nil)
	require.Equal(t, apiv1.DataQualityGood, r1.Quality)
	assert.Equal(t, int64(500), r1.RawValue)
	assert.Nil(t, r1.RatePerSecond)

	r2 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{560, 0}, AcquiredAt: base.Add(time.Second)}, testChannel(), nil)
	require.Equal(t, apiv1.DataQualityGood, r2.Quality)
	assert.Equal(t, int64(560), r2.RawValue)
	require.NotNil(t, r2.RatePerSecond)
	assert.InDelta(t, 60.0, *r2.RatePerSecond, 0.01)
}

func TestScenario_16BitOverflow(t *testing.T) {
	cfg := apiv1.ChannelConfig{
		ChannelNumber: 0, RegisterCount: 1, DataType: apiv1.DataTypeUInt16,
		ScaleFactor: 1, DecimalPlaces: 0, MinValue: 0, MaxValue: 1e9,
	}
	p, _, _ := newTestProcessor(cfg)
	st := &channelState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r1 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{65530}, AcquiredAt: base}, cfg, nil)
	require.Equal(t, apiv1.DataQualityGood, r1.Quality)
	assert.Equal(t, int64(65530), r1.RawValue)

	r2 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{5}, AcquiredAt: base.Add(time.Second)}, cfg, nil)
	require.Equal(t, apiv1.DataQualityOverflow, r2.Quality)
	assert.Equal(t, int64(65541), r2.RawValue)
	assert.Equal(t, int64(65536), r2.OverflowOffset, "overflow_offset carries forward rather than resetting")
}

func TestScenario_CounterReset(t *testing.T) {
	cfg := apiv1.ChannelConfig{
		ChannelNumber: 0, RegisterCount: 2, DataType: apiv1.DataTypeUInt32LowHigh,
		ScaleFactor: 1, DecimalPlaces: 0, MinValue: 0, MaxValue: 1e9,
	}
	p, _, _ := newTestProcessor(cfg)
	st := &channelState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r1 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{1000, 0}, AcquiredAt: base}, cfg, nil)
	require.Equal(t, apiv1.DataQualityGood, r1.Quality)

	r2 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{500, 0}, AcquiredAt: base.Add(time.Second)}, cfg, nil)
	require.Equal(t, apiv1.DataQualityUncertain, r2.Quality)
	assert.Equal(t, int64(500), r2.RawValue)
	assert.Equal(t, int64(0), r2.OverflowOffset)
}

func TestBoundary_32BitOverflow(t *testing.T) {
	decoded, width, ok := decodeRegisters(apiv1.DataTypeUInt32LowHigh, []uint16{5, 0})
	require.True(t, ok)
	outcome := classifyTransition(4294967290, decoded, width)
	assert.Equal(t, overflowDetected, outcome)
	assert.Equal(t, int64(4294967301), saturateAdjust(decoded, width))
}

func TestBoundary_RateNullBelowSpan(t *testing.T) {
	cs := &channelState{}
	base := time.Now()
	cs.pushSample(base, 100)
	cs.pushSample(base.Add(100*time.Millisecond), 105)
	assert.Nil(t, cs.rate(), "span under 1s must yield a null rate")
}

func TestBoundary_RateNullWithOneSample(t *testing.T) {
	cs := &channelState{}
	cs.pushSample(time.Now(), 100)
	assert.Nil(t, cs.rate())
}

func TestQuality_WorstWinsOnSimultaneousCandidates(t *testing.T) {
	// Overflow detected but the adjusted value still lands out of range:
	// resolves to Bad (Bad > Overflow in the tie-break order).
	got := classifyQuality(false, false, true, true, false, false, false)
	assert.Equal(t, apiv1.DataQualityBad, got)
}

func TestQuality_ConfigurationErrorShortCircuits(t *testing.T) {
	got := classifyQuality(true, false, true, true, true, true, true)
	assert.Equal(t, apiv1.DataQualityConfigurationError, got)
}

func TestProcess_IOErrorIsBadAndHoldsLastValue(t *testing.T) {
	cfg := testChannel()
	p, _, _ := newTestProcessor(cfg)
	st := &channelState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{500, 0}, AcquiredAt: base}, cfg, nil)

	r2 := p.process(st, apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, AcquiredAt: base.Add(time.Second), IOError: assertErr}, cfg, nil)
	assert.Equal(t, apiv1.DataQualityBad, r2.Quality)
	assert.Equal(t, int64(500), r2.RawValue, "a failed read must hold the last known raw value")
}

func TestProcessor_ResetChannelClearsOverflowOffset(t *testing.T) {
	cfg := apiv1.ChannelConfig{
		ChannelNumber: 0, RegisterCount: 1, DataType: apiv1.DataTypeUInt16,
		ScaleFactor: 1, DecimalPlaces: 0, MinValue: 0, MaxValue: 1e9,
	}
	p, in, out := newTestProcessor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in <- apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{65530}, AcquiredAt: base}
	require.Equal(t, int64(65530), (<-out).RawValue)

	in <- apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{5}, AcquiredAt: base.Add(time.Second)}
	r2 := <-out
	require.Equal(t, apiv1.DataQualityOverflow, r2.Quality)
	require.Equal(t, int64(65536), r2.OverflowOffset)

	// A config change for this channel must drop its running overflow
	// offset, not carry it across into readings from the new config.
	// Give Run's loop a moment to dequeue the reset before the next
	// frame arrives, since both are served from the same select.
	p.ResetChannel("d1", 0)
	time.Sleep(20 * time.Millisecond)

	in <- apiv1.RawFrame{DeviceID: "d1", ChannelNumber: 0, Registers: []uint16{5}, AcquiredAt: base.Add(2 * time.Second)}
	r3 := <-out
	assert.Equal(t, apiv1.DataQualityGood, r3.Quality, "state must start fresh after a reset, not see a phantom overflow")
	assert.Equal(t, int64(0), r3.OverflowOffset)
	assert.Equal(t, int64(5), r3.RawValue)

	cancel()
	<-done
}

var assertErr = &testIOError{}

type testIOError struct{}

func (e *testIOError) Error() string { return "simulated io error" }
