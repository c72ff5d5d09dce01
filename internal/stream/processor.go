package stream

import (
	"context"
	"maps"
	"time"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/log"
)

// Metrics is the narrow slice of the C7 surface the processor reports
// into; kept as a local interface so this package has no dependency
// on the metrics package's concrete type.
type Metrics interface {
	IncReadings(quality apiv1.DataQuality)
	IncOverflow(deviceID string, channelNumber int)
}

// Processor is the stream processor (C5). It owns all channelState
// exclusively; RawFrames are consumed from a single input channel so
// no locking around channelState is needed. ResetChannel requests from
// other goroutines (C4, on a channel's config change) are likewise
// funnelled through resetCh and applied only inside Run's own loop.
type Processor struct {
	in      <-chan apiv1.RawFrame
	out     chan<- apiv1.Reading
	metrics Metrics
	configs func(deviceID string, channelNumber int) (apiv1.ChannelConfig, map[string]string, bool)

	states  map[key]*channelState
	resetCh chan key
}

// NewProcessor builds a Processor that reads RawFrames from in,
// resolves each frame's ChannelConfig (and merged device+channel tags)
// via configs, and emits Readings to out.
func NewProcessor(
	in <-chan apiv1.RawFrame,
	out chan<- apiv1.Reading,
	metrics Metrics,
	configs func(deviceID string, channelNumber int) (apiv1.ChannelConfig, map[string]string, bool),
) *Processor {
	return &Processor{
		in:      in,
		out:     out,
		metrics: metrics,
		configs: configs,
		states:  make(map[key]*channelState),
		resetCh: make(chan key, 32),
	}
}

// Run consumes frames until ctx is cancelled or the input channel is
// closed.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.in:
			if !ok {
				return
			}
			p.handle(frame)
		case k := <-p.resetCh:
			delete(p.states, k)
		}
	}
}

func (p *Processor) handle(frame apiv1.RawFrame) {
	chCfg, tags, found := p.configs(frame.DeviceID, frame.ChannelNumber)
	if !found {
		log.Logger.Warnw("dropping frame for unknown channel", "device_id", frame.DeviceID, "channel", frame.ChannelNumber)
		return
	}

	k := key{deviceID: frame.DeviceID, channelNumber: frame.ChannelNumber}
	st, ok := p.states[k]
	if !ok {
		st = &channelState{}
		p.states[k] = st
	}

	reading := p.process(st, frame, chCfg, tags)

	if p.metrics != nil {
		p.metrics.IncReadings(reading.Quality)
		if reading.Quality == apiv1.DataQualityOverflow {
			p.metrics.IncOverflow(frame.DeviceID, frame.ChannelNumber)
		}
	}

	select {
	case p.out <- reading:
	default:
		// Backpressure: the writer's input channel is full. The
		// processor goroutine must not block, so drop the newest
		// reading and log loudly rather than stall ingestion.
		log.Logger.Errorw("writer input full, dropping reading", "device_id", frame.DeviceID, "channel", frame.ChannelNumber)
	}
}

// ResetChannel clears a channel's running state, called by the pool
// when a channel's config changes. Safe to call from any goroutine:
// the actual map mutation happens inside Run's own loop, preserving
// the processor's single-owner state.
func (p *Processor) ResetChannel(deviceID string, channelNumber int) {
	k := key{deviceID: deviceID, channelNumber: channelNumber}
	select {
	case p.resetCh <- k:
	default:
		log.Logger.Warnw("channel reset request dropped, reset queue full", "device_id", deviceID, "channel", channelNumber)
	}
}

// process runs one frame through decode, overflow adjustment, rate
// and quality classification.
func (p *Processor) process(st *channelState, frame apiv1.RawFrame, cfg apiv1.ChannelConfig, deviceTags map[string]string) apiv1.Reading {
	ts := frame.AcquiredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ioErr := frame.IOError != nil

	decoded, width, decodeOK := decodeRegisters(cfg.DataType, frame.Registers)
	configErr := !ioErr && (!decodeOK || len(frame.Registers) != cfg.DataType.RegisterCount())

	var (
		overflow bool
		reset    bool
	)

	if !ioErr && !configErr {
		if st.hasLast {
			switch classifyTransition(st.lastDecoded, decoded, width) {
			case overflowDetected:
				st.overflowOffset += width
				overflow = true
			case counterReset:
				st.overflowOffset = 0
				reset = true
			}
		}
	}

	var adjusted int64
	if !ioErr && !configErr {
		adjusted = saturateAdjust(decoded, st.overflowOffset)
	} else if st.hasLast {
		adjusted = st.lastAdjusted
	}

	processed := roundTo(float64(adjusted)*cfg.ScaleFactor+cfg.Offset, cfg.DecimalPlaces)
	outOfRange := !ioErr && !configErr && (processed < cfg.MinValue || processed > cfg.MaxValue)

	var rate *float64
	if !ioErr && !configErr {
		st.pushSample(ts, adjusted)
		rate = st.rate()
	}

	rateExceeded := false
	if rate != nil && cfg.MaxChangeRate != nil {
		abs := *rate
		if abs < 0 {
			abs = -abs
		}
		rateExceeded = abs > *cfg.MaxChangeRate
	}

	quality := classifyQuality(configErr, ioErr, outOfRange, overflow, reset, rateExceeded, st.consecutiveBad >= 1)

	// A clean frame zeroes the counter even when the prior run left this
	// reading Uncertain; the mark applies to the first reading after a
	// bad/reset run, not to every reading thereafter.
	if quality == apiv1.DataQualityBad || reset {
		st.consecutiveBad++
	} else if !ioErr && !configErr {
		st.consecutiveBad = 0
	}

	if !ioErr && !configErr {
		st.hasLast = true
		st.lastDecoded = decoded
		st.lastAdjusted = adjusted
		st.lastTimestamp = ts
	}

	mergedTags := make(map[string]string, len(deviceTags)+len(cfg.Tags))
	maps.Copy(mergedTags, deviceTags)
	maps.Copy(mergedTags, cfg.Tags)

	return apiv1.Reading{
		DeviceID:       frame.DeviceID,
		ChannelNumber:  frame.ChannelNumber,
		Timestamp:      ts,
		RawValue:       adjusted,
		ProcessedValue: processed,
		RatePerSecond:  rate,
		Quality:        quality,
		OverflowOffset: st.overflowOffset,
		Tags:           mergedTags,
	}
}
