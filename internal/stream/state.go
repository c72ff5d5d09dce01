// Package stream implements the per-channel stream processor:
// decode -> overflow adjust -> rate -> quality -> Reading. Channel
// state is single-owner (only ever touched from the processor's own
// goroutine), so no locking is required here.
package stream

import "time"

const (
	maxSamples   = 32
	sampleWindow = 60 * time.Second
	minRateSpan  = time.Second
)

type sample struct {
	at       time.Time
	adjusted int64
}

// channelState is the private per-(device_id, channel_number) running
// state.
type channelState struct {
	hasLast        bool
	lastDecoded    int64 // last decoded register value, pre-adjustment; used for overflow/reset comparisons
	lastAdjusted   int64 // last emitted Reading.raw_value
	lastTimestamp  time.Time
	overflowOffset int64
	samples        []sample
	consecutiveBad int
}

// key identifies one channel's state.
type key struct {
	deviceID      string
	channelNumber int
}

func (cs *channelState) pushSample(at time.Time, adjusted int64) {
	cs.samples = append(cs.samples, sample{at: at, adjusted: adjusted})

	// Trim by count first, then by age, matching "retain at most 32
	// samples or the last 60s, whichever is smaller".
	if len(cs.samples) > maxSamples {
		cs.samples = cs.samples[len(cs.samples)-maxSamples:]
	}
	cutoff := at.Add(-sampleWindow)
	i := 0
	for i < len(cs.samples) && cs.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cs.samples = cs.samples[i:]
	}
}

// rate computes the instantaneous rate per second across the retained
// samples, or nil if there are fewer than 2 samples or the span is
// under 1 second.
func (cs *channelState) rate() *float64 {
	if len(cs.samples) < 2 {
		return nil
	}
	oldest := cs.samples[0]
	newest := cs.samples[len(cs.samples)-1]
	span := newest.at.Sub(oldest.at)
	if span < minRateSpan {
		return nil
	}
	r := float64(newest.adjusted-oldest.adjusted) / span.Seconds()
	return &r
}
