package stream

import (
	"math"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

const (
	w32Window = 1000
	w16Window = 100

	uint16Max = int64(1<<16 - 1)
	uint32Max = int64(1<<32 - 1)

	width16 = int64(1) << 16
	width32 = int64(1) << 32

	saturateAt = math.MaxInt64 / 2
)

// decodeRegisters interprets the raw registers for a channel's data
// type. Endianness is explicit: UInt32LowHigh means low|high<<16.
func decodeRegisters(dt apiv1.DataType, regs []uint16) (decoded int64, width int64, ok bool) {
	switch dt {
	case apiv1.DataTypeUInt16:
		if len(regs) != 1 {
			return 0, 0, false
		}
		return int64(regs[0]), width16, true
	case apiv1.DataTypeUInt32LowHigh:
		if len(regs) != 2 {
			return 0, 0, false
		}
		return int64(uint32(regs[0]) | uint32(regs[1])<<16), width32, true
	case apiv1.DataTypeUInt32HighLow:
		if len(regs) != 2 {
			return 0, 0, false
		}
		return int64(uint32(regs[1]) | uint32(regs[0])<<16), width32, true
	default:
		return 0, 0, false
	}
}

// overflowOutcome classifies the transition from a previous decoded
// value to the current one.
type overflowOutcome int

const (
	overflowNone overflowOutcome = iota
	overflowDetected
	counterReset
)

// classifyTransition implements the 16-bit/32-bit overflow-candidate
// test. width is 2^16 for UInt16 channels (register_count==1) and 2^32
// for the two 32-bit encodings (register_count==2); 16-bit overflow
// never applies to a 32-bit width channel.
func classifyTransition(prevDecoded, curDecoded, width int64) overflowOutcome {
	if curDecoded >= prevDecoded {
		return overflowNone
	}

	switch width {
	case width32:
		if prevDecoded > (uint32Max-w32Window) && curDecoded < w32Window {
			return overflowDetected
		}
	case width16:
		if prevDecoded > (uint16Max-w16Window) && curDecoded < w16Window {
			return overflowDetected
		}
	}
	return counterReset
}

// saturateAdjust adds the accumulated overflow offset to the decoded
// value, saturating at half of the int64 range.
func saturateAdjust(decoded, offset int64) int64 {
	adjusted := decoded + offset
	if adjusted > saturateAt {
		return saturateAt
	}
	return adjusted
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	if places < 0 {
		return v
	}
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}
