// Package device implements the per-device worker (C3) and the device
// pool orchestrator (C4).
package device

import (
	"sort"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

const maxReadSpan = 125 // Modbus FC 0x03 register-count limit per request

// readGroup is one physical FC 0x03 request covering one or more
// contiguous channels.
type readGroup struct {
	start    uint16
	count    int
	channels []apiv1.ChannelConfig
}

// groupChannels orders enabled channels by start register and merges
// adjacent ones into a single request whenever the combined span fits
// within a 125-register read.
func groupChannels(channels []apiv1.ChannelConfig) []readGroup {
	enabled := make([]apiv1.ChannelConfig, 0, len(channels))
	for _, c := range channels {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].StartRegister < enabled[j].StartRegister })

	var groups []readGroup
	for _, c := range enabled {
		end := uint32(c.StartRegister) + uint32(c.RegisterCount)

		if len(groups) > 0 {
			last := &groups[len(groups)-1]
			lastEnd := uint32(last.start) + uint32(last.count)
			span := end - uint32(last.start)

			if uint32(c.StartRegister) == lastEnd && span <= maxReadSpan {
				last.count = int(span)
				last.channels = append(last.channels, c)
				continue
			}
		}

		groups = append(groups, readGroup{
			start:    c.StartRegister,
			count:    c.RegisterCount,
			channels: []apiv1.ChannelConfig{c},
		})
	}

	return groups
}

// slice extracts one channel's registers out of a group's combined
// read result.
func (g readGroup) slice(full []uint16, ch apiv1.ChannelConfig) []uint16 {
	offset := int(ch.StartRegister - g.start)
	if offset < 0 || offset+ch.RegisterCount > len(full) {
		return nil
	}
	return full[offset : offset+ch.RegisterCount]
}
