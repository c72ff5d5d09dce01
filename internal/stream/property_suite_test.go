package stream

import (
	"math"
	"math/rand"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

func TestStreamPropertySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stream overflow/rate property suite")
}

var _ = Describe("overflow adjustment", func() {
	It("is reversible modulo width: adjusted - overflow_offset == decoded", func() {
		cases := []struct {
			prev, cur, width int64
		}{
			{65530, 5, width16},
			{4294967290, 5, width32},
			{100, 50, width16},
		}
		for _, c := range cases {
			offset := int64(0)
			if classifyTransition(c.prev, c.cur, c.width) == overflowDetected {
				offset = c.width
			}
			adjusted := saturateAdjust(c.cur, offset)
			Expect(adjusted - offset).To(Equal(c.cur))
		}
	})
})

var _ = Describe("processed value rounding", func() {
	DescribeTable("processed == round(adjusted*scale+offset, decimals)",
		func(adjusted int64, scale, offset float64, decimals int) {
			raw := float64(adjusted)*scale + offset
			mult := math.Pow(10, float64(decimals))
			want := math.Round(raw*mult) / mult

			Expect(roundTo(raw, decimals)).To(Equal(want))
		},
		Entry("integer scale", int64(1000), 1.0, 0.0, 0),
		Entry("fractional scale two places", int64(1234), 0.1, 5.0, 2),
		Entry("large value many decimals", int64(987654321), 0.001, -3.5, 4),
	)

	It("holds for randomly drawn scale/offset/decimals", func() {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 1000; i++ {
			adjusted := rng.Int63n(1 << 40)
			scale := rng.Float64()*999.999 + 0.001
			offset := rng.Float64()*2000 - 1000
			decimals := rng.Intn(11)

			raw := float64(adjusted)*scale + offset
			mult := math.Pow(10, float64(decimals))
			Expect(roundTo(raw, decimals)).To(Equal(math.Round(raw*mult) / mult))
		}
	})
})

var _ = Describe("randomised 16-bit counter sequences", func() {
	// Steps are kept below the overflow window so every genuine wrap is
	// detectable; resets are injected explicitly.
	It("keeps raw_value non-decreasing except across detected resets", func() {
		cfg := apiv1.ChannelConfig{
			ChannelNumber: 0, RegisterCount: 1, DataType: apiv1.DataTypeUInt16,
			ScaleFactor: 1, MinValue: 0, MaxValue: 1e15,
		}
		p := NewProcessor(nil, nil, nil, func(string, int) (apiv1.ChannelConfig, map[string]string, bool) {
			return cfg, nil, true
		})
		st := &channelState{}

		rng := rand.New(rand.NewSource(42))
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		counter := uint32(rng.Intn(65536))
		var lastRaw int64 = -1

		for i := 0; i < 2000; i++ {
			if rng.Intn(80) == 0 {
				counter = uint32(rng.Intn(1000)) // counter reset
			} else {
				counter = (counter + uint32(rng.Intn(90))) % 65536
			}

			r := p.process(st, apiv1.RawFrame{
				DeviceID: "d1", ChannelNumber: 0,
				Registers:  []uint16{uint16(counter)},
				AcquiredAt: base.Add(time.Duration(i) * time.Second),
			}, cfg, nil)

			Expect(r.RawValue - r.OverflowOffset).To(Equal(int64(counter)),
				"adjustment must be reversible: adjusted - overflow_offset == decoded")

			if r.Quality == apiv1.DataQualityGood || r.Quality == apiv1.DataQualityOverflow {
				Expect(r.RawValue).To(BeNumerically(">=", lastRaw))
				Expect(r.ProcessedValue).To(BeNumerically(">=", cfg.MinValue))
				Expect(r.ProcessedValue).To(BeNumerically("<=", cfg.MaxValue))
			}
			lastRaw = r.RawValue
		}
	})
})
