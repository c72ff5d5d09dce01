package writer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
)

const defaultMeasurement = "counter_data"

// InfluxSink writes batches as InfluxDB line protocol over the v2
// /api/v2/write HTTP endpoint.
type InfluxSink struct {
	cfg    apiv1.InfluxDBConfig
	client *http.Client
}

// NewInfluxSink builds a Sink writing to the given InfluxDB bucket.
func NewInfluxSink(cfg apiv1.InfluxDBConfig) *InfluxSink {
	return &InfluxSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *InfluxSink) measurement() string {
	if s.cfg.Measurement != "" {
		return s.cfg.Measurement
	}
	return defaultMeasurement
}

// encode serialises readings into line protocol: one line per Reading,
// tags device_id/channel/quality plus any configured tags, fields
// raw/value/rate/overflow_offset, nanosecond timestamps. The encoder
// requires tags in lexical key order, so the merged tag set is sorted
// before emission.
func (s *InfluxSink) encode(readings []apiv1.Reading) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, r := range readings {
		tags := make(map[string]string, len(r.Tags)+3)
		for k, v := range r.Tags {
			tags[k] = v
		}
		tags["device_id"] = r.DeviceID
		tags["channel"] = fmt.Sprintf("%d", r.ChannelNumber)
		tags["quality"] = string(r.Quality)
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		enc.StartLine(s.measurement())
		for _, k := range keys {
			enc.AddTag(k, tags[k])
		}
		enc.AddField("raw", lineprotocol.MustNewValue(r.RawValue))
		enc.AddField("value", lineprotocol.MustNewValue(r.ProcessedValue))
		if r.RatePerSecond != nil {
			enc.AddField("rate", lineprotocol.MustNewValue(*r.RatePerSecond))
		}
		enc.AddField("overflow_offset", lineprotocol.MustNewValue(r.OverflowOffset))
		enc.EndLine(r.Timestamp)
		if err := enc.Err(); err != nil {
			return nil, fmt.Errorf("encoding line protocol: %w", err)
		}
	}
	return enc.Bytes(), nil
}

// WriteBatch implements Sink.
func (s *InfluxSink) WriteBatch(ctx context.Context, readings []apiv1.Reading) error {
	body, err := s.encode(readings)
	if err != nil {
		return errdefs.New(errdefs.KindWriterPermanent, "line protocol encoding failed", err)
	}

	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns", s.cfg.URL, s.cfg.Org, s.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errdefs.New(errdefs.KindWriterPermanent, "building influxdb request failed", err)
	}
	req.Header.Set("Authorization", "Token "+s.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return errdefs.New(errdefs.KindWriterTransient, "influxdb write request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return errdefs.New(errdefs.KindWriterTransient, fmt.Sprintf("influxdb returned %d", resp.StatusCode), nil)
	default:
		return errdefs.New(errdefs.KindWriterPermanent, fmt.Sprintf("influxdb returned %d", resp.StatusCode), nil)
	}
}

// Ping implements Sink's lightweight health probe against InfluxDB's
// /health endpoint.
func (s *InfluxSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("influxdb health check returned %d", resp.StatusCode)
	}
	return nil
}

// Close implements Sink; the InfluxDB sink holds no persistent
// connection to release.
func (s *InfluxSink) Close() error { return nil }
