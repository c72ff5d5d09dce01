package config

import (
	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

// Validate runs every range and cross-field check against cfg and
// returns every failure found; it never stops at the first one.
func Validate(cfg *apiv1.Config) []error {
	var errs []error

	errs = append(errs, validateDevices(cfg.Devices)...)
	errs = append(errs, validateWriter(cfg)...)

	return errs
}

func validateDevices(devices []apiv1.DeviceConfig) []error {
	var errs []error

	seenIDs := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.DeviceID != "" && seenIDs[d.DeviceID] {
			errs = append(errs, invalid("duplicate device_id %q", d.DeviceID))
		}
		seenIDs[d.DeviceID] = true

		errs = append(errs, ValidateDevice(d)...)
	}

	return errs
}

// ValidateDevice runs every single-device check (identity, endpoint,
// cadence, channels). Cross-device checks (duplicate device_id) are
// the full Validate's concern; this entry point lets the device pool
// reject an invalid config handed to it directly.
func ValidateDevice(d apiv1.DeviceConfig) []error {
	var errs []error

	if d.DeviceID == "" {
		errs = append(errs, invalid("device has empty device_id"))
	}
	if d.PollIntervalMs < 100 {
		errs = append(errs, invalid("device %q: poll_interval_ms must be >= 100, got %d", d.DeviceID, d.PollIntervalMs))
	}
	if d.TimeoutMs > d.PollIntervalMs {
		errs = append(errs, invalid("device %q: timeout_ms (%d) must be <= poll_interval_ms (%d)", d.DeviceID, d.TimeoutMs, d.PollIntervalMs))
	}
	if d.Host == "" {
		errs = append(errs, invalid("device %q: host must not be empty", d.DeviceID))
	}
	if d.Port <= 0 || d.Port > 65535 {
		errs = append(errs, invalid("device %q: port %d out of range", d.DeviceID, d.Port))
	}

	errs = append(errs, validateChannels(d.DeviceID, d.Channels)...)
	return errs
}

func validateChannels(deviceID string, channels []apiv1.ChannelConfig) []error {
	var errs []error

	seenNumbers := make(map[int]bool, len(channels))
	for _, c := range channels {
		if seenNumbers[c.ChannelNumber] {
			errs = append(errs, invalid("device %q: duplicate channel_number %d", deviceID, c.ChannelNumber))
		}
		seenNumbers[c.ChannelNumber] = true

		wantsWide := c.DataType == apiv1.DataTypeUInt32LowHigh || c.DataType == apiv1.DataTypeUInt32HighLow
		if wantsWide && c.RegisterCount != 2 {
			errs = append(errs, invalid("device %q channel %d: register_count must be 2 for %s", deviceID, c.ChannelNumber, c.DataType))
		}
		if !wantsWide && c.DataType == apiv1.DataTypeUInt16 && c.RegisterCount != 1 {
			errs = append(errs, invalid("device %q channel %d: register_count must be 1 for uint16", deviceID, c.ChannelNumber))
		}

		if c.MinValue < 0 {
			errs = append(errs, invalid("device %q channel %d: min_value must be >= 0, got %v", deviceID, c.ChannelNumber, c.MinValue))
		}
		if c.MinValue >= c.MaxValue {
			errs = append(errs, invalid("device %q channel %d: min_value (%v) must be < max_value (%v)", deviceID, c.ChannelNumber, c.MinValue, c.MaxValue))
		}
		if c.ScaleFactor <= 0 || c.ScaleFactor > 1000 {
			errs = append(errs, invalid("device %q channel %d: scale_factor must be in (0, 1000], got %v", deviceID, c.ChannelNumber, c.ScaleFactor))
		}
		if c.DecimalPlaces < 0 || c.DecimalPlaces > 10 {
			errs = append(errs, invalid("device %q channel %d: decimal_places must be in [0, 10], got %d", deviceID, c.ChannelNumber, c.DecimalPlaces))
		}
	}

	return errs
}

func validateWriter(cfg *apiv1.Config) []error {
	var errs []error

	w := cfg.Writer
	if w.BatchSize <= 0 {
		errs = append(errs, invalid("writer: batch_size must be > 0, got %d", w.BatchSize))
	}
	if w.FlushIntervalMs <= 0 {
		errs = append(errs, invalid("writer: flush_interval_ms must be > 0, got %d", w.FlushIntervalMs))
	}
	if w.MaxRetryAttempts <= 0 {
		errs = append(errs, invalid("writer: max_retry_attempts must be > 0, got %d", w.MaxRetryAttempts))
	}
	if w.DLQSegmentBytes > 64<<20 {
		errs = append(errs, invalid("writer: dlq_segment_bytes must be <= 64MB, got %d", w.DLQSegmentBytes))
	}

	switch {
	case cfg.InfluxDB != nil:
		if cfg.InfluxDB.URL == "" {
			errs = append(errs, invalid("influxdb: url must not be empty"))
		} else if scheme := urlScheme(cfg.InfluxDB.URL); scheme != "http" && scheme != "https" {
			errs = append(errs, invalid("influxdb: url scheme must be http or https, got %q", scheme))
		}
		if cfg.InfluxDB.Token == "" {
			errs = append(errs, invalid("influxdb: token must not be empty"))
		}
		if cfg.InfluxDB.Org == "" {
			errs = append(errs, invalid("influxdb: org must not be empty"))
		}
		if cfg.InfluxDB.Bucket == "" {
			errs = append(errs, invalid("influxdb: bucket must not be empty"))
		}
	case cfg.TimescaleDB != nil:
		if cfg.TimescaleDB.DSN == "" {
			errs = append(errs, invalid("timescaledb: dsn must not be empty"))
		}
	default:
		// demo mode runs against the discard sink and needs no backend.
		if !cfg.DemoMode {
			errs = append(errs, invalid("exactly one of influxdb or timescaledb must be configured"))
		}
	}

	return errs
}

func urlScheme(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == ':' {
			return u[:i]
		}
	}
	return ""
}
