// Package v1 defines the typed, wire-agnostic data model shared between
// the counter-acquisition core and its external consumers (REST façade,
// OEE layer, CLI): device/channel configuration, readings, health and
// events. Nothing in this package performs I/O.
package v1

// DataType is the register interpretation for a channel.
type DataType string

const (
	DataTypeUInt16        DataType = "uint16"
	DataTypeUInt32LowHigh DataType = "uint32_low_high"
	DataTypeUInt32HighLow DataType = "uint32_high_low"
)

// RegisterCount returns the number of 16-bit holding registers this
// data type spans.
func (d DataType) RegisterCount() int {
	if d == DataTypeUInt16 {
		return 1
	}
	return 2
}

// Config is the top-level, validated configuration snapshot: all
// devices plus the writer and logging configuration. Snapshots are
// immutable; C8 reload publishes a new one rather than mutating this
// in place.
type Config struct {
	Devices     []DeviceConfig     `json:"devices"`
	Writer      WriterConfig       `json:"writer"`
	InfluxDB    *InfluxDBConfig    `json:"influxdb,omitempty"`
	TimescaleDB *TimescaleDBConfig `json:"timescaledb,omitempty"`
	Logging     LoggingConfig      `json:"logging"`
	DemoMode    bool               `json:"demo_mode"`
}

// WriterConfig tunes the batched writer: buffering, retry and
// dead-letter behaviour.
type WriterConfig struct {
	BatchSize        int    `json:"batch_size"`
	FlushIntervalMs  int    `json:"flush_interval_ms"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	RetryDelayMs     int    `json:"retry_delay_ms"`
	DLQDir           string `json:"dlq_dir"`
	DLQSegmentBytes  int64  `json:"dlq_segment_bytes"`
	DLQMaxSegments   int    `json:"dlq_max_segments"`
}

// DeviceConfig is the stable identity, network endpoint and poll
// cadence for one Modbus/TCP device.
type DeviceConfig struct {
	DeviceID       string          `json:"device_id"`
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	UnitID         uint8           `json:"unit_id"`
	TimeoutMs      int             `json:"timeout_ms"`
	PollIntervalMs int             `json:"poll_interval_ms"`
	MaxRetries     int             `json:"max_retries"`
	RetryBackoffMs int             `json:"retry_backoff_ms"`
	Enabled        bool            `json:"enabled"`
	Channels       []ChannelConfig `json:"channels"`
}

// ChannelConfig describes how to read and interpret one counter.
type ChannelConfig struct {
	ChannelNumber  int               `json:"channel_number"`
	Name           string            `json:"name"`
	StartRegister  uint16            `json:"start_register"`
	RegisterCount  int               `json:"register_count"`
	DataType       DataType          `json:"data_type"`
	ScaleFactor    float64           `json:"scale_factor"`
	Offset         float64           `json:"offset"`
	DecimalPlaces  int               `json:"decimal_places"`
	MinValue       float64           `json:"min_value"`
	MaxValue       float64           `json:"max_value"`
	MaxChangeRate  *float64          `json:"max_change_rate,omitempty"`
	Enabled        bool              `json:"enabled"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// InfluxDBConfig is the DB connection for the line-protocol writer path.
type InfluxDBConfig struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement,omitempty"`
}

// TimescaleDBConfig is the DSN for the row-set writer path.
type TimescaleDBConfig struct {
	DSN       string `json:"dsn"`
	TableName string `json:"table_name,omitempty"`
}

// LoggingConfig holds the config source's logging block (level and an
// optional log file). cmd/adam6000d builds its logger from the
// --log-level flag and does not read these fields.
type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}
