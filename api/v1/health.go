package v1

import "time"

// DeviceHealth is the externally-visible connection/read health of one
// device, updated by the worker and pool and read by the metrics
// surface.
type DeviceHealth struct {
	DeviceID            string        `json:"device_id"`
	IsConnected         bool          `json:"is_connected"`
	LastSuccessfulRead  time.Time     `json:"last_successful_read,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	LastFailureReason   string        `json:"last_failure_reason,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalReads          int64         `json:"total_reads"`
	TotalFailures       int64         `json:"total_failures"`
	MeanReadLatency     time.Duration `json:"mean_read_latency"`
}

// DeviceSnapshot is what C4's list() operation returns: the current
// config plus the live health for one device.
type DeviceSnapshot struct {
	Config DeviceConfig `json:"config"`
	Health DeviceHealth `json:"health"`
}

// Event is a point-in-time, typed occurrence exposed alongside health
// (connection loss, overflow, reload, ...).
type Event struct {
	Time      time.Time         `json:"time"`
	DeviceID  string            `json:"device_id,omitempty"`
	Name      string            `json:"name"`
	Message   string            `json:"message,omitempty"`
	ExtraInfo map[string]string `json:"extra_info,omitempty"`
}
