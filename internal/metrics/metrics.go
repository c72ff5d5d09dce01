// Package metrics is the metrics/health surface: Prometheus counters
// and gauges plus the in-process "latest reading" snapshot cache
// backing the external Reading API. Exposed only as in-memory
// snapshots; HTTP formatting is the caller's concern.
package metrics

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

const subsystem = "adam6000"

// subscriberBuffer bounds each subscription channel; a slow subscriber
// loses readings rather than stalling the publish path.
const subscriberBuffer = 64

// maxRecentEvents bounds the in-memory event ring.
const maxRecentEvents = 128

type subscriber struct {
	deviceID string // empty subscribes to every device
	ch       chan apiv1.Reading
}

// Collector implements every narrow Metrics interface the core's
// components declare (device.Metrics, stream.Metrics, writer.Metrics)
// against one shared Prometheus registry, injectable rather than
// global package state.
type Collector struct {
	registry *prometheus.Registry

	readingsTotal     *prometheus.CounterVec
	overflowTotal     *prometheus.CounterVec
	droppedFrameTotal *prometheus.CounterVec
	deviceConnected   *prometheus.GaugeVec
	deviceLatencyMs   *prometheus.GaugeVec
	batchFlushTotal   *prometheus.CounterVec
	dlqDepth          prometheus.Gauge
	queueDepth        prometheus.Gauge
	cpuPercent        prometheus.Gauge
	rssBytes          prometheus.Gauge
	uptimeSeconds     prometheus.Gauge

	startedAt time.Time
	proc      *process.Process

	latest *cache.Cache

	subsMu    sync.RWMutex
	subs      map[int]*subscriber
	nextSubID int

	eventsMu sync.Mutex
	events   []apiv1.Event
}

// New builds a Collector and registers every metric against a fresh
// Prometheus registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "readings_total", Help: "readings processed, by quality",
		}, []string{"quality"}),
		overflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "overflow_events_total", Help: "overflow events detected, by device and channel",
		}, []string{"device_id", "channel_number"}),
		droppedFrameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "dropped_frames_total", Help: "raw frames dropped under backpressure",
		}, []string{"device_id", "channel_number"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "device_connected", Help: "1 if the device's transport is connected",
		}, []string{"device_id"}),
		deviceLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "device_read_latency_ms", Help: "rolling mean read latency per device",
		}, []string{"device_id"}),
		batchFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "writer_flush_total", Help: "writer batch flushes, by outcome",
		}, []string{"outcome"}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "writer_dlq_segments", Help: "dead-letter queue segment count",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "writer_queue_depth", Help: "writer input channel depth",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "process_cpu_percent", Help: "process CPU utilisation percentage",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "process_rss_bytes", Help: "process resident set size in bytes",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "uptime_seconds", Help: "seconds since process start",
		}),
		startedAt: time.Now(),
		latest:    cache.New(cache.NoExpiration, 10*time.Minute),
		subs:      make(map[int]*subscriber),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}

	c.registry.MustRegister(
		c.readingsTotal, c.overflowTotal, c.droppedFrameTotal,
		c.deviceConnected, c.deviceLatencyMs, c.batchFlushTotal,
		c.dlqDepth, c.queueDepth, c.cpuPercent, c.rssBytes, c.uptimeSeconds,
	)
	return c
}

// Registry exposes the underlying Prometheus registry for an external
// consumer to format over HTTP; the core itself never does so.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// IncReadings implements stream.Metrics.
func (c *Collector) IncReadings(quality apiv1.DataQuality) {
	c.readingsTotal.WithLabelValues(string(quality)).Inc()
}

// IncOverflow implements stream.Metrics.
func (c *Collector) IncOverflow(deviceID string, channelNumber int) {
	c.overflowTotal.WithLabelValues(deviceID, channelLabel(channelNumber)).Inc()
}

// IncDroppedFrame implements device.Metrics.
func (c *Collector) IncDroppedFrame(deviceID string, channelNumber int) {
	c.droppedFrameTotal.WithLabelValues(deviceID, channelLabel(channelNumber)).Inc()
}

// IncFlush implements writer.Metrics. It counts one flush per call;
// count (the batch size) is not recorded.
func (c *Collector) IncFlush(count int, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.batchFlushTotal.WithLabelValues(outcome).Inc()
}

// SetDLQDepth implements writer.Metrics.
func (c *Collector) SetDLQDepth(segments int) { c.dlqDepth.Set(float64(segments)) }

// SetQueueDepth implements writer.Metrics.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// SetDeviceHealth publishes one device's connection state and rolling
// latency, called by the pool/supervisor's periodic health sweep.
func (c *Collector) SetDeviceHealth(h apiv1.DeviceHealth) {
	connected := 0.0
	if h.IsConnected {
		connected = 1.0
	}
	c.deviceConnected.WithLabelValues(h.DeviceID).Set(connected)
	c.deviceLatencyMs.WithLabelValues(h.DeviceID).Set(float64(h.MeanReadLatency.Milliseconds()))
}

// SampleProcess refreshes the CPU%/RSS/uptime gauges. Intended to run
// on the periodic metrics timer task; CPU% is measured as this-process
// CPU time over the sampling interval via gopsutil, which is portable
// across platforms.
func (c *Collector) SampleProcess() {
	c.uptimeSeconds.Set(time.Since(c.startedAt).Seconds())
	if c.proc == nil {
		return
	}
	if pct, err := c.proc.Percent(0); err == nil {
		c.cpuPercent.Set(pct)
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		c.rssBytes.Set(float64(mem.RSS))
	}
}

// SystemCPUPercent is a host-wide complement to SampleProcess's
// per-process figure, sampled over a short window.
func SystemCPUPercent() (float64, error) {
	pcts, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// PublishReading updates the "latest reading per (device_id,
// channel_number)" snapshot the external Reading API queries and fans
// the reading out to every matching subscriber.
func (c *Collector) PublishReading(r apiv1.Reading) {
	c.latest.Set(readingKey(r.DeviceID, r.ChannelNumber), r, cache.NoExpiration)

	c.subsMu.RLock()
	for _, s := range c.subs {
		if s.deviceID != "" && s.deviceID != r.DeviceID {
			continue
		}
		select {
		case s.ch <- r:
		default:
			// slow subscriber: drop rather than stall the publish path
		}
	}
	c.subsMu.RUnlock()
}

// Subscribe registers a reading subscription, optionally filtered to
// one device_id (empty subscribes to every device). The returned
// cancel func unregisters the subscription and closes the channel; it
// is safe to call more than once.
func (c *Collector) Subscribe(deviceID string) (<-chan apiv1.Reading, func()) {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	s := &subscriber{deviceID: deviceID, ch: make(chan apiv1.Reading, subscriberBuffer)}
	c.subs[id] = s
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// RecordEvent appends a typed occurrence (connection loss, reload,
// shutdown, ...) to the bounded in-memory event ring.
func (c *Collector) RecordEvent(e apiv1.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events = append(c.events, e)
	if len(c.events) > maxRecentEvents {
		c.events = c.events[len(c.events)-maxRecentEvents:]
	}
}

// RecentEvents returns a copy of the retained events, oldest first.
func (c *Collector) RecentEvents() []apiv1.Event {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	out := make([]apiv1.Event, len(c.events))
	copy(out, c.events)
	return out
}

// LatestReading returns the most recently published reading for one
// channel, if any.
func (c *Collector) LatestReading(deviceID string, channelNumber int) (apiv1.Reading, bool) {
	v, ok := c.latest.Get(readingKey(deviceID, channelNumber))
	if !ok {
		return apiv1.Reading{}, false
	}
	return v.(apiv1.Reading), true
}

// LatestForDevice returns every channel's latest reading for one device.
func (c *Collector) LatestForDevice(deviceID string) []apiv1.Reading {
	var out []apiv1.Reading
	for k, item := range c.latest.Items() {
		if keyDevice(k) == deviceID {
			out = append(out, item.Object.(apiv1.Reading))
		}
	}
	return out
}

func readingKey(deviceID string, channelNumber int) string {
	return deviceID + "/" + channelLabel(channelNumber)
}

func keyDevice(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

func channelLabel(n int) string {
	return strconv.Itoa(n)
}
