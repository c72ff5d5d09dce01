// Package supervisor implements the process-level state machine (C8):
// Initializing -> Running -> Draining -> Stopped, owning the device
// pool, stream processor, and batched writer, and coordinating atomic
// configuration reload and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/config"
	"github.com/grantwise/adam6000-counter/internal/device"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
	"github.com/grantwise/adam6000-counter/internal/log"
	"github.com/grantwise/adam6000-counter/internal/metrics"
	"github.com/grantwise/adam6000-counter/internal/stream"
	"github.com/grantwise/adam6000-counter/internal/writer"
)

// State is the supervisor's lifecycle state. Running is the only
// state in which device workers exist.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "initializing"
	}
}

// Supervisor wires the pool, processor and writer together and owns
// their shared lifetime.
type Supervisor struct {
	mu    sync.RWMutex
	state State
	cfg   *apiv1.Config

	pool         *device.Pool
	processor    *stream.Processor
	writer       *writer.Writer
	metrics      *metrics.Collector
	store        *ConfigStore
	newTransport device.TransportFactory

	rawFrames chan apiv1.RawFrame
	readings  chan apiv1.Reading

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New builds a Supervisor in the Initializing state. sink and dlq are
// constructed by the caller (cmd/) based on which TSDB backend and
// demo/dry-run flags were selected.
func New(cfg *apiv1.Config, newTransport device.TransportFactory, sink writer.Sink, dlq *writer.DLQ, collector *metrics.Collector, store *ConfigStore) *Supervisor {
	rawFrames := make(chan apiv1.RawFrame, 256)
	readings := make(chan apiv1.Reading, cfg.Writer.BatchSize*2)

	s := &Supervisor{
		state:        StateInitializing,
		cfg:          cfg,
		metrics:      collector,
		store:        store,
		newTransport: newTransport,
		rawFrames:    rawFrames,
		readings:     readings,
	}

	lookup := s.channelConfigLookup()
	s.processor = stream.NewProcessor(rawFrames, readings, collector, lookup)
	s.writer = writer.New(cfg.Writer, sink, dlq, collector)
	return s
}

func (s *Supervisor) channelConfigLookup() func(deviceID string, channelNumber int) (apiv1.ChannelConfig, map[string]string, bool) {
	return func(deviceID string, channelNumber int) (apiv1.ChannelConfig, map[string]string, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, d := range s.cfg.Devices {
			if d.DeviceID != deviceID {
				continue
			}
			for _, c := range d.Channels {
				if c.ChannelNumber == channelNumber {
					tags := map[string]string{"device_id": d.DeviceID}
					return c, tags, true
				}
			}
		}
		return apiv1.ChannelConfig{}, nil, false
	}
}

// State reports the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pool exposes the device pool for the control API (add/update/...).
func (s *Supervisor) Pool() *device.Pool { return s.pool }

// Metrics exposes the metrics collector for the external snapshot API.
func (s *Supervisor) Metrics() *metrics.Collector { return s.metrics }

// Subscribe registers a reading subscription, optionally filtered to
// one device_id; it is the publish half of the external Reading API.
func (s *Supervisor) Subscribe(deviceID string) (<-chan apiv1.Reading, func()) {
	return s.metrics.Subscribe(deviceID)
}

// Start transitions Initializing -> Running: builds the pool, starts
// every configured device, and launches the processor and writer
// tasks plus the periodic metrics sampler.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot start from state %s: %w", s.state, errdefs.ErrFailedPrecondition)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.pool = device.NewPool(poolCtx, s.rawFrames, s.metrics, s.newTransport)
	s.pool.SetChannelResetter(s.processor)

	eg, egCtx := errgroup.WithContext(poolCtx)
	s.eg = eg
	cfg := s.cfg
	s.state = StateRunning
	s.mu.Unlock()

	for _, d := range cfg.Devices {
		if err := s.pool.Add(d); err != nil {
			log.Logger.Errorw("failed to add device at startup", "device_id", d.DeviceID, "error", err)
		}
	}

	eg.Go(func() error {
		s.processor.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		s.writer.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		s.bridgeReadings(egCtx)
		return nil
	})
	eg.Go(func() error {
		s.sampleLoop(egCtx)
		return nil
	})

	if s.store != nil {
		if err := s.store.Save(cfg); err != nil {
			log.Logger.Warnw("failed to persist config snapshot", "error", err)
		}
	}

	s.metrics.RecordEvent(apiv1.Event{Name: "supervisor_started"})

	notified, err := sd.SdNotify(false, sd.SdNotifyReady)
	log.Logger.Debugw("systemd readiness notification", "notified", notified, "error", err)

	return nil
}

// bridgeReadings moves each Reading the processor emits onto the
// writer's enqueue path and publishes it to the latest-reading
// snapshot cache consumed by the external Reading API.
func (s *Supervisor) bridgeReadings(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.readings:
			if !ok {
				return
			}
			if s.metrics != nil {
				s.metrics.PublishReading(r)
			}
			s.writer.Enqueue(ctx, r)
		}
	}
}

func (s *Supervisor) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	connected := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SampleProcess()
			for _, snap := range s.pool.List() {
				s.metrics.SetDeviceHealth(snap.Health)

				id := snap.Config.DeviceID
				prev, seen := connected[id]
				if seen && prev != snap.Health.IsConnected {
					name := "device_connected"
					msg := ""
					if !snap.Health.IsConnected {
						name = "device_disconnected"
						msg = snap.Health.LastFailureReason
					}
					s.metrics.RecordEvent(apiv1.Event{DeviceID: id, Name: name, Message: msg})
				}
				connected[id] = snap.Health.IsConnected
			}
		}
	}
}

// Shutdown transitions Running -> Draining -> Stopped: Reload is
// refused from then on (device operations made directly on the pool
// are not), cancels every worker, forces a final writer flush
// bounded by 2*flush_interval_ms, then waits for every task to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	flushDeadline := 2 * time.Duration(s.cfg.Writer.FlushIntervalMs) * time.Millisecond
	s.mu.Unlock()

	s.pool.Shutdown()

	flushCtx, flushCancel := context.WithTimeout(ctx, flushDeadline)
	defer flushCancel()
	done := make(chan struct{})
	go func() {
		s.writer.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-flushCtx.Done():
		log.Logger.Warnw("final writer flush did not complete within deadline")
	}

	s.cancel()
	_ = s.eg.Wait()

	s.metrics.RecordEvent(apiv1.Event{Name: "supervisor_stopped"})

	sd.SdNotify(false, sd.SdNotifyStopping)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// Reload validates newCfg, diffs it against the running configuration
// and applies the add/update/remove sets through the pool. A
// validation failure leaves the previous configuration fully in
// effect.
func (s *Supervisor) Reload(newCfg *apiv1.Config) error {
	if errs := config.Validate(newCfg); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot reload in state %s: %w", s.state, errdefs.ErrFailedPrecondition)
	}
	old := s.cfg
	s.mu.Unlock()

	added, updated, removed := diffDevices(old.Devices, newCfg.Devices)

	var errs []error
	for _, id := range removed {
		if err := s.pool.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range added {
		if err := s.pool.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range updated {
		if err := s.pool.Update(d.DeviceID, d); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("reload: %d device operation(s) failed, previous configuration retained where possible: %v", len(errs), errs)
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()

	s.metrics.RecordEvent(apiv1.Event{
		Name:      "config_reloaded",
		ExtraInfo: map[string]string{"added": strconv.Itoa(len(added)), "updated": strconv.Itoa(len(updated)), "removed": strconv.Itoa(len(removed))},
	})

	if s.store != nil {
		if err := s.store.Save(newCfg); err != nil {
			log.Logger.Warnw("failed to persist config snapshot after reload", "error", err)
		}
	}
	return nil
}

// diffDevices computes the add/update/remove sets by device_id. A
// device whose configuration is unchanged appears in none of them, so
// a reload never restarts workers it doesn't have to.
func diffDevices(old, next []apiv1.DeviceConfig) (added, updated []apiv1.DeviceConfig, removed []string) {
	oldByID := make(map[string]apiv1.DeviceConfig, len(old))
	for _, d := range old {
		oldByID[d.DeviceID] = d
	}
	nextByID := make(map[string]bool, len(next))

	for _, d := range next {
		nextByID[d.DeviceID] = true
		prev, exists := oldByID[d.DeviceID]
		switch {
		case !exists:
			added = append(added, d)
		case !reflect.DeepEqual(prev, d):
			updated = append(updated, d)
		}
	}
	for _, d := range old {
		if !nextByID[d.DeviceID] {
			removed = append(removed, d.DeviceID)
		}
	}
	return added, updated, removed
}
