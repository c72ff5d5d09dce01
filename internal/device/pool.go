package device

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/config"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
	"github.com/grantwise/adam6000-counter/internal/transport"
)

// TransportFactory builds the transport for one device. Swapped out in
// tests and for --demo-mode (transport.NewSimulated).
type TransportFactory func(cfg apiv1.DeviceConfig) transport.Transport

// ChannelResetter clears a channel's running stream-processing state.
// Implemented by *stream.Processor; kept as a narrow interface here so
// the device package has no dependency on the stream package.
type ChannelResetter interface {
	ResetChannel(deviceID string, channelNumber int)
}

type entry struct {
	cfg    apiv1.DeviceConfig
	worker *Worker
}

// Pool is the device pool / orchestrator: lifecycle owner of every
// device worker, exposing add/update/remove/restart/enable/disable/
// list/test operations, all idempotent with respect to device_id.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ctx          context.Context
	out          chan<- apiv1.RawFrame
	metrics      Metrics
	newTransport TransportFactory
	resetter     ChannelResetter
}

// NewPool builds an empty pool. ctx bounds every worker's lifetime;
// cancelling it stops the whole pool.
func NewPool(ctx context.Context, out chan<- apiv1.RawFrame, metrics Metrics, newTransport TransportFactory) *Pool {
	return &Pool{
		entries:      make(map[string]*entry),
		ctx:          ctx,
		out:          out,
		metrics:      metrics,
		newTransport: newTransport,
	}
}

// SetChannelResetter wires in the stream processor's channel-state
// reset hook. Update calls it for every channel whose config changed
// between the old and new DeviceConfig. Optional: if never called,
// Update simply skips the reset.
func (p *Pool) SetChannelResetter(r ChannelResetter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetter = r
}

func (p *Pool) startWorker(cfg apiv1.DeviceConfig) *Worker {
	w := NewWorker(cfg, p.newTransport(cfg), p.out, p.metrics)
	w.Start(p.ctx)
	return w
}

// Add registers and, if enabled, starts a new device.
func (p *Pool) Add(cfg apiv1.DeviceConfig) error {
	if errs := config.ValidateDevice(cfg); len(errs) > 0 {
		return fmt.Errorf("device %q: %w", cfg.DeviceID, config.ValidationErrors(errs))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[cfg.DeviceID]; exists {
		return fmt.Errorf("device %q: %w", cfg.DeviceID, errdefs.ErrAlreadyExists)
	}

	e := &entry{cfg: cfg}
	if cfg.Enabled {
		e.worker = p.startWorker(cfg)
	}
	p.entries[cfg.DeviceID] = e
	return nil
}

// Update replaces a device's configuration. The new worker is started
// before the old one is drained (for up to the old config's
// timeout_ms) and stopped. Starting a worker only launches its poll
// goroutine and cannot fail, so there is no rollback step; a config
// rejected by validation leaves the previous one untouched.
func (p *Pool) Update(id string, cfg apiv1.DeviceConfig) error {
	if errs := config.ValidateDevice(cfg); len(errs) > 0 {
		return fmt.Errorf("device %q: %w", id, config.ValidationErrors(errs))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, errdefs.ErrNotFound)
	}

	var newWorker *Worker
	if cfg.Enabled {
		newWorker = p.startWorker(cfg)
	}

	if e.worker != nil {
		drainTimeout := time.Duration(e.cfg.TimeoutMs) * time.Millisecond
		e.worker.stopWithDeadline(drainTimeout)
	}

	if p.resetter != nil {
		for _, chNum := range changedChannelNumbers(e.cfg.Channels, cfg.Channels) {
			p.resetter.ResetChannel(id, chNum)
		}
	}

	e.cfg = cfg
	e.worker = newWorker
	return nil
}

// changedChannelNumbers returns every channel number in next that is
// new or whose configuration differs from old.
func changedChannelNumbers(old, next []apiv1.ChannelConfig) []int {
	oldByNumber := make(map[int]apiv1.ChannelConfig, len(old))
	for _, c := range old {
		oldByNumber[c.ChannelNumber] = c
	}

	var changed []int
	for _, c := range next {
		prev, existed := oldByNumber[c.ChannelNumber]
		if !existed || !reflect.DeepEqual(prev, c) {
			changed = append(changed, c.ChannelNumber)
		}
	}
	return changed
}

// Remove stops and forgets a device.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, errdefs.ErrNotFound)
	}
	if e.worker != nil {
		e.worker.Stop()
	}
	delete(p.entries, id)
	return nil
}

// Restart stops and re-creates a device's worker with its current
// configuration.
func (p *Pool) Restart(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, errdefs.ErrNotFound)
	}
	if e.worker != nil {
		e.worker.Stop()
		e.worker = nil
	}
	if e.cfg.Enabled {
		e.worker = p.startWorker(e.cfg)
	}
	return nil
}

// SetEnabled starts or stops a device's worker without altering its
// stored configuration otherwise.
func (p *Pool) SetEnabled(id string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("device %q: %w", id, errdefs.ErrNotFound)
	}

	e.cfg.Enabled = enabled
	switch {
	case enabled && e.worker == nil:
		e.worker = p.startWorker(e.cfg)
	case !enabled && e.worker != nil:
		e.worker.Stop()
		e.worker = nil
	}
	return nil
}

// List returns a snapshot of every device's config and health.
func (p *Pool) List() []apiv1.DeviceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]apiv1.DeviceSnapshot, 0, len(p.entries))
	for _, e := range p.entries {
		snap := apiv1.DeviceSnapshot{Config: e.cfg}
		if e.worker != nil {
			snap.Health = e.worker.Health()
		} else {
			snap.Health = apiv1.DeviceHealth{DeviceID: e.cfg.DeviceID}
		}
		out = append(out, snap)
	}
	return out
}

// Test probes connectivity for one device without disturbing its poll
// schedule. Works whether or not the device currently has a running
// worker: the probe always uses a fresh transport, since a running
// worker's transport belongs to that worker's goroutine.
func (p *Pool) Test(ctx context.Context, id string) error {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %q: %w", id, errdefs.ErrNotFound)
	}

	probe := NewWorker(e.cfg, p.newTransport(e.cfg), nil, nil)
	defer probe.transport.Close()
	return probe.Test(ctx)
}

// Shutdown stops every worker in the pool, used by the supervisor's
// Draining state.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var wg sync.WaitGroup
	for _, e := range p.entries {
		if e.worker == nil {
			continue
		}
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(e.worker)
	}
	wg.Wait()
}
