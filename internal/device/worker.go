package device

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
	"github.com/grantwise/adam6000-counter/internal/log"
	"github.com/grantwise/adam6000-counter/internal/transport"
)

const maxBackoff = 30 * time.Second

// reconnectThreshold is the consecutive-failure count at which the
// worker proactively closes its transport and re-enters Connecting on
// the next tick, instead of waiting for the transport to surface the
// break itself.
const reconnectThreshold = 3

// classifyReadError maps a connect/read failure to a taxonomy Kind.
// The transport layer reports failures as plain wrapped errors rather
// than sentinel types, so classification falls back to net.Error's
// Timeout() and the message prefixes it consistently uses
// ("connect ...", "protocol error: ...").
func classifyReadError(err error) errdefs.Kind {
	if errors.Is(err, context.Canceled) {
		return errdefs.KindCancelled
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errdefs.KindTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "protocol error"):
		return errdefs.KindProtocolError
	case strings.Contains(msg, "connect"):
		return errdefs.KindConnectError
	case strings.Contains(msg, "timeout"):
		return errdefs.KindTimeout
	default:
		return errdefs.KindIoError
	}
}

// Metrics is the narrow slice of C7 the worker reports into.
type Metrics interface {
	IncDroppedFrame(deviceID string, channelNumber int)
}

// Worker is one cooperative task per device (C3). It owns exactly one
// transport and never blocks other workers.
type Worker struct {
	cfg       apiv1.DeviceConfig
	transport transport.Transport
	out       chan<- apiv1.RawFrame
	metrics   Metrics

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	health apiv1.DeviceHealth

	// pending holds, per channel, the one most recent frame that
	// couldn't be delivered to out because it was full. A later send
	// for the same channel overwrites its own slot rather than
	// evicting a different channel's frame from the shared queue.
	pending map[int]apiv1.RawFrame
}

// NewWorker constructs a worker for cfg, using tr as its transport.
func NewWorker(cfg apiv1.DeviceConfig, tr transport.Transport, out chan<- apiv1.RawFrame, metrics Metrics) *Worker {
	return &Worker{
		cfg:       cfg,
		transport: tr,
		out:       out,
		metrics:   metrics,
		done:      make(chan struct{}),
		health:    apiv1.DeviceHealth{DeviceID: cfg.DeviceID},
		pending:   make(map[int]apiv1.RawFrame),
	}
}

// Start launches the worker's polling loop in a new goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)
}

// Stop cancels the worker and blocks until its loop has exited and the
// transport is closed.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// stopWithDeadline cancels the worker and waits up to deadline for its
// loop to exit before returning; the loop is left to finish and close
// the transport in the background if it overruns. Used by Pool.Update
// to bound how long a replaced worker is drained.
func (w *Worker) stopWithDeadline(deadline time.Duration) {
	if w.cancel != nil {
		w.cancel()
	}
	if deadline <= 0 {
		<-w.done
		return
	}
	select {
	case <-w.done:
	case <-time.After(deadline):
		log.Logger.Warnw("device worker did not drain within deadline", "device_id", w.cfg.DeviceID)
	}
}

// Health returns a snapshot of the worker's current health.
func (w *Worker) Health() apiv1.DeviceHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.health
}

// Test issues a one-off probe read against the device without
// affecting the poll schedule.
func (w *Worker) Test(ctx context.Context) error {
	timeout := time.Duration(w.cfg.TimeoutMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if w.transport.State() != transport.StateConnected {
		if err := w.transport.Connect(cctx); err != nil {
			return err
		}
	}
	return w.transport.Test(cctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.transport.Close()

	interval := time.Duration(w.cfg.PollIntervalMs) * time.Millisecond
	t0 := time.Now()
	var k int64

	for {
		target := t0.Add(time.Duration(k) * interval)
		now := time.Now()
		if now.After(target) {
			// Overrun: never queue catch-up ticks, skip to the next
			// tick still in the future.
			missed := int64(now.Sub(t0)/interval) + 1
			k = missed
			target = t0.Add(time.Duration(k) * interval)
		}

		timer := time.NewTimer(target.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		w.pollOnce(ctx)
		k++
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	if w.transport.State() != transport.StateConnected {
		cctx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.TimeoutMs)*time.Millisecond)
		err := w.transport.Connect(cctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down, not a device failure
			}
			w.recordFailure(err)
			w.emitBadForAllChannels(classifyReadError(err), err)
			return
		}
	}

	for _, group := range groupChannels(w.cfg.Channels) {
		w.pollGroup(ctx, group)
	}
}

func (w *Worker) pollGroup(ctx context.Context, group readGroup) {
	timeout := time.Duration(w.cfg.TimeoutMs) * time.Millisecond
	backoff := time.Duration(w.cfg.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var (
		regs []uint16
		err  error
	)

	attempts := w.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		regs, err = w.transport.ReadHoldingRegisters(cctx, group.start, group.count)
		cancel()

		if err == nil {
			w.recordSuccess(time.Since(start))
			break
		}

		if ctx.Err() != nil {
			return // cooperative cancellation, not a device failure
		}

		delay := backoff * time.Duration(int64(1)<<uint(attempt))
		if delay > maxBackoff {
			delay = maxBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if err != nil {
		w.recordFailure(err)
		w.emitBadForGroup(group, err)
		if w.consecutiveFailures() >= reconnectThreshold {
			// Repeated failures: don't wait for the next read attempt to
			// rediscover the break, force a fresh Connect on the next
			// tick.
			_ = w.transport.Close()
		}
		return
	}

	now := time.Now().UTC()
	for _, ch := range group.channels {
		w.emit(apiv1.RawFrame{
			DeviceID:      w.cfg.DeviceID,
			ChannelNumber: ch.ChannelNumber,
			Registers:     group.slice(regs, ch),
			AcquiredAt:    now,
		})
	}
}

func (w *Worker) emitBadForAllChannels(kind errdefs.Kind, err error) {
	for _, ch := range w.cfg.Channels {
		if ch.Enabled {
			w.emitBad(ch.ChannelNumber, kind, err)
		}
	}
}

func (w *Worker) emitBadForGroup(group readGroup, err error) {
	kind := classifyReadError(err)
	for _, ch := range group.channels {
		w.emitBad(ch.ChannelNumber, kind, err)
	}
}

func (w *Worker) emitBad(channelNumber int, kind errdefs.Kind, err error) {
	coreErr := errdefs.New(kind, "device read failed", err, "device_id", w.cfg.DeviceID)
	if kind == errdefs.KindProtocolError {
		log.Logger.Errorw("device read failed", "device_id", w.cfg.DeviceID, "channel", channelNumber, "kind", kind, "error", err)
	} else {
		log.Logger.Warnw("device read failed", "device_id", w.cfg.DeviceID, "channel", channelNumber, "kind", kind, "error", err)
	}
	w.emit(apiv1.RawFrame{
		DeviceID:      w.cfg.DeviceID,
		ChannelNumber: channelNumber,
		AcquiredAt:    time.Now().UTC(),
		IOError:       coreErr,
	})
}

// emit delivers frame to the bounded output channel. On backpressure it
// drops the oldest buffered frame for frame's OWN channel rather than
// whatever happens to be at the front of the shared queue, which may
// belong to a different device or channel entirely.
func (w *Worker) emit(frame apiv1.RawFrame) {
	w.flushPending()

	select {
	case w.out <- frame:
		return
	default:
	}

	if _, had := w.pending[frame.ChannelNumber]; had {
		if w.metrics != nil {
			w.metrics.IncDroppedFrame(frame.DeviceID, frame.ChannelNumber)
		}
		log.Logger.Warnw("dropped frame under backpressure", "device_id", frame.DeviceID, "channel", frame.ChannelNumber)
	}
	w.pending[frame.ChannelNumber] = frame
}

// flushPending makes a best-effort, non-blocking attempt to deliver
// any frames parked by previous backpressure, in arbitrary channel
// order. It stops at the first channel whose frame still can't be
// delivered, since the shared queue is still full at that point.
func (w *Worker) flushPending() {
	for ch, frame := range w.pending {
		select {
		case w.out <- frame:
			delete(w.pending, ch)
		default:
			return
		}
	}
}

func (w *Worker) consecutiveFailures() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.health.ConsecutiveFailures
}

func (w *Worker) recordSuccess(latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.IsConnected = true
	w.health.LastSuccessfulRead = time.Now().UTC()
	w.health.ConsecutiveFailures = 0
	w.health.TotalReads++
	if w.health.MeanReadLatency == 0 {
		w.health.MeanReadLatency = latency
	} else {
		w.health.MeanReadLatency = (w.health.MeanReadLatency*9 + latency) / 10
	}
}

func (w *Worker) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.IsConnected = w.transport.State() == transport.StateConnected
	w.health.LastFailure = time.Now().UTC()
	w.health.LastFailureReason = err.Error()
	w.health.ConsecutiveFailures++
	w.health.TotalFailures++
}
