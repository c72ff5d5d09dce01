// Package writer implements the batched writer (C6): a bounded,
// at-least-once pipeline from Readings to a time-series sink, with
// dead-letter handling on persistent sink failure.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
	"github.com/grantwise/adam6000-counter/internal/log"
)

// Sink is the canonical write target: InfluxDB line protocol or a
// TimescaleDB row set, chosen once at startup.
type Sink interface {
	// WriteBatch delivers readings durably or returns an error whose
	// errdefs.Kind decides whether the batch is retried or dead-lettered.
	WriteBatch(ctx context.Context, readings []apiv1.Reading) error
	// Ping is the lightweight health probe, decoupled from the main
	// write path.
	Ping(ctx context.Context) error
	Close() error
}

// Metrics is the narrow slice of C7 the writer reports into.
type Metrics interface {
	IncFlush(count int, ok bool)
	SetDLQDepth(segments int)
	SetQueueDepth(n int)
}

// Writer owns the batch buffer and DLQ handle exclusively and runs as
// a single cooperative task.
type Writer struct {
	cfg     apiv1.WriterConfig
	sink    Sink
	dlq     *DLQ
	metrics Metrics

	in      chan apiv1.Reading
	flushCh chan chan struct{}

	mu      sync.RWMutex
	healthy bool
}

// New builds a Writer. The input channel has capacity 2*batch_size.
func New(cfg apiv1.WriterConfig, sink Sink, dlq *DLQ, metrics Metrics) *Writer {
	capacity := cfg.BatchSize * 2
	if capacity < 1 {
		capacity = 2
	}
	return &Writer{
		cfg:     cfg,
		sink:    sink,
		dlq:     dlq,
		metrics: metrics,
		in:      make(chan apiv1.Reading, capacity),
		flushCh: make(chan chan struct{}),
		healthy: true,
	}
}

// Enqueue delivers a reading to the writer, forcing an out-of-schedule
// flush if the send would otherwise block for longer than
// flush_interval_ms/2.
func (w *Writer) Enqueue(ctx context.Context, r apiv1.Reading) {
	select {
	case w.in <- r:
		if w.metrics != nil {
			w.metrics.SetQueueDepth(len(w.in))
		}
		return
	default:
	}

	halfFlush := time.Duration(w.cfg.FlushIntervalMs) * time.Millisecond / 2
	timer := time.NewTimer(halfFlush)
	defer timer.Stop()

	select {
	case w.in <- r:
	case <-timer.C:
		w.Flush()
		select {
		case w.in <- r:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

// Flush forces an out-of-schedule flush and blocks until it completes.
func (w *Writer) Flush() {
	done := make(chan struct{})
	w.flushCh <- done
	<-done
}

// IsHealthy reports the writer's own lightweight health state, updated
// by its periodic Ping probe rather than by write success/failure.
func (w *Writer) IsHealthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthy
}

func (w *Writer) setHealthy(v bool) {
	w.mu.Lock()
	w.healthy = v
	w.mu.Unlock()
}

// Run drives the writer's buffering and flush-trigger loop until ctx
// is cancelled, at which point it performs a final flush before
// returning; the supervisor's draining state relies on this.
func (w *Writer) Run(ctx context.Context) {
	buf := make([]apiv1.Reading, 0, w.cfg.BatchSize)
	oldestAt := time.Time{}

	flushInterval := time.Duration(w.cfg.FlushIntervalMs) * time.Millisecond
	ageTimer := time.NewTimer(flushInterval)
	defer ageTimer.Stop()

	probeTicker := time.NewTicker(flushInterval)
	defer probeTicker.Stop()

	doFlush := func() {
		if len(buf) == 0 {
			return
		}
		w.flushBatch(ctx, buf)
		buf = buf[:0]
		oldestAt = time.Time{}
		if !ageTimer.Stop() {
			select {
			case <-ageTimer.C:
			default:
			}
		}
		ageTimer.Reset(flushInterval)
	}

	for {
		select {
		case <-ctx.Done():
			doFlush()
			w.drainDLQIfHealthy(context.Background())
			return

		case r := <-w.in:
			if len(buf) == 0 {
				oldestAt = time.Now()
			}
			buf = append(buf, r)
			if w.metrics != nil {
				w.metrics.SetQueueDepth(len(w.in))
			}
			if len(buf) >= w.cfg.BatchSize {
				doFlush()
			}

		case <-ageTimer.C:
			if !oldestAt.IsZero() && time.Since(oldestAt) >= flushInterval {
				doFlush()
			} else {
				ageTimer.Reset(flushInterval)
			}

		case done := <-w.flushCh:
			// Take every reading already queued so the flush covers
			// everything enqueued before Flush was called.
			for queued := true; queued; {
				select {
				case r := <-w.in:
					if len(buf) == 0 {
						oldestAt = time.Now()
					}
					buf = append(buf, r)
				default:
					queued = false
				}
			}
			doFlush()
			close(done)

		case <-probeTicker.C:
			w.probe(ctx)
			w.drainDLQIfHealthy(ctx)
		}
	}
}

func (w *Writer) probe(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := w.sink.Ping(cctx)
	w.setHealthy(err == nil)
	if err != nil {
		log.Logger.Warnw("writer health probe failed", "error", err)
	}
}

func (w *Writer) flushBatch(ctx context.Context, batch []apiv1.Reading) {
	readings := make([]apiv1.Reading, len(batch))
	copy(readings, batch)

	err := w.writeWithRetry(ctx, readings)
	ok := err == nil
	if w.metrics != nil {
		w.metrics.IncFlush(len(readings), ok)
	}
	if ok {
		return
	}

	if dlqErr := w.dlq.Append(readings); dlqErr != nil {
		log.Logger.Errorw("failed to append batch to dead-letter queue", "error", dlqErr, "batch_size", len(readings))
	}
	if w.metrics != nil {
		w.metrics.SetDLQDepth(w.dlq.SegmentCount())
	}
}

func (w *Writer) writeWithRetry(ctx context.Context, readings []apiv1.Reading) error {
	attempts := w.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(w.cfg.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := w.sink.WriteBatch(ctx, readings)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}

		backoff := delay * time.Duration(int64(1)<<uint(attempt))
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var ce *errdefs.CoreError
	if errors.As(err, &ce) {
		return ce.Kind.Retryable()
	}
	return true // unclassified errors are assumed transient
}

// drainDLQIfHealthy re-enqueues DLQ segments once the sink is known
// healthy.
func (w *Writer) drainDLQIfHealthy(ctx context.Context) {
	if !w.IsHealthy() {
		return
	}
	batches, err := w.dlq.DrainOldest()
	if err != nil || len(batches) == 0 {
		return
	}
	for i, readings := range batches {
		if err := w.writeWithRetry(ctx, readings); err != nil {
			// The drained segment is already removed: put back this
			// batch and every batch after it.
			for _, rest := range batches[i:] {
				_ = w.dlq.Append(rest)
			}
			return
		}
	}
	if w.metrics != nil {
		w.metrics.SetDLQDepth(w.dlq.SegmentCount())
	}
}
