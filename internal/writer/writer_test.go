package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]apiv1.Reading
	failN   int // number of WriteBatch calls to fail before succeeding
	kind    errdefs.Kind
}

func (f *fakeSink) WriteBatch(ctx context.Context, readings []apiv1.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errdefs.New(f.kind, "simulated failure", nil)
	}
	cp := make([]apiv1.Reading, len(readings))
	copy(cp, readings)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) Ping(ctx context.Context) error { return nil }
func (f *fakeSink) Close() error                   { return nil }

func (f *fakeSink) allReadings() []apiv1.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiv1.Reading
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func testWriterConfig() apiv1.WriterConfig {
	return apiv1.WriterConfig{
		BatchSize:        3,
		FlushIntervalMs:  50,
		MaxRetryAttempts: 2,
		RetryDelayMs:     5,
		DLQSegmentBytes:  1 << 20,
		DLQMaxSegments:   3,
	}
}

func reading(deviceID string, n int) apiv1.Reading {
	return apiv1.Reading{DeviceID: deviceID, ChannelNumber: n, Timestamp: time.Now(), Quality: apiv1.DataQualityGood}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	dlq, err := NewDLQ(t.TempDir(), 1<<20, 3)
	require.NoError(t, err)

	w := New(testWriterConfig(), sink, dlq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	for i := 0; i < 3; i++ {
		w.Enqueue(ctx, reading("d1", i))
	}

	require.Eventually(t, func() bool { return len(sink.allReadings()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestWriter_FlushesOnAge(t *testing.T) {
	sink := &fakeSink{}
	dlq, err := NewDLQ(t.TempDir(), 1<<20, 3)
	require.NoError(t, err)

	cfg := testWriterConfig()
	cfg.BatchSize = 100
	cfg.FlushIntervalMs = 30

	w := New(cfg, sink, dlq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	w.Enqueue(ctx, reading("d1", 0))

	require.Eventually(t, func() bool { return len(sink.allReadings()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_ExplicitFlush(t *testing.T) {
	sink := &fakeSink{}
	dlq, err := NewDLQ(t.TempDir(), 1<<20, 3)
	require.NoError(t, err)

	cfg := testWriterConfig()
	cfg.BatchSize = 100
	cfg.FlushIntervalMs = 10_000

	w := New(cfg, sink, dlq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	w.Enqueue(ctx, reading("d1", 0))
	w.Flush()

	assert.Len(t, sink.allReadings(), 1)
}

func TestWriter_RetriesTransientThenSucceeds(t *testing.T) {
	sink := &fakeSink{failN: 1, kind: errdefs.KindWriterTransient}
	dlq, err := NewDLQ(t.TempDir(), 1<<20, 3)
	require.NoError(t, err)

	cfg := testWriterConfig()
	cfg.BatchSize = 1

	w := New(cfg, sink, dlq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	w.Enqueue(ctx, reading("d1", 0))

	require.Eventually(t, func() bool { return len(sink.allReadings()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_PermanentFailureGoesToDLQ(t *testing.T) {
	sink := &fakeSink{failN: 100, kind: errdefs.KindWriterPermanent}
	dir := t.TempDir()
	dlq, err := NewDLQ(dir, 1<<20, 3)
	require.NoError(t, err)

	cfg := testWriterConfig()
	cfg.BatchSize = 1
	cfg.MaxRetryAttempts = 1

	w := New(cfg, sink, dlq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Enqueue(ctx, reading("d1", 0))
	w.Flush()
	cancel()

	require.Eventually(t, func() bool { return dlq.SegmentCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestDLQ_AppendAndDrain(t *testing.T) {
	dir := t.TempDir()
	dlq, err := NewDLQ(dir, 1<<20, 3)
	require.NoError(t, err)

	batch := []apiv1.Reading{reading("d1", 0), reading("d1", 1)}
	require.NoError(t, dlq.Append(batch))

	// the only data lives in the active segment; DrainOldest rotates it
	// out and hands the batch back rather than waiting for the segment
	// to fill.
	batches, err := dlq.DrainOldest()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	// a second drain finds nothing left.
	batches, err = dlq.DrainOldest()
	require.NoError(t, err)
	assert.Empty(t, batches)
}
