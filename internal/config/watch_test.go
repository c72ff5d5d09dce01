package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

func writeTestConfig(t *testing.T, path string, batchSize int) {
	t.Helper()
	cfg := &apiv1.Config{
		Devices: []apiv1.DeviceConfig{
			{
				DeviceID: "d1", Host: "127.0.0.1", Port: 5020,
				TimeoutMs: 100, PollIntervalMs: 100, MaxRetries: 1, Enabled: true,
				Channels: []apiv1.ChannelConfig{
					{ChannelNumber: 0, StartRegister: 0, RegisterCount: 2, DataType: apiv1.DataTypeUInt32LowHigh, ScaleFactor: 1, MaxValue: 1e9, Enabled: true},
				},
			},
		},
		Writer:      apiv1.WriterConfig{BatchSize: batchSize, FlushIntervalMs: 1000, MaxRetryAttempts: 1, RetryDelayMs: 10},
		TimescaleDB: &apiv1.TimescaleDBConfig{DSN: "postgres://example/db"},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestWatchFile_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeTestConfig(t, path, 10)

	changes := make(chan *apiv1.Config, 4)
	w, err := WatchFile(path, func(cfg *apiv1.Config) { changes <- cfg })
	require.NoError(t, err)
	defer w.Close()

	// Give the watcher time to register the directory before writing.
	time.Sleep(50 * time.Millisecond)
	writeTestConfig(t, path, 20)

	select {
	case cfg := <-changes:
		require.Equal(t, 20, cfg.Writer.BatchSize)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatchFile_InvalidRewriteDoesNotNotify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeTestConfig(t, path, 10)

	changes := make(chan *apiv1.Config, 4)
	w, err := WatchFile(path, func(cfg *apiv1.Config) { changes <- cfg })
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("not valid json"), 0o644))

	select {
	case <-changes:
		t.Fatal("onChange should not fire for an invalid rewrite")
	case <-time.After(300 * time.Millisecond):
	}
}
