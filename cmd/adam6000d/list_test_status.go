package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/device"
	"github.com/grantwise/adam6000-counter/internal/metrics"
)

// cmdList prints every configured device and its last-known health as
// a table, without starting the full supervisor.
func cmdList(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	pool, cleanup, err := probePool(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"Device", "Host:Port", "Enabled", "Connected", "Total Reads", "Failures", "Mean Latency"})
	for _, snap := range pool.List() {
		table.Append([]string{
			snap.Config.DeviceID,
			fmt.Sprintf("%s:%d", snap.Config.Host, snap.Config.Port),
			fmt.Sprintf("%v", snap.Config.Enabled),
			fmt.Sprintf("%v", snap.Health.IsConnected),
			humanize.Comma(snap.Health.TotalReads),
			humanize.Comma(snap.Health.TotalFailures),
			snap.Health.MeanReadLatency.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	return nil
}

// cmdTest probes connectivity for one device (arg 0) or every
// configured device if no argument is given.
func cmdTest(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	pool, cleanup, err := probePool(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ids := c.Args()
	if len(ids) == 0 {
		for _, d := range cfg.Devices {
			ids = append(ids, d.DeviceID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for _, id := range ids {
		err := pool.Test(ctx, id)
		if err != nil {
			failed = true
			fmt.Printf("%-20s FAIL  %v\n", id, err)
			continue
		}
		fmt.Printf("%-20s OK\n", id)
	}
	if failed {
		return fmt.Errorf("one or more device probes failed")
	}
	return nil
}

// cmdStatus prints a brief summary of the loaded configuration: device
// count, writer batching, backend and demo mode. Queue depths are not
// available without a running process, and devices are not probed.
func cmdStatus(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	fmt.Printf("devices configured: %d\n", len(cfg.Devices))
	fmt.Printf("writer batch_size: %d  flush_interval: %s\n", cfg.Writer.BatchSize, time.Duration(cfg.Writer.FlushIntervalMs)*time.Millisecond)
	switch {
	case cfg.InfluxDB != nil:
		fmt.Printf("writer backend: influxdb (%s)\n", cfg.InfluxDB.URL)
	case cfg.TimescaleDB != nil:
		fmt.Println("writer backend: timescaledb")
	default:
		fmt.Println("writer backend: null (discard)")
	}
	fmt.Printf("demo mode: %v\n", cfg.DemoMode)
	return nil
}

// probePool builds an ephemeral pool (no writer/processor attached) so
// list/test can report device health without running the full pipeline.
func probePool(cfg *apiv1.Config) (*device.Pool, func(), error) {
	collector := metrics.New()
	rawFrames := make(chan apiv1.RawFrame, 16)
	ctx, cancel := context.WithCancel(context.Background())
	pool := device.NewPool(ctx, rawFrames, collector, transportFactory(cfg.DemoMode))

	for _, d := range cfg.Devices {
		if err := pool.Add(d); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("adding device %s: %w", d.DeviceID, err)
		}
	}

	go func() {
		for range rawFrames {
		}
	}()

	cleanup := func() {
		pool.Shutdown()
		cancel()
	}
	return pool, cleanup, nil
}
