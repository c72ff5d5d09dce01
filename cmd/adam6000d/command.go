package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/config"
	"github.com/grantwise/adam6000-counter/internal/device"
	"github.com/grantwise/adam6000-counter/internal/log"
	"github.com/grantwise/adam6000-counter/internal/metrics"
	"github.com/grantwise/adam6000-counter/internal/supervisor"
	"github.com/grantwise/adam6000-counter/internal/transport"
	"github.com/grantwise/adam6000-counter/internal/writer"
)

const usage = "industrial counter-acquisition core for ADAM-6000-series Modbus/TCP devices"

// snapshotPath is where the last-known-good config snapshot lives,
// independent of the config source so it can be opened before the
// source is readable.
const snapshotPath = "config_snapshot.db"

// exitCodeFor maps an error into the process exit code contract: 0
// normal, 2 invalid config, 3 unrecoverable supervisor error.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if _, ok := err.(config.ValidationErrors); ok {
		return 2
	}
	return 3
}

// App builds the adam6000d command-line surface.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "adam6000d"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to the JSON/YAML config file", Value: "config.yaml"},
		cli.BoolFlag{Name: "dry-run", Usage: "validate the config and exit"},
		cli.BoolFlag{Name: "demo-mode", Usage: "use a simulated transport producing incrementing counters"},
		cli.StringFlag{Name: "log-level", Usage: "zap log level", Value: "info"},
	}
	app.Action = cmdRun
	app.Commands = []cli.Command{
		{Name: "list", Usage: "list configured devices and their health", Action: cmdList},
		{Name: "test", Usage: "probe connectivity for one or all configured devices", Action: cmdTest},
		{Name: "status", Usage: "print a summary of the loaded configuration (devices, writer, backend)", Action: cmdStatus},
	}
	return app
}

func loadConfig(c *cli.Context) (*apiv1.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = c.String("config")
	}
	return config.LoadAndValidate(path, flagOverrides(c))
}

// flagOverrides applies CLI flags on top of the parsed config before
// validation, so e.g. --demo-mode is visible to the backend checks.
func flagOverrides(c *cli.Context) func(*apiv1.Config) {
	demoMode := c.GlobalBool("demo-mode") || c.Bool("demo-mode")
	return func(cfg *apiv1.Config) {
		if demoMode {
			cfg.DemoMode = true
		}
	}
}

func setupLogger(c *cli.Context) error {
	level := c.GlobalString("log-level")
	if level == "" {
		level = "info"
	}
	zapLvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	log.Logger = log.CreateLogger(zapLvl, "")
	return nil
}

func transportFactory(demoMode bool) device.TransportFactory {
	if demoMode {
		return func(cfg apiv1.DeviceConfig) transport.Transport {
			return transport.NewSimulated(5)
		}
	}
	return func(cfg apiv1.DeviceConfig) transport.Transport {
		return transport.NewModbusTCP(transport.Config{
			Host:          cfg.Host,
			Port:          cfg.Port,
			UnitID:        cfg.UnitID,
			Timeout:       time.Duration(cfg.TimeoutMs) * time.Millisecond,
			ProbeRegister: probeRegister(cfg),
		})
	}
}

// probeRegister picks the register Test() reads: the first enabled
// channel's start register, or 0 when the device has none configured.
func probeRegister(cfg apiv1.DeviceConfig) uint16 {
	for _, ch := range cfg.Channels {
		if ch.Enabled {
			return ch.StartRegister
		}
	}
	return 0
}

func buildSink(ctx context.Context, cfg *apiv1.Config) (writer.Sink, error) {
	switch {
	case cfg.InfluxDB != nil:
		return writer.NewInfluxSink(*cfg.InfluxDB), nil
	case cfg.TimescaleDB != nil:
		return writer.NewTimescaleSink(ctx, *cfg.TimescaleDB)
	default:
		return writer.NewNullSink(), nil
	}
}

// fallbackConfig recovers from an unreadable config source by loading
// the last-known-good snapshot. A validation failure is never papered
// over: a config that was read but rejected still aborts startup.
func fallbackConfig(c *cli.Context, store *supervisor.ConfigStore, loadErr error) (*apiv1.Config, error) {
	if _, invalid := loadErr.(config.ValidationErrors); invalid || store == nil {
		return nil, loadErr
	}
	snap, err := store.Load()
	if err != nil || snap == nil {
		return nil, loadErr
	}
	log.Logger.Warnw("config source unavailable, starting from last-known-good snapshot", "error", loadErr)
	flagOverrides(c)(snap)
	return snap, nil
}

// cmdRun is the default action: runs the supervisor until a
// termination signal is received.
func cmdRun(c *cli.Context) error {
	if err := setupLogger(c); err != nil {
		return err
	}

	store, err := supervisor.OpenConfigStore(snapshotPath)
	if err != nil {
		log.Logger.Warnw("failed to open config snapshot store, continuing without it", "error", err)
		store = nil
	}

	cfg, err := loadConfig(c)
	if err != nil {
		cfg, err = fallbackConfig(c, store, err)
		if err != nil {
			return err
		}
	}

	if c.GlobalBool("dry-run") || c.Bool("dry-run") {
		fmt.Println("config OK")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	dlqDir := cfg.Writer.DLQDir
	if !filepath.IsAbs(dlqDir) {
		dlqDir = filepath.Join(".", dlqDir)
	}
	dlq, err := writer.NewDLQ(dlqDir, cfg.Writer.DLQSegmentBytes, cfg.Writer.DLQMaxSegments)
	if err != nil {
		return err
	}

	collector := metrics.New()
	sup := supervisor.New(cfg, transportFactory(cfg.DemoMode), sink, dlq, collector, store)

	if err := sup.Start(ctx); err != nil {
		return err
	}

	configPath := c.GlobalString("config")
	if configPath == "" {
		configPath = c.String("config")
	}
	watcher, err := config.WatchFile(configPath, func(newCfg *apiv1.Config) {
		if err := sup.Reload(newCfg); err != nil {
			log.Logger.Errorw("config hot-reload failed, previous configuration retained", "error", err)
			return
		}
		log.Logger.Infow("config hot-reloaded", "path", configPath)
	}, flagOverrides(c))
	if err != nil {
		log.Logger.Warnw("failed to start config file watcher, hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	<-ctx.Done()
	log.Logger.Infow("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sup.Shutdown(shutdownCtx)
}
