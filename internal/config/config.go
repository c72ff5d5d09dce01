// Package config loads and validates the typed device/channel/writer
// configuration (C1). It never short-circuits on the first error: every
// problem in a source is collected and returned together so an operator
// sees the full list in one pass.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"sigs.k8s.io/yaml"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
)

// ValidationErrors aggregates every validation failure found in one
// pass over a Config.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d config error(s): %s", len(v), strings.Join(msgs, "; "))
}

func (v ValidationErrors) Unwrap() []error { return v }

// LoadAndValidate reads the config source (a JSON or YAML file path),
// layers environment variable overrides on top, applies any caller
// overrides (CLI flags), and validates the result. On any validation
// failure it returns a non-nil ValidationErrors alongside a nil
// *apiv1.Config.
func LoadAndValidate(path string, overrides ...func(*apiv1.Config)) (*apiv1.Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path %q: %w", path, err)
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", expanded, err)
	}

	cfg, err := Parse(raw, filepath.Ext(expanded))
	if err != nil {
		return nil, err
	}

	applyWriterDefaults(cfg)
	ApplyEnvOverrides(cfg)
	for _, o := range overrides {
		o(cfg)
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return cfg, nil
}

// Parse decodes a JSON or YAML document into a Config. YAML is
// normalised to JSON first so both source formats share the same
// struct tags.
func Parse(raw []byte, ext string) (*apiv1.Config, error) {
	cfg := &apiv1.Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			// yaml.Unmarshal also accepts strict JSON; its error is
			// labelled as a JSON parse failure for non-YAML extensions.
			return nil, fmt.Errorf("parsing json config: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides layers ADAM6000_* environment variables on top of
// a parsed config snapshot.
func ApplyEnvOverrides(cfg *apiv1.Config) {
	if v, ok := os.LookupEnv("ADAM6000_DEMO_MODE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DemoMode = b
		}
	}
	if v, ok := os.LookupEnv("ADAM6000_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("ADAM6000_INFLUXDB_TOKEN"); ok && cfg.InfluxDB != nil {
		cfg.InfluxDB.Token = v
	}
	if v, ok := os.LookupEnv("ADAM6000_TIMESCALEDB_DSN"); ok && cfg.TimescaleDB != nil {
		cfg.TimescaleDB.DSN = v
	}
}

// applyWriterDefaults fills in the writer's buffering knobs when a
// config source leaves them at their zero value.
func applyWriterDefaults(cfg *apiv1.Config) {
	w := &cfg.Writer
	if w.BatchSize <= 0 {
		w.BatchSize = 100
	}
	if w.FlushIntervalMs <= 0 {
		w.FlushIntervalMs = 5000
	}
	if w.MaxRetryAttempts <= 0 {
		w.MaxRetryAttempts = 5
	}
	if w.RetryDelayMs <= 0 {
		w.RetryDelayMs = 500
	}
	if w.DLQDir == "" {
		w.DLQDir = "dlq"
	}
	if w.DLQSegmentBytes <= 0 {
		w.DLQSegmentBytes = 64 << 20
	}
	if w.DLQMaxSegments <= 0 {
		w.DLQMaxSegments = 10
	}
}

// invalid is a small helper constructing an errdefs.ErrInvalidArgument
// wrapped validation message.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}
