package writer

import (
	"context"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

// NullSink discards every batch successfully. Selected at startup when
// neither an InfluxDB nor a TimescaleDB backend is configured, which
// validation allows only in demo mode.
type NullSink struct{}

func NewNullSink() *NullSink { return &NullSink{} }

func (NullSink) WriteBatch(ctx context.Context, readings []apiv1.Reading) error { return nil }
func (NullSink) Ping(ctx context.Context) error                                 { return nil }
func (NullSink) Close() error                                                   { return nil }
