package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/errdefs"
)

const defaultTableName = "counter_readings"

// TimescaleSink writes batches as positional row inserts into a
// TimescaleDB hypertable via a single bulk COPY per flush.
type TimescaleSink struct {
	cfg   apiv1.TimescaleDBConfig
	pool  *pgxpool.Pool
	table string
}

// NewTimescaleSink opens a connection pool against cfg.DSN. The pool
// is lazily connected; the first health probe or write establishes
// the underlying connections.
func NewTimescaleSink(ctx context.Context, cfg apiv1.TimescaleDBConfig) (*TimescaleSink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening timescaledb pool: %w", err)
	}
	table := cfg.TableName
	if table == "" {
		table = defaultTableName
	}
	return &TimescaleSink{cfg: cfg, pool: pool, table: table}, nil
}

// WriteBatch implements Sink via a single pgx.CopyFrom call per batch.
func (s *TimescaleSink) WriteBatch(ctx context.Context, readings []apiv1.Reading) error {
	rows := make([][]any, len(readings))
	for i, r := range readings {
		var rate any
		if r.RatePerSecond != nil {
			rate = *r.RatePerSecond
		}
		var tags any
		if len(r.Tags) > 0 {
			raw, err := json.Marshal(r.Tags)
			if err != nil {
				return errdefs.New(errdefs.KindWriterPermanent, "marshalling reading tags", err)
			}
			tags = string(raw)
		}
		rows[i] = []any{
			r.Timestamp, r.DeviceID, r.ChannelNumber,
			r.RawValue, r.ProcessedValue, rate, string(r.Quality), tags,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{s.table},
		[]string{"time", "device_id", "channel", "raw_value", "processed_value", "rate", "quality", "tags_jsonb"},
		pgx.CopyFromRows(rows),
	)
	if err == nil {
		return nil
	}

	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && len(pgErr.SQLState()) == 5 && (pgErr.SQLState()[:2] == "22" || pgErr.SQLState()[:2] == "23") {
		// class 22/23 (data/integrity violations): the batch itself is
		// malformed and retrying will not help.
		return errdefs.New(errdefs.KindWriterPermanent, "timescaledb rejected batch", err)
	}
	return errdefs.New(errdefs.KindWriterTransient, "timescaledb copy failed", err)
}

// Ping implements Sink's lightweight health probe.
func (s *TimescaleSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Sink.
func (s *TimescaleSink) Close() error {
	s.pool.Close()
	return nil
}
