// Package warehouse exports committed metric snapshots to ClickHouse for
// offline analytics. Export is best-effort: the snapshot store stays the
// source of truth and a failed export never fails a reconciliation run.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	User     string
	Password string

	MaxOpenConns int
	MaxIdleConns int
}

// ClickHouseSink writes metric snapshots to a ClickHouse table in
// batches. It implements reconcile.SnapshotSink.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink connects to ClickHouse and verifies the connection.
func NewClickHouseSink(ctx context.Context, opts Options, logger *zap.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:  5 * time.Second,
		MaxOpenConns: opts.MaxOpenConns,
		MaxIdleConns: opts.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	logger.Info("clickhouse connection established", zap.String("addr", opts.Addr))
	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// InitSchema creates the snapshot table. ReplacingMergeTree keyed on the
// snapshot identity with the computation timestamp as version, so a
// re-export of the same bucket converges to the latest computation.
func (s *ClickHouseSink) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS metric_snapshots (
		store_id String,
		entity_id String,
		entity_type LowCardinality(String),
		bucket_start DateTime('UTC'),
		metric LowCardinality(String),
		defined UInt8,
		value Float64,
		sample_size Int64,
		computation_version String,
		computed_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(computed_at)
	ORDER BY (store_id, entity_type, entity_id, metric, bucket_start)
	PARTITION BY toYYYYMM(bucket_start)
	`
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create metric_snapshots table: %w", err)
	}
	return nil
}

// WriteSnapshots appends one batch of snapshots.
func (s *ClickHouseSink) WriteSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO metric_snapshots")
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot batch: %w", err)
	}
	for _, sn := range snaps {
		defined := uint8(0)
		if sn.Value.Defined {
			defined = 1
		}
		if err := batch.Append(
			sn.StoreID,
			sn.EntityID,
			string(sn.EntityType),
			sn.BucketStart,
			string(sn.Metric),
			defined,
			sn.Value.Value,
			sn.SampleSize,
			sn.ComputationVersion,
			sn.ComputedAt,
		); err != nil {
			return fmt.Errorf("failed to append snapshot to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send snapshot batch: %w", err)
	}
	s.logger.Debug("exported metric snapshots", zap.Int("count", len(snaps)))
	return nil
}

// Ping reports connection liveness for health checks.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
