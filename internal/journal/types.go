package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config holds batching settings.
type Config struct {
	// BatchSize is the number of events to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds events waiting to be batched. Events beyond it are
	// dropped rather than blocking the connection's read loop.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts    int64
	Duplicates int64
	Errors     int64
	Flushes    int64
	Dropped    int64
}

// Observer receives journal events. metrics.Collector implements it.
type Observer interface {
	BatchWritten(events int, took time.Duration)
	BatchFailed(events int)
	EventDropped()
}

type noopObserver struct{}

func (noopObserver) BatchWritten(int, time.Duration) {}
func (noopObserver) BatchFailed(int) {}
func (noopObserver) EventDropped() {}

// batchSender is the part of *pgxpool.Pool the writer uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// execer is the part of *pgxpool.Pool schema setup uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// eventRow represents a row to be inserted into the update_events table.
type eventRow struct {
	ID         string // UUID
	Endpoint   string
	EventType  string
	Payload    string // JSON object
	ReceivedAt time.Time
}
