package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

// eventNamespace scopes the name-based event ids of this journal.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:ticket-realtime:update_events"))

const insertSQL = `
	INSERT INTO update_events (id, endpoint, event_type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// Writer batches received update events into the update_events table.
type Writer struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer

	// Input from the connection's read loop
	input chan eventRow

	// Database
	db batchSender

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	stats Stats
}

// Option configures a Writer.
type Option func(*Writer)

// WithObserver sets the journal event observer.
func WithObserver(o Observer) Option {
	return func(w *Writer) {
		if o != nil {
			w.observer = o
		}
	}
}

// NewWriter creates a new Writer. db is usually a *pgxpool.Pool.
func NewWriter(cfg Config, db batchSender, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	w := &Writer{
		cfg:      cfg,
		logger:   logger,
		observer: noopObserver{},
		input:    make(chan eventRow, cfg.BufferSize),
		db:       db,
		batch:    make([]eventRow, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record queues a received message. It never blocks; when the buffer is
// full the event is dropped and counted.
func (w *Writer) Record(msg connection.Message) {
	row := w.transform(msg)

	select {
	case w.input <- row:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.observer.EventDropped()
		w.logger.Debug("journal buffer full, dropping event", "type", msg.Type)
	}
}

// transform converts a Message to an eventRow.
func (w *Writer) transform(msg connection.Message) eventRow {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return eventRow{
		ID:         eventID(msg.Endpoint, receivedAt, msg.Data),
		Endpoint:   msg.Endpoint,
		EventType:  msg.Type,
		Payload:    string(msg.Data),
		ReceivedAt: receivedAt.UTC(),
	}
}

// eventID derives a UUIDv5 from the frame, so recording the same delivery
// twice (an endpoint listed twice, a replayed batch) yields one row.
func eventID(endpoint string, receivedAt time.Time, data []byte) string {
	name := make([]byte, 0, len(endpoint)+len(data)+40)
	name = append(name, endpoint...)
	name = append(name, 0)
	name = receivedAt.UTC().AppendFormat(name, time.RFC3339Nano)
	name = append(name, 0)
	name = append(name, data...)
	return uuid.NewSHA1(eventNamespace, name).String()
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered events and writes them before returning.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Final flush of everything still buffered
drain:
	for {
		select {
		case row := <-w.input:
			w.add(ctx, row)
		default:
			break drain
		}
	}
	w.flush(ctx)

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			w.add(w.ctx, row)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			// Stop owns the final flush once cancelled
			if w.ctx.Err() != nil {
				return
			}
			w.flush(w.ctx)
		}
	}
}

// add appends a row to the batch and flushes when it is full.
func (w *Writer) add(ctx context.Context, row eventRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	duplicates, err := w.batchInsert(ctx, batch)
	if err != nil && ctx.Err() != nil {
		// Interrupted, not rejected: keep the rows for the next flush
		w.batchMu.Lock()
		w.batch = append(batch, w.batch...)
		w.batchMu.Unlock()
		w.logger.Debug("flush interrupted, batch kept", "count", len(batch), "error", err)
		return
	}
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		w.observer.BatchFailed(len(batch))
		return
	}

	took := time.Since(start)

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - duplicates)
	w.stats.Duplicates += int64(duplicates)
	w.stats.Flushes++
	w.batchMu.Unlock()
	w.observer.BatchWritten(len(batch)-duplicates, took)

	w.logger.Debug("flushed update events",
		"count", len(batch),
		"duplicates", duplicates,
		"duration", took,
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (duplicates int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.Endpoint, r.EventType, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			duplicates++
		}
	}

	return duplicates, nil
}
