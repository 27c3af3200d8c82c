package journal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

// fakeResults replays one command tag or error per queued query.
type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
	next int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[r.next]
	r.next++
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

// fakeDB records every batch it is sent and keeps the ids it stored, so
// a repeated id conflicts like the primary key would.
type fakeDB struct {
	mu      sync.Mutex
	batches []*pgx.Batch
	rows    map[string]bool
	err     error
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b)

	if err := ctx.Err(); err != nil {
		return &fakeResults{err: err}
	}
	if db.err != nil {
		return &fakeResults{err: db.err}
	}
	if db.rows == nil {
		db.rows = make(map[string]bool)
	}

	tags := make([]pgconn.CommandTag, b.Len())
	for i, q := range b.QueuedQueries {
		id := q.Arguments[0].(string)
		if db.rows[id] {
			tags[i] = pgconn.NewCommandTag("INSERT 0 0")
			continue
		}
		db.rows[id] = true
		tags[i] = pgconn.NewCommandTag("INSERT 0 1")
	}
	return &fakeResults{tags: tags}
}

func (db *fakeDB) stored() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

func (db *fakeDB) queued() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, b := range db.batches {
		n += b.Len()
	}
	return n
}

type fakeObserver struct {
	mu      sync.Mutex
	written int
	failed  int
	dropped int
}

func (o *fakeObserver) BatchWritten(events int, took time.Duration) {
	o.mu.Lock()
	o.written += events
	o.mu.Unlock()
}

func (o *fakeObserver) BatchFailed(events int) {
	o.mu.Lock()
	o.failed += events
	o.mu.Unlock()
}

func (o *fakeObserver) EventDropped() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

var messageSeq atomic.Int64

// testMessage returns a distinct delivery on every call.
func testMessage(eventType string) connection.Message {
	n := messageSeq.Add(1)
	return connection.Message{
		Endpoint:   "ws://localhost:8000/ws/updates",
		Type:       eventType,
		Data:       []byte(`{"type":"` + eventType + `","ticket_id":7}`),
		ReceivedAt: time.Date(2025, 3, 1, 12, 0, 0, int(n), time.UTC),
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	obs := &fakeObserver{}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 10}, db, nil, WithObserver(obs))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(context.Background())

	for i := 0; i < 3; i++ {
		w.Record(testMessage("ticket_updated"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Flushes == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stats := w.Stats()
	if stats.Flushes != 1 {
		t.Fatalf("Flushes = %d, want 1", stats.Flushes)
	}
	if stats.Inserts != 3 {
		t.Errorf("Inserts = %d, want 3", stats.Inserts)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.written != 3 {
		t.Errorf("observer written = %d, want 3", obs.written)
	}
}

func TestWriter_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, BufferSize: 10}, db, nil)

	w.Start(context.Background())
	defer w.Stop(context.Background())

	w.Record(testMessage("ticket_created"))

	deadline := time.Now().Add(2 * time.Second)
	for db.queued() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.queued() != 1 {
		t.Fatalf("queued = %d, want 1", db.queued())
	}
}

func TestWriter_StopFlushesRemaining(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)

	w.Start(context.Background())
	for i := 0; i < 5; i++ {
		w.Record(testMessage("ticket_updated"))
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := db.queued(); got != 5 {
		t.Errorf("queued after Stop = %d, want 5", got)
	}
	if got := w.Stats().Inserts; got != 5 {
		t.Errorf("Inserts = %d, want 5", got)
	}
}

func TestWriter_QueuedRow(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 1, FlushInterval: time.Hour, BufferSize: 1}, db, nil)

	w.Start(context.Background())
	msg := testMessage("ticket_assigned")
	w.Record(msg)
	w.Stop(context.Background())

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.batches) != 1 || db.batches[0].Len() != 1 {
		t.Fatalf("expected one batch with one query, got %d batches", len(db.batches))
	}

	q := db.batches[0].QueuedQueries[0]
	if !strings.Contains(q.SQL, "ON CONFLICT (id) DO NOTHING") {
		t.Errorf("insert is not idempotent: %s", q.SQL)
	}
	if len(q.Arguments) != 5 {
		t.Fatalf("arguments = %d, want 5", len(q.Arguments))
	}
	if id, _ := q.Arguments[0].(string); len(id) != 36 {
		t.Errorf("id = %v, want a UUID", q.Arguments[0])
	}
	if q.Arguments[1] != msg.Endpoint {
		t.Errorf("endpoint = %v, want %s", q.Arguments[1], msg.Endpoint)
	}
	if q.Arguments[2] != "ticket_assigned" {
		t.Errorf("event_type = %v, want ticket_assigned", q.Arguments[2])
	}
	if q.Arguments[3] != string(msg.Data) {
		t.Errorf("payload = %v, want %s", q.Arguments[3], msg.Data)
	}
	if got, _ := q.Arguments[4].(time.Time); !got.Equal(msg.ReceivedAt) {
		t.Errorf("received_at = %v, want %v", got, msg.ReceivedAt)
	}
}

func TestWriter_CountsDuplicates(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 10}, db, nil)

	// The same delivery recorded twice, as when an endpoint is configured twice.
	msg := testMessage("ticket_updated")
	w.Start(context.Background())
	w.Record(msg)
	w.Record(msg)
	w.Record(testMessage("ticket_updated"))
	w.Stop(context.Background())

	if got := db.stored(); got != 2 {
		t.Errorf("stored rows = %d, want 2", got)
	}

	stats := w.Stats()
	if stats.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2", stats.Inserts)
	}
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	obs := &fakeObserver{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 10}, db, nil, WithObserver(obs))

	w.Start(context.Background())
	w.Record(testMessage("ticket_updated"))
	w.Record(testMessage("ticket_updated"))
	w.Stop(context.Background())

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.failed != 2 {
		t.Errorf("observer failed = %d, want 2", obs.failed)
	}
}

func TestWriter_DropsWhenBufferFull(t *testing.T) {
	db := &fakeDB{}
	obs := &fakeObserver{}
	// Not started, so nothing drains the buffer.
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 2}, db, nil, WithObserver(obs))

	for i := 0; i < 5; i++ {
		w.Record(testMessage("ticket_updated"))
	}

	if got := w.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.dropped != 3 {
		t.Errorf("observer dropped = %d, want 3", obs.dropped)
	}
}

type fakeExecer struct {
	statements []string
	err        error
}

func (e *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.statements = append(e.statements, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), e.err
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.statements) != 2 {
		t.Fatalf("statements = %d, want 2", len(db.statements))
	}
	if !strings.Contains(db.statements[0], "CREATE TABLE IF NOT EXISTS update_events") {
		t.Errorf("unexpected first statement: %s", db.statements[0])
	}

	failing := &fakeExecer{err: errors.New("permission denied")}
	if err := EnsureSchema(context.Background(), failing); err == nil {
		t.Error("expected error from EnsureSchema")
	}
}

func TestEventID(t *testing.T) {
	at := time.Date(2025, 10, 6, 12, 0, 0, 123456789, time.UTC)
	data := []byte(`{"type":"ticket","id":1}`)
	const endpoint = "ws://localhost:8000/ws/updates"

	id := eventID(endpoint, at, data)
	if len(id) != 36 {
		t.Fatalf("id = %q, want a UUID", id)
	}
	if got := eventID(endpoint, at.In(time.FixedZone("CEST", 2*3600)), data); got != id {
		t.Errorf("same delivery in another zone gave %s, want %s", got, id)
	}

	others := map[string]string{
		"endpoint": eventID("ws://localhost:8000/ws/admin", at, data),
		"time":     eventID(endpoint, at.Add(time.Nanosecond), data),
		"payload":  eventID(endpoint, at, []byte(`{"type":"ticket","id":2}`)),
	}
	for field, other := range others {
		if other == id {
			t.Errorf("changing %s did not change the id", field)
		}
	}
}

func TestWriter_InterruptedFlushKeepsBatch(t *testing.T) {
	db := &fakeDB{}
	obs := &fakeObserver{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil, WithObserver(obs))

	for i := 0; i < 3; i++ {
		w.add(context.Background(), w.transform(testMessage("ticket_updated")))
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	w.flush(cancelled)

	if got := db.stored(); got != 0 {
		t.Fatalf("stored rows = %d after cancelled flush, want 0", got)
	}
	if stats := w.Stats(); stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0 for an interrupted flush", stats.Errors)
	}

	w.flush(context.Background())

	if got := db.stored(); got != 3 {
		t.Errorf("stored rows = %d after retry, want 3", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.failed != 0 {
		t.Errorf("observer failed = %d, want 0", obs.failed)
	}
}
