package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry shares one connection per endpoint between all its consumers.
type Registry struct {
	cfg           Config
	dialer        Dialer
	tokens        TokenSource
	observer      Observer
	onAuthFailure func(endpoint string)
	logger        *slog.Logger

	// Endpoint → lifecycle. Every mutation happens in one critical section.
	mu      sync.Mutex
	entries map[string]*lifecycle
	reaps   map[string]*pendingReap
	closed  bool
}

// pendingReap is a scheduled teardown of an entry with no consumers.
type pendingReap struct {
	timer *time.Timer
}

// RegistryStats summarizes all entries.
type RegistryStats struct {
	Endpoints int
	Consumers int
	Connected int
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		r.dialer = d
	}
}

// WithTokenSource sets the source of the bearer token attached at dial time.
func WithTokenSource(ts TokenSource) Option {
	return func(r *Registry) {
		r.tokens = ts
	}
}

// WithObserver sets the lifecycle event observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuthFailureHandler is called, on its own goroutine, when an entry is
// closed because the server rejected its credentials.
func WithAuthFailureHandler(fn func(endpoint string)) Option {
	return func(r *Registry) {
		r.onAuthFailure = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		observer: noopObserver{},
		logger:   slog.Default(),
		entries:  make(map[string]*lifecycle),
		reaps:    make(map[string]*pendingReap),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.dialer == nil {
		r.dialer = NewWSDialer(cfg, r.logger)
	}

	return r
}

// Acquire attaches onMessage to the connection for endpoint, creating and
// opening it if needed. It never waits for the connection to open.
func (r *Registry) Acquire(endpoint string, onMessage func(Message), opts ...AcquireOption) (*Handle, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	c := &consumer{
		id:        uuid.NewString(),
		onMessage: onMessage,
	}
	for _, opt := range opts {
		opt(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	l, ok := r.entries[endpoint]
	if !ok {
		l = newLifecycle(endpoint, r)
		r.entries[endpoint] = l
		r.logger.Debug("registry entry created", "endpoint", endpoint)
	}

	if pending, ok := r.reaps[endpoint]; ok {
		pending.timer.Stop()
		delete(r.reaps, endpoint)
		r.logger.Debug("teardown cancelled, connection reused", "endpoint", endpoint)
	}

	n := l.attach(c)
	r.logger.Debug("consumer attached",
		"endpoint", endpoint,
		"consumer", c.id,
		"consumers", n,
	)

	return &Handle{
		id:       c.id,
		endpoint: endpoint,
		registry: r,
		lc:       l,
	}, nil
}

// Release detaches a handle. Releasing the same handle twice is a no-op.
// When the last consumer leaves, teardown runs after the teardown grace.
func (r *Registry) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.entries[h.endpoint]
	if !ok || l != h.lc {
		return
	}

	remaining, found := l.detach(h.id)
	if !found {
		return
	}

	r.logger.Debug("consumer detached",
		"endpoint", h.endpoint,
		"consumer", h.id,
		"consumers", remaining,
	)

	if remaining > 0 {
		return
	}
	if _, ok := r.reaps[h.endpoint]; ok {
		return
	}

	pending := &pendingReap{}
	pending.timer = time.AfterFunc(r.cfg.TeardownGrace, func() {
		r.reap(h.endpoint, l, pending)
	})
	r.reaps[h.endpoint] = pending
}

// reap evicts an entry whose consumers did not come back during the grace.
func (r *Registry) reap(endpoint string, l *lifecycle, pending *pendingReap) {
	r.mu.Lock()
	if r.reaps[endpoint] != pending {
		r.mu.Unlock()
		return
	}
	delete(r.reaps, endpoint)

	if r.entries[endpoint] != l || l.consumerCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, endpoint)
	t := l.stop(CloseNormalClosure, "no consumers")
	r.mu.Unlock()

	r.logger.Debug("registry entry evicted", "endpoint", endpoint)
	l.finish(t, CloseNormalClosure, "no consumers")
}

// SessionExpired closes every entry with a terminal unauthorized status.
// Consumers stay attached; Revive reopens them.
func (r *Registry) SessionExpired() {
	entries := r.snapshot()

	for _, l := range entries {
		l.halt(CloseInfo{Code: CloseNormalClosure, Reason: "session expired"})
	}

	r.logger.Info("session expired, connections closed", "entries", len(entries))
}

// Revive reopens every entry that stopped retrying (gave up, closed
// normally, or was rejected) and still has consumers. Returns how many
// entries started connecting.
func (r *Registry) Revive() int {
	revived := 0
	for _, l := range r.snapshot() {
		if l.revive() {
			revived++
		}
	}

	if revived > 0 {
		r.logger.Info("connections revived", "entries", revived)
	}
	return revived
}

// Status returns the status of the entry for endpoint.
func (r *Registry) Status(endpoint string) (Status, bool) {
	r.mu.Lock()
	l, ok := r.entries[endpoint]
	r.mu.Unlock()

	if !ok {
		return Status{}, false
	}
	return l.status(), true
}

// Endpoints returns the endpoints with a registry entry, sorted.
func (r *Registry) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]string, 0, len(r.entries))
	for endpoint := range r.entries {
		endpoints = append(endpoints, endpoint)
	}
	slices.Sort(endpoints)
	return endpoints
}

// Stats returns current statistics.
func (r *Registry) Stats() RegistryStats {
	entries := r.snapshot()

	stats := RegistryStats{Endpoints: len(entries)}
	for _, l := range entries {
		s := l.status()
		stats.Consumers += s.Consumers
		if s.Connected() {
			stats.Connected++
		}
	}
	return stats
}

// Shutdown closes every connection and rejects further acquires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	for _, pending := range r.reaps {
		pending.timer.Stop()
	}
	r.reaps = make(map[string]*pendingReap)

	type closing struct {
		l *lifecycle
		t Transport
	}
	entries := make([]closing, 0, len(r.entries))
	for _, l := range r.entries {
		entries = append(entries, closing{l: l, t: l.stop(CloseNormalClosure, "shutdown")})
	}
	r.entries = make(map[string]*lifecycle)
	r.mu.Unlock()

	r.logger.Info("stopping connection registry", "entries", len(entries))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.l.finish(e.t, CloseNormalClosure, "shutdown")
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	r.logger.Info("connection registry stopped")
	return nil
}

func (r *Registry) snapshot() []*lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*lifecycle, 0, len(r.entries))
	for _, l := range r.entries {
		entries = append(entries, l)
	}
	return entries
}

// validateEndpoint accepts absolute ws:// and wss:// URLs.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}
