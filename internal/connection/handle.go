package connection

import (
	"encoding/json"
	"sync/atomic"
)

// Handle is one consumer's view of a shared connection. It does not own
// the connection; Dispose only detaches this consumer.
type Handle struct {
	id       string
	endpoint string
	registry *Registry
	lc       *lifecycle // lookup only, owned by the registry
	released atomic.Bool
}

// AcquireOption configures a consumer at Acquire time.
type AcquireOption func(*consumer)

// WithStateHandler registers fn to be called on every state change of the
// shared connection. Calls are made in order from a single goroutine.
func WithStateHandler(fn func(Status)) AcquireOption {
	return func(c *consumer) {
		c.onState = fn
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Endpoint returns the endpoint the handle is attached to.
func (h *Handle) Endpoint() string { return h.endpoint }

// Send marshals v as JSON and writes it if the connection is open.
// Returns false, after logging a warning, when the message was dropped.
func (h *Handle) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.lc.logger.Warn("failed to marshal outbound message", "error", err)
		return false
	}
	return h.SendRaw(data)
}

// SendRaw writes data as a text frame if the connection is open.
func (h *Handle) SendRaw(data []byte) bool {
	if h.released.Load() {
		h.lc.logger.Warn("send on disposed handle", "consumer", h.id)
		return false
	}
	return h.lc.send(data)
}

// Status returns the shared connection's current status.
func (h *Handle) Status() Status { return h.lc.status() }

// Connected reports whether the shared connection is open.
func (h *Handle) Connected() bool { return h.Status().Connected() }

// Stats returns the shared connection's statistics.
func (h *Handle) Stats() Stats { return h.lc.snapshotStats() }

// Disposed reports whether Dispose has been called.
func (h *Handle) Disposed() bool { return h.released.Load() }

// Dispose detaches the consumer. Safe to call any number of times, from
// any goroutine, in any connection state.
func (h *Handle) Dispose() {
	h.registry.Release(h)
}
