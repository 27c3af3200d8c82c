// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - WebSocket connection state, reconnects and message rates per endpoint
//   - Heartbeat round trip latency
//   - Journal batch sizes, latencies and drop counts
package metrics
