// Package connection implements the shared real-time connection manager.
//
// The Registry:
//   - Keeps at most one WebSocket connection per endpoint URL
//   - Shares that connection between any number of consumers
//   - Reconnects with exponential backoff after unexpected closes
//   - Sends a heartbeat while open and drops stale connections
//   - Tears a connection down shortly after its last consumer leaves
//
// Consumers attach with Registry.Acquire and detach with Handle.Dispose.
// Application frames are fanned out to every consumer in attach order;
// keep-alive frames (ping, pong, heartbeat) are never delivered.
package connection
