package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrRegistryClosed  = errors.New("registry closed")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrStaleConnection = errors.New("connection stale (no heartbeat reply)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Close codes used by the lifecycle.
const (
	CloseNormalClosure   = websocket.CloseNormalClosure   // 1000
	CloseGoingAway       = websocket.CloseGoingAway       // 1001
	CloseAbnormalClosure = websocket.CloseAbnormalClosure // 1006
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008
)

// State is the connection lifecycle state of a registry entry.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseInfo describes why a transport went away.
type CloseInfo struct {
	Code   int    // WebSocket close code (1006 for dial and network failures)
	Reason string // Close reason text
	Err    error  // Underlying error, if any
}

// Status is a snapshot of an entry's connection state.
type Status struct {
	Endpoint     string
	State        State
	Attempt      int       // Reconnect attempts since the last successful open
	Consumers    int       // Attached consumer handles
	LastClose    CloseInfo // Zero until the first close
	GaveUp       bool      // Reconnect attempts exhausted
	Unauthorized bool      // Closed by an authorization failure
	ChangedAt    time.Time
}

// Connected reports whether the entry currently has an open transport.
func (s Status) Connected() bool {
	return s.State == StateOpen
}

// Message is an application frame delivered to consumers.
type Message struct {
	Endpoint   string          // Endpoint the frame arrived on
	Type       string          // Value of the frame's "type" field, may be empty
	Data       json.RawMessage // Raw frame bytes
	ReceivedAt time.Time       // Local timestamp when the read returned
}

// Decode unmarshals the frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// TokenSource supplies the bearer token attached at dial time.
type TokenSource interface {
	CurrentToken() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// CurrentToken calls f.
func (f TokenFunc) CurrentToken() string { return f() }

// Config configures the lifecycles created by a Registry.
type Config struct {
	HeartbeatInterval time.Duration // Interval between heartbeat pings while open
	PongTimeout       time.Duration // Max silence while open before the connection is stale (0 = never)
	BaseDelay         time.Duration // Delay before the first reconnect attempt
	MaxAttempts       int           // Reconnect attempts before giving up
	HandshakeTimeout  time.Duration // Dial + upgrade timeout
	WriteTimeout      time.Duration // Write deadline for sends
	TeardownGrace     time.Duration // Delay before closing an entry with no consumers
	TokenParam        string        // Query parameter carrying the token ("" = header only)
	NormalCloseCodes  []int         // Close codes that never trigger a reconnect
	AuthFailureCodes  []int         // Close codes treated as authorization failures
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		BaseDelay:         2 * time.Second,
		MaxAttempts:       3,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		TeardownGrace:     100 * time.Millisecond,
		TokenParam:        "token",
		NormalCloseCodes:  []int{CloseNormalClosure, CloseGoingAway},
		AuthFailureCodes:  []int{ClosePolicyViolation, 4001, 4003},
	}
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	ConnectAttempt(endpoint string)
	Connected(endpoint string, took time.Duration)
	ConnectFailed(endpoint string)
	Disconnected(endpoint string, code int)
	ReconnectScheduled(endpoint string, attempt int, delay time.Duration)
	GaveUp(endpoint string)
	MessageReceived(endpoint string)
	MessageSent(endpoint string)
	SendDropped(endpoint string)
	Latency(endpoint string, d time.Duration)
	Consumers(endpoint string, n int)
}

type noopObserver struct{}

func (noopObserver) ConnectAttempt(string) {}
func (noopObserver) Connected(string, time.Duration) {}
func (noopObserver) ConnectFailed(string) {}
func (noopObserver) Disconnected(string, int) {}
func (noopObserver) ReconnectScheduled(string, int, time.Duration) {}
func (noopObserver) GaveUp(string) {}
func (noopObserver) MessageReceived(string) {}
func (noopObserver) MessageSent(string) {}
func (noopObserver) SendDropped(string) {}
func (noopObserver) Latency(string, time.Duration) {}
func (noopObserver) Consumers(string, int) {}
