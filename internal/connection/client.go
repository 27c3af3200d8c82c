package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/ticket-realtime/internal/version"
)

// Transport is one physical connection owned by a lifecycle.
type Transport interface {
	// ReadMessage blocks until the next data frame or an error.
	ReadMessage() ([]byte, error)

	// WriteMessage writes a text frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and reason, then closes the
	// connection. Calling Close more than once is a no-op.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// HandshakeError is returned when the server rejects the upgrade request.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server refused the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// WSDialer dials gorilla WebSocket connections.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	logger           *slog.Logger
}

// NewWSDialer creates a dialer using the timeouts from cfg.
func NewWSDialer(cfg Config, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		logger:           logger,
	}
}

// Dial establishes the WebSocket connection.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	d.logger.Debug("websocket dialed", "url", redactToken(url))

	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}, nil
}

// wsTransport wraps a gorilla connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		// Best effort; the peer may already be gone.
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// closeInfoFromError classifies a read or dial error.
func closeInfoFromError(err error) CloseInfo {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseInfo{Code: closeErr.Code, Reason: closeErr.Text, Err: err}
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) && hsErr.Unauthorized() {
		return CloseInfo{Code: ClosePolicyViolation, Reason: "unauthorized", Err: err}
	}

	return CloseInfo{Code: CloseAbnormalClosure, Reason: "connection failed", Err: err}
}
