package config

import (
	"time"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

// WatcherConfig is the root configuration for a watcher instance.
type WatcherConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Journal  JournalConfig  `yaml:"journal"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this watcher.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds ticketing REST API settings.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	LoginPath   string        `yaml:"login_path"`
	RefreshPath string        `yaml:"refresh_path"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// RealtimeConfig holds shared WebSocket connection settings.
type RealtimeConfig struct {
	Endpoints            []string      `yaml:"endpoints"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PongTimeout          *time.Duration `yaml:"pong_timeout"`          // nil means default, 0 disables stale detection
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts"` // nil means default, 0 disables retries
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	TeardownGrace        time.Duration `yaml:"teardown_grace"`
	TokenParam           string        `yaml:"token_param"`
	NormalCloseCodes     []int         `yaml:"normal_close_codes"`
	AuthFailureCodes     []int         `yaml:"auth_failure_codes"`
}

// SessionConfig holds access token refresh settings.
type SessionConfig struct {
	RefreshLead     time.Duration `yaml:"refresh_lead"`      // Refresh this long before expiry
	MinRefreshDelay time.Duration `yaml:"min_refresh_delay"` // Never schedule sooner than this
}

// JournalConfig holds update journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DatabaseConfig holds the PostgreSQL connection used by the journal.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ConnectionConfig converts the realtime section for the connection registry.
func (c RealtimeConfig) ConnectionConfig() connection.Config {
	cfg := connection.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		PongTimeout:       DefaultPongTimeout,
		BaseDelay:         c.ReconnectBaseDelay,
		MaxAttempts:       DefaultMaxReconnectAttempts,
		HandshakeTimeout:  c.HandshakeTimeout,
		WriteTimeout:      c.WriteTimeout,
		TeardownGrace:     c.TeardownGrace,
		TokenParam:        c.TokenParam,
		NormalCloseCodes:  c.NormalCloseCodes,
		AuthFailureCodes:  c.AuthFailureCodes,
	}
	if c.PongTimeout != nil {
		cfg.PongTimeout = *c.PongTimeout
	}
	if c.MaxReconnectAttempts != nil {
		cfg.MaxAttempts = *c.MaxReconnectAttempts
	}
	return cfg
}
