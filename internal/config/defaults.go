package config

import (
	"slices"
	"time"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

// Default values for optional configuration fields.
const (
	DefaultBaseURL              = "http://localhost:8000"
	DefaultEndpoint             = "ws://localhost:8000/ws/updates"
	DefaultLoginPath            = "/login"
	DefaultRefreshPath          = "/refresh"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPongTimeout          = time.Duration(0) // Stale detection off; /ws/updates never answers pings
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultTeardownGrace        = 100 * time.Millisecond
	DefaultTokenParam           = "token"
	DefaultRefreshLead          = 5 * time.Minute
	DefaultMinRefreshDelay      = 1 * time.Minute
	DefaultJournalBatchSize     = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
)

func (c *WatcherConfig) applyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.LoginPath == "" {
		c.API.LoginPath = DefaultLoginPath
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = DefaultRefreshPath
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Realtime defaults
	if len(c.Realtime.Endpoints) == 0 {
		c.Realtime.Endpoints = []string{DefaultEndpoint}
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Realtime.PongTimeout == nil {
		d := DefaultPongTimeout
		c.Realtime.PongTimeout = &d
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.MaxReconnectAttempts == nil {
		n := DefaultMaxReconnectAttempts
		c.Realtime.MaxReconnectAttempts = &n
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.TeardownGrace == 0 {
		c.Realtime.TeardownGrace = DefaultTeardownGrace
	}
	if c.Realtime.TokenParam == "" {
		c.Realtime.TokenParam = DefaultTokenParam
	}
	defaults := connection.DefaultConfig()
	if len(c.Realtime.NormalCloseCodes) == 0 {
		c.Realtime.NormalCloseCodes = slices.Clone(defaults.NormalCloseCodes)
	}
	if len(c.Realtime.AuthFailureCodes) == 0 {
		c.Realtime.AuthFailureCodes = slices.Clone(defaults.AuthFailureCodes)
	}

	// Session defaults
	if c.Session.RefreshLead == 0 {
		c.Session.RefreshLead = DefaultRefreshLead
	}
	if c.Session.MinRefreshDelay == 0 {
		c.Session.MinRefreshDelay = DefaultMinRefreshDelay
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
