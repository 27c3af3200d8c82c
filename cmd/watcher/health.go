package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

// connectionStatus is the part of *connection.Registry the health check uses.
type connectionStatus interface {
	Endpoints() []string
	Status(endpoint string) (connection.Status, bool)
}

// sessionStatus is the part of *session.Provider the health check uses.
type sessionStatus interface {
	CurrentToken() string
	ExpiresAt() time.Time
}

type pinger interface {
	Ping(ctx context.Context) error
}

type endpointHealth struct {
	State     string `json:"state"`
	Consumers int    `json:"consumers"`
	Attempt   int    `json:"attempt"`
	GaveUp    bool   `json:"gave_up,omitempty"`
	CloseCode int    `json:"close_code,omitempty"`
}

// newHealthHandler creates the HTTP handler for health checks and metrics.
// db may be nil when the journal is disabled.
func newHealthHandler(conns connectionStatus, sess sessionStatus, db pinger, metricsHandler http.Handler, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check connections
		endpoints := make(map[string]endpointHealth)
		open := 0
		for _, endpoint := range conns.Endpoints() {
			s, ok := conns.Status(endpoint)
			if !ok {
				continue
			}
			if s.Connected() {
				open++
			}
			endpoints[endpoint] = endpointHealth{
				State:     s.State.String(),
				Consumers: s.Consumers,
				Attempt:   s.Attempt,
				GaveUp:    s.GaveUp,
				CloseCode: s.LastClose.Code,
			}
		}
		health.Components["connections"] = endpoints
		if open < len(endpoints) {
			health.Status = "degraded"
		}
		if len(endpoints) > 0 && open == 0 {
			health.Status = "unhealthy"
		}

		// Check session
		if sess.CurrentToken() == "" {
			health.Components["session"] = "signed_out"
		} else {
			health.Components["session"] = map[string]any{
				"expires_at": sess.ExpiresAt(),
			}
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	if metricsHandler != nil {
		mux.Handle(metricsPath, metricsHandler)
	}

	return mux
}
