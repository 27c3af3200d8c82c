package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rickgao/ticket-realtime/internal/connection"
)

type fakeConns map[string]connection.Status

func (f fakeConns) Endpoints() []string {
	endpoints := make([]string, 0, len(f))
	for e := range f {
		endpoints = append(endpoints, e)
	}
	return endpoints
}

func (f fakeConns) Status(endpoint string) (connection.Status, bool) {
	s, ok := f[endpoint]
	return s, ok
}

type fakeSession struct {
	token string
}

func (f fakeSession) CurrentToken() string { return f.token }
func (f fakeSession) ExpiresAt() time.Time { return time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC) }

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type healthBody struct {
	Status     string                     `json:"status"`
	Components map[string]json.RawMessage `json:"components"`
}

func getHealth(t *testing.T, h http.Handler) (int, healthBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	const (
		a = "ws://tickets.local:8000/ws/updates"
		b = "ws://tickets.local:8000/ws/admin"
	)

	tests := []struct {
		name       string
		conns      fakeConns
		db         pinger
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all open",
			conns:      fakeConns{a: {State: connection.StateOpen, Consumers: 1}},
			db:         fakePinger{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one reconnecting",
			conns: fakeConns{
				a: {State: connection.StateOpen, Consumers: 1},
				b: {State: connection.StateConnecting, Attempt: 2, Consumers: 1},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "none open",
			conns:      fakeConns{a: {State: connection.StateClosed, GaveUp: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "database down",
			conns:      fakeConns{a: {State: connection.StateOpen}},
			db:         fakePinger{err: errors.New("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHealthHandler(tt.conns, fakeSession{token: "abc"}, tt.db, nil, "/metrics")
			code, body := getHealth(t, h)

			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if _, ok := body.Components["connections"]; !ok {
				t.Error("missing connections component")
			}
			if _, ok := body.Components["postgres"]; ok != (tt.db != nil) {
				t.Errorf("postgres component present = %v, want %v", ok, tt.db != nil)
			}
		})
	}
}

func TestHealthHandler_SignedOut(t *testing.T) {
	h := newHealthHandler(fakeConns{}, fakeSession{}, nil, nil, "/metrics")
	_, body := getHealth(t, h)

	if got := string(body.Components["session"]); got != `"signed_out"` {
		t.Errorf("session = %s, want \"signed_out\"", got)
	}
}

func TestHealthHandler_Metrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("realtime_connected 1\n"))
	})
	h := newHealthHandler(fakeConns{}, fakeSession{}, nil, metricsHandler, "/metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "realtime_connected 1\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
