package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Client provides access to the ticketing REST API.
type Client struct {
	baseURL     string
	loginPath   string
	refreshPath string
	httpClient  *http.Client
	logger      *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	// Circuit breaker around every request, nil when disabled
	breaker         *gobreaker.CircuitBreaker
	breakerFailures uint32
	breakerCooldown time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		loginPath:   "/login",
		refreshPath: "/refresh",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:      3,
		retryBackoff:    time.Second,
		breakerFailures: 5,
		breakerCooldown: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breakerFailures > 0 {
		c.breaker = c.newBreaker()
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAuthPaths overrides the login and refresh paths. Empty values keep
// the defaults.
func WithAuthPaths(login, refresh string) ClientOption {
	return func(c *Client) {
		if login != "" {
			c.loginPath = login
		}
		if refresh != "" {
			c.refreshPath = refresh
		}
	}
}

// WithCircuitBreaker opens the breaker after failures consecutive failed
// requests and keeps it open for cooldown. Zero failures disables it.
func WithCircuitBreaker(failures uint32, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerCooldown = cooldown
	}
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker {
	failures := c.breakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ticketing-api",
		Timeout: c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("api circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
