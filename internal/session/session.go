// Package session holds the access token that authorizes realtime
// connections and renews it before it expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/ticket-realtime/internal/api"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrClosed         = errors.New("session provider closed")
)

// Refresher exchanges a refresh token for new tokens. *api.Client
// implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error)
}

// Config holds refresh scheduling settings.
type Config struct {
	RefreshLead     time.Duration // Refresh this long before expiry
	MinRefreshDelay time.Duration // Floor for a scheduled refresh
	RefreshTimeout  time.Duration // Timeout for one scheduled refresh
}

// DefaultConfig returns the standard schedule: five minutes before
// expiry, never sooner than one minute out.
func DefaultConfig() Config {
	return Config{
		RefreshLead:     5 * time.Minute,
		MinRefreshDelay: time.Minute,
		RefreshTimeout:  30 * time.Second,
	}
}

// Provider holds the current tokens. It satisfies connection.TokenSource.
type Provider struct {
	cfg       Config
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	nextRefresh  time.Time
	timer        *time.Timer
	closed       bool
	onExpired    []func()
	onRenewed    []func(token string)

	group singleflight.Group
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New creates a provider with no tokens.
func New(refresher Refresher, cfg Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:       cfg,
		refresher: refresher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnExpired registers fn to run when the session can no longer be renewed.
func (p *Provider) OnExpired(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExpired = append(p.onExpired, fn)
}

// OnRenewed registers fn to run after every successful refresh.
func (p *Provider) OnRenewed(fn func(token string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRenewed = append(p.onRenewed, fn)
}

// CurrentToken returns the access token, or "" when signed out.
func (p *Provider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accessToken
}

// ExpiresAt returns the access token's expiry, zero if unknown.
func (p *Provider) ExpiresAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expiresAt
}

// NextRefresh returns when the scheduled refresh fires, zero if none.
func (p *Provider) NextRefresh() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextRefresh
}

// SetTokens stores a token pair and schedules its renewal.
func (p *Provider) SetTokens(pair api.TokenPair) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.storeLocked(pair)
	return nil
}

func (p *Provider) storeLocked(pair api.TokenPair) {
	now := p.now()

	p.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		p.refreshToken = pair.RefreshToken
	}
	p.expiresAt = tokenExpiry(pair.AccessToken)
	if p.expiresAt.IsZero() && pair.ExpiresIn > 0 {
		p.expiresAt = now.Add(pair.Lifetime())
	}

	p.stopTimerLocked()
	if p.expiresAt.IsZero() {
		p.logger.Debug("access token has no expiry, refresh not scheduled")
		return
	}

	delay := refreshDelay(now, p.expiresAt, p.cfg.RefreshLead, p.cfg.MinRefreshDelay)
	p.nextRefresh = now.Add(delay)
	p.timer = time.AfterFunc(delay, p.scheduledRefresh)

	p.logger.Debug("token refresh scheduled",
		"expires_at", p.expiresAt,
		"refresh_in", delay,
	)
}

// Refresh renews the access token now. Concurrent callers share one
// request. On failure the session is cleared and expiry listeners run.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		return p.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) doRefresh(ctx context.Context) (string, error) {
	p.mu.RLock()
	closed, refreshToken := p.closed, p.refreshToken
	p.mu.RUnlock()

	if closed {
		return "", ErrClosed
	}
	if refreshToken == "" {
		p.expire(ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	pair, err := p.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		err = fmt.Errorf("refresh access token: %w", err)
		p.expire(err)
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	p.storeLocked(*pair)
	token := p.accessToken
	listeners := append(([]func(string))(nil), p.onRenewed...)
	p.mu.Unlock()

	p.logger.Info("access token refreshed", "expires_at", p.ExpiresAt())
	for _, fn := range listeners {
		fn(token)
	}
	return token, nil
}

func (p *Provider) scheduledRefresh() {
	timeout := p.cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := p.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Warn("scheduled token refresh failed", "error", err)
	}
}

// expire clears the session and notifies expiry listeners.
func (p *Provider) expire(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.clearLocked()
	listeners := append(([]func())(nil), p.onExpired...)
	p.mu.Unlock()

	p.logger.Warn("session expired", "cause", cause)
	for _, fn := range listeners {
		fn()
	}
}

// Clear signs out without notifying listeners.
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Provider) clearLocked() {
	p.stopTimerLocked()
	p.accessToken = ""
	p.refreshToken = ""
	p.expiresAt = time.Time{}
}

func (p *Provider) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextRefresh = time.Time{}
}

// Close stops the refresh schedule. The provider cannot be reused.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.clearLocked()
}

// refreshDelay schedules a refresh lead before expiry, but never sooner
// than floor. An already expired token refreshes immediately.
func refreshDelay(now, expiresAt time.Time, lead, floor time.Duration) time.Duration {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return max(remaining-lead, floor)
}

// tokenExpiry reads the exp claim without verifying the signature. The
// server verifies; the client only needs the schedule.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
