package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrNoAccessToken is returned when a token response carries no access token.
var ErrNoAccessToken = errors.New("response has no access token")

// TokenPair is the token response from POST /login and POST /refresh.
type TokenPair struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"` // Seconds until the access token expires
	MustChangePassword bool   `json:"must_change_password"`
}

// Lifetime returns the advertised access token lifetime, zero if unknown.
func (p TokenPair) Lifetime() time.Duration {
	return time.Duration(p.ExpiresIn) * time.Second
}

// HealthStatus from GET /health.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	body := formBody(url.Values{
		"username": {username},
		"password": {password},
	})

	var pair TokenPair
	if err := c.post(ctx, c.loginPath, body, &pair); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("login: %w", ErrNoAccessToken)
	}

	c.logger.Debug("login succeeded",
		"expires_in", pair.ExpiresIn,
		"must_change_password", pair.MustChangePassword,
	)
	return &pair, nil
}

// Refresh exchanges a refresh token for a new token pair. A response that
// omits the refresh token keeps the one that was sent.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := jsonBody(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	var pair TokenPair
	if err := c.post(ctx, c.refreshPath, body, &pair); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("refresh: %w", ErrNoAccessToken)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	return &pair, nil
}

// Health reports the backend's health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.get(ctx, "/health", nil, &status); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &status, nil
}
