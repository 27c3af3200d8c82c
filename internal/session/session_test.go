package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/ticket-realtime/internal/api"
)

// fakeRefresher returns canned token pairs.
type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{} // Blocks Refresh until closed, when set
	pair    *api.TokenPair
	err     error

	mu       sync.Mutex
	lastSeen string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastSeen = refreshToken
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	pair := *f.pair
	return &pair, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestRefreshDelay(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	lead := 5 * time.Minute
	floor := time.Minute

	tests := []struct {
		name      string
		expiresIn time.Duration
		want      time.Duration
	}{
		{"long lived token", 30 * time.Minute, 25 * time.Minute},
		{"inside lead uses floor", 3 * time.Minute, time.Minute},
		{"just past lead uses floor", 5*time.Minute + 30*time.Second, time.Minute},
		{"already expired", -time.Minute, 0},
		{"expires now", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := refreshDelay(now, now.Add(tt.expiresIn), lead, floor)
			if got != tt.want {
				t.Errorf("refreshDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)

	if got := tokenExpiry(signedToken(t, exp)); !got.Equal(exp) {
		t.Errorf("tokenExpiry() = %v, want %v", got, exp)
	}
	if got := tokenExpiry("opaque-token"); !got.IsZero() {
		t.Errorf("tokenExpiry(opaque) = %v, want zero", got)
	}
	if got := tokenExpiry(""); !got.IsZero() {
		t.Errorf("tokenExpiry(empty) = %v, want zero", got)
	}

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if got := tokenExpiry(noExp); !got.IsZero() {
		t.Errorf("tokenExpiry(no exp) = %v, want zero", got)
	}
}

func TestSetTokens_SchedulesRefresh(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	p := New(&fakeRefresher{}, DefaultConfig(), WithClock(func() time.Time { return now }))
	defer p.Close()

	token := signedToken(t, now.Add(30*time.Minute))
	if err := p.SetTokens(api.TokenPair{AccessToken: token, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	if p.CurrentToken() != token {
		t.Error("CurrentToken should return the stored access token")
	}
	if want := now.Add(30 * time.Minute); !p.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", p.ExpiresAt(), want)
	}
	if want := now.Add(25 * time.Minute); !p.NextRefresh().Equal(want) {
		t.Errorf("NextRefresh = %v, want %v", p.NextRefresh(), want)
	}
}

func TestSetTokens_FallsBackToExpiresIn(t *testing.T) {
	now := time.Now()
	p := New(&fakeRefresher{}, DefaultConfig(), WithClock(func() time.Time { return now }))
	defer p.Close()

	p.SetTokens(api.TokenPair{AccessToken: "opaque", RefreshToken: "r1", ExpiresIn: 1800})

	if want := now.Add(30 * time.Minute); !p.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", p.ExpiresAt(), want)
	}

	p.SetTokens(api.TokenPair{AccessToken: "opaque-2"})
	if !p.NextRefresh().IsZero() {
		t.Error("a token without expiry should not schedule a refresh")
	}
}

func TestRefresh_Success(t *testing.T) {
	newToken := signedToken(t, time.Now().Add(time.Hour))
	refresher := &fakeRefresher{pair: &api.TokenPair{AccessToken: newToken, RefreshToken: "r2"}}
	p := New(refresher, DefaultConfig())
	defer p.Close()

	p.SetTokens(api.TokenPair{AccessToken: "old", RefreshToken: "r1"})

	var renewed atomic.Value
	p.OnRenewed(func(token string) { renewed.Store(token) })
	p.OnExpired(func() { t.Error("OnExpired should not run on success") })

	token, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if token != newToken || p.CurrentToken() != newToken {
		t.Error("Refresh should install the new access token")
	}
	if renewed.Load() != newToken {
		t.Error("OnRenewed should receive the new token")
	}
	if refresher.lastSeen != "r1" {
		t.Errorf("refresh token sent = %q, want r1", refresher.lastSeen)
	}
	if p.NextRefresh().IsZero() {
		t.Error("a renewed token should be rescheduled")
	}
}

func TestRefresh_FailureExpiresSession(t *testing.T) {
	refresher := &fakeRefresher{err: &api.APIError{StatusCode: 401, Message: "Unauthorized"}}
	p := New(refresher, DefaultConfig())
	defer p.Close()

	p.SetTokens(api.TokenPair{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 1800})

	var expired atomic.Int32
	p.OnExpired(func() { expired.Add(1) })

	_, err := p.Refresh(context.Background())
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want wrapped APIError", err)
	}
	if expired.Load() != 1 {
		t.Errorf("OnExpired calls = %d, want 1", expired.Load())
	}
	if p.CurrentToken() != "" {
		t.Error("a failed refresh should clear the access token")
	}
	if !p.NextRefresh().IsZero() {
		t.Error("a failed refresh should cancel the schedule")
	}
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	refresher := &fakeRefresher{}
	p := New(refresher, DefaultConfig())
	defer p.Close()

	var expired atomic.Bool
	p.OnExpired(func() { expired.Store(true) })

	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("error = %v, want ErrNoRefreshToken", err)
	}
	if !expired.Load() {
		t.Error("OnExpired should run")
	}
	if refresher.calls.Load() != 0 {
		t.Error("refresher should not be called without a refresh token")
	}
}

func TestRefresh_ConcurrentCallersShareRequest(t *testing.T) {
	refresher := &fakeRefresher{
		release: make(chan struct{}),
		pair:    &api.TokenPair{AccessToken: "new", RefreshToken: "r2"},
	}
	p := New(refresher, DefaultConfig())
	defer p.Close()
	p.SetTokens(api.TokenPair{AccessToken: "old", RefreshToken: "r1"})

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = p.Refresh(context.Background())
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for refresher.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresher calls = %d, want 1", got)
	}
	for i, tok := range tokens {
		if tok != "new" {
			t.Errorf("caller %d got %q, want new", i, tok)
		}
	}
}

func TestScheduledRefreshFires(t *testing.T) {
	refresher := &fakeRefresher{pair: &api.TokenPair{AccessToken: "renewed"}}
	cfg := Config{RefreshLead: 950 * time.Millisecond, MinRefreshDelay: 10 * time.Millisecond, RefreshTimeout: time.Second}
	p := New(refresher, cfg)
	defer p.Close()

	renewed := make(chan string, 1)
	p.OnRenewed(func(token string) {
		select {
		case renewed <- token:
		default:
		}
	})

	p.SetTokens(api.TokenPair{AccessToken: "short-lived", RefreshToken: "r1", ExpiresIn: 1})

	select {
	case got := <-renewed:
		if got != "renewed" {
			t.Errorf("renewed token = %q, want renewed", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled refresh did not fire")
	}
}

func TestClose(t *testing.T) {
	refresher := &fakeRefresher{pair: &api.TokenPair{AccessToken: "new"}}
	p := New(refresher, DefaultConfig())
	p.SetTokens(api.TokenPair{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 1800})

	p.Close()

	if p.CurrentToken() != "" {
		t.Error("Close should clear the token")
	}
	if err := p.SetTokens(api.TokenPair{AccessToken: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetTokens after Close = %v, want ErrClosed", err)
	}
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Close = %v, want ErrClosed", err)
	}
}

func TestClear(t *testing.T) {
	p := New(&fakeRefresher{}, DefaultConfig())
	defer p.Close()

	p.OnExpired(func() { t.Error("Clear should not notify listeners") })
	p.SetTokens(api.TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 1800})
	p.Clear()

	if p.CurrentToken() != "" || !p.ExpiresAt().IsZero() || !p.NextRefresh().IsZero() {
		t.Error("Clear should drop tokens and schedule")
	}
}
