package providers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime applies when neither expires_in nor a JWT exp claim
// is available.
const DefaultTokenLifetime = 300 * time.Second

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher performs one request against a token endpoint. Returning an
// *AuthenticationError stops retries.
type TokenFetcher func(ctx context.Context) (Token, error)

// TokenCache holds one credential and refreshes it ahead of expiry. It is
// owned by a provider instance; share it by passing the same cache to
// several providers.
type TokenCache struct {
	provider   string
	fetch      TokenFetcher
	skew       time.Duration
	maxRetries int

	// overridable in tests
	now     func() time.Time
	backoff func(attempt int) time.Duration

	mu    sync.Mutex
	token Token
}

func NewTokenCache(provider string, fetch TokenFetcher, skew time.Duration, maxRetries int) *TokenCache {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &TokenCache{
		provider:   provider,
		fetch:      fetch,
		skew:       skew,
		maxRetries: maxRetries,
		now:        time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt))) * time.Second
		},
	}
}

// Get returns a cached token, refreshing it when it expires within the skew.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Value != "" && c.now().Add(c.skew).Before(c.token.ExpiresAt) {
		return c.token.Value, nil
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			slog.Info("Retrying token request",
				"provider", c.provider,
				"attempt", attempt+1,
				"wait_duration", wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		token, err := c.fetch(ctx)
		if err == nil {
			c.token = token
			return token.Value, nil
		}
		lastErr = err

		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return "", err
		}
		slog.Warn("Token request failed", "provider", c.provider, "attempt", attempt+1, "error", err)
	}

	return "", &AuthenticationError{
		Provider: c.provider,
		Message:  "token endpoint unavailable after retries",
		Err:      lastErr,
	}
}

// Invalidate drops the cached token so the next Get refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

// TokenExpiry resolves when a freshly issued token expires: expires_in when
// the endpoint sent one, else the JWT exp claim, else DefaultTokenLifetime.
func TokenExpiry(accessToken string, expiresIn int, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(DefaultTokenLifetime)
}
