package gateway

import (
	"context"
	"sync"
	"time"

	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// tokenSafetyMargin is subtracted from the gateway's expires_in so a token is
// never presented right at its expiry.
const tokenSafetyMargin = 60 * time.Second

// TokenCache stores the short-lived access token. Implementations must be
// safe for concurrent use.
type TokenCache interface {
	GetToken(ctx context.Context) (string, bool, error)
	SetToken(ctx context.Context, token string, ttl time.Duration) error
	DeleteToken(ctx context.Context) error
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) GetToken(_ context.Context) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expiresAt) {
		return "", false, nil
	}
	return c.token, true, nil
}

func (c *MemoryTokenCache) SetToken(_ context.Context, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = c.now().Add(ttl)
	return nil
}

func (c *MemoryTokenCache) DeleteToken(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
	return nil
}

type fetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenSource hands out cached tokens and fetches a new one only when the
// cache is empty or expired. Concurrent misses share one fetch.
type tokenSource struct {
	mu     sync.Mutex
	cache  TokenCache
	fetch  fetchFunc
	logger *zap.Logger
}

func newTokenSource(cache TokenCache, fetch fetchFunc) *tokenSource {
	return &tokenSource{cache: cache, fetch: fetch, logger: util.GetLogger()}
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := ts.cached(ctx); ok {
		return token, nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if token, ok := ts.cached(ctx); ok {
		return token, nil
	}

	token, ttl, err := ts.fetch(ctx)
	if err != nil {
		util.GatewayTokenFetchesTotal.WithLabelValues("error").Inc()
		return "", err
	}
	util.GatewayTokenFetchesTotal.WithLabelValues("ok").Inc()

	if ttl > 2*tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	if err := ts.cache.SetToken(ctx, token, ttl); err != nil {
		ts.logger.Warn("Failed to cache gateway token", zap.Error(err))
	}
	return token, nil
}

// Invalidate drops the cached token after the gateway refused it.
func (ts *tokenSource) Invalidate(ctx context.Context) {
	if err := ts.cache.DeleteToken(ctx); err != nil {
		ts.logger.Warn("Failed to drop gateway token", zap.Error(err))
	}
}

func (ts *tokenSource) cached(ctx context.Context) (string, bool) {
	token, ok, err := ts.cache.GetToken(ctx)
	if err != nil {
		ts.logger.Warn("Token cache read failed", zap.Error(err))
		return "", false
	}
	return token, ok
}
