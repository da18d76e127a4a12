package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/auth"
	"github.com/warp/wallet-ledger/logger"
)

const (
	IdempotencyHeader    = "Idempotency-Key"
	idempotencyHitHeader = "X-Idempotency-Hit"
)

// CachedResponse is a stored reply to a POST carrying an Idempotency-Key.
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// ResponseCache stores replies by key. Get returns nil, nil on a miss.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
}

// =============================================================================
// REDIS
// =============================================================================

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	val, err := c.client.Get(ctx, "idempotency:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, nil
}

func (c *RedisCache) Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return c.client.Set(ctx, "idempotency:"+key, data, ttl).Err()
}

// =============================================================================
// IN-PROCESS
// =============================================================================

// MemoryCache is used when no Redis is configured. Entries do not survive
// a restart and are not shared between replicas.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	resp    CachedResponse
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CachedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (c *MemoryCache) Save(_ context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{resp: resp, expires: now.Add(ttl)}
	return nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Idempotency replays the stored response for a repeated POST with the same
// Idempotency-Key from the same actor. Only successes and deterministic
// client errors are stored (see replayable); anything that can change on
// retry reaches the handler again. Cache failures fail open.
func Idempotency(cache ResponseCache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				writeError(w, r, errInvalidIdempotencyKey)
				return
			}
			actorID := ""
			if a, ok := auth.ActorFromContext(r.Context()); ok {
				actorID = a.ID
			}
			cacheKey := actorID + ":" + r.URL.Path + ":" + key

			ctx := r.Context()
			cached, err := cache.Get(ctx, cacheKey)
			if err != nil {
				logger.Log.Error("failed to read idempotency cache", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if cached != nil {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set(idempotencyHitHeader, "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if !replayable(status) {
				return
			}
			err = cache.Save(ctx, cacheKey, CachedResponse{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        body.Bytes(),
			}, ttl)
			if err != nil {
				logger.Log.Error("failed to save idempotency cache", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// replayable reports whether a response may be pinned to its key. 409 and
// 422 answers (PaymentNotCaptured, InsufficientBalance, WalletNotActive)
// depend on state that can clear, and 5xx are transient.
func replayable(status int) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusBadRequest, status == http.StatusForbidden, status == http.StatusNotFound:
		return true
	}
	return false
}
