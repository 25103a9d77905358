// Package rendercache keeps hot render frames in redis so repeated
// image fetches skip the database. The cache is strictly optional: a
// nil cache satisfies every call and readers fall back to the store.
package rendercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coscene/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Cache wraps the go-redis client to centralize configuration.
type Cache struct {
	inner *redis.Client
	ttl   time.Duration
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

const defaultFrameTTL = 15 * time.Minute

// New connects to redis using the app config. A short ping guards
// against wiring a dead endpoint into the serving path.
func New(cfg *config.Config) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Cache{inner: client, ttl: defaultFrameTTL}, nil
}

func frameKey(renderID int64) string {
	return fmt.Sprintf("coscene:render:%d", renderID)
}

// PutFrame caches one rendered frame. A nil cache drops it silently.
func (c *Cache) PutFrame(ctx context.Context, renderID int64, image []byte) error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Set(ctx, frameKey(renderID), image, c.ttl).Err()
}

// GetFrame returns the cached frame bytes or ErrCacheMiss.
func (c *Cache) GetFrame(ctx context.Context, renderID int64) ([]byte, error) {
	if c == nil || c.inner == nil {
		return nil, ErrCacheMiss
	}
	return c.inner.Get(ctx, frameKey(renderID)).Bytes()
}

// Invalidate removes cached frames, typically after a purge sweep.
func (c *Cache) Invalidate(ctx context.Context, renderIDs ...int64) error {
	if c == nil || c.inner == nil || len(renderIDs) == 0 {
		return nil
	}
	keys := make([]string, len(renderIDs))
	for i, id := range renderIDs {
		keys[i] = frameKey(id)
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes the underlying client. Safe on nil.
func (c *Cache) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
