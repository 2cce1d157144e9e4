package analysis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"margin/api/internal/highlight"
)

// cacheEntry holds the data stored for each analyzed chunk
type cacheEntry struct {
	Spans     []highlight.Span `json:"spans"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// CachedEngine memoizes engine results per chunk text in Redis, so unchanged
// chunks of an edited document are not analyzed again. Redis failures fall
// through to the wrapped engine.
type CachedEngine struct {
	next   Engine
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedEngine(next Engine, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEngine {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEngine{
		next:   next,
		client: client,
		prefix: "analysis:" + next.Name() + ":",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CachedEngine) Name() string {
	return c.next.Name()
}

// key derives the Redis key for a chunk
func (c *CachedEngine) key(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:16])
}

func (c *CachedEngine) Analyze(ctx context.Context, text string) ([]highlight.Span, error) {
	key := c.key(text)
	if spans, ok := c.lookup(ctx, key); ok {
		return spans, nil
	}

	spans, err := c.next.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, key, spans); err != nil {
		c.logger.Warn("analysis cache write failed", zap.String("key", key), zap.Error(err))
	}
	return spans, nil
}

func (c *CachedEngine) lookup(ctx context.Context, key string) ([]highlight.Span, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("analysis cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("analysis cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return entry.Spans, true
}

func (c *CachedEngine) save(ctx context.Context, key string, spans []highlight.Span) error {
	data, err := json.Marshal(cacheEntry{Spans: spans, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *CachedEngine) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CachedEngine) Close() error {
	return c.client.Close()
}
