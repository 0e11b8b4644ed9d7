package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// DefaultKeyPrefix namespaces retrieval results in a shared Redis.
const DefaultKeyPrefix = "ragkit:retrieval:"

// RedisConfig holds connection parameters for the shared tier.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// NewRedisClient dials Redis for the shared tier.
func NewRedisClient(cfg RedisConfig) (rueidis.Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("cache: redis addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create redis client: %w", err)
	}
	return client, nil
}

// RedisTier implements SharedTier with JSON values under a key prefix.
type RedisTier struct {
	client rueidis.Client
	prefix string
}

// NewRedisTier wraps client. An empty prefix selects DefaultKeyPrefix.
func NewRedisTier(client rueidis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisTier{client: client, prefix: prefix}
}

// Get implements SharedTier.
func (r *RedisTier) Get(ctx context.Context, key string) (*rag.RetrievalResult, bool, error) {
	cmd := r.client.B().Get().Key(r.prefix + key).Build()
	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var v rag.RetrievalResult
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("redis get: decode: %w", err)
	}
	return &v, true, nil
}

// Set implements SharedTier.
func (r *RedisTier) Set(ctx context.Context, key string, value *rag.RetrievalResult, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis set: encode: %w", err)
	}
	cmd := r.client.B().Set().Key(r.prefix + key).Value(string(data)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements SharedTier.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	cmd := r.client.B().Del().Key(r.prefix + key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge implements SharedTier by scanning the prefix and deleting each page
// of keys.
func (r *RedisTier) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(r.prefix + "*").Count(100).Build()
		page, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(page.Elements) > 0 {
			del := r.client.B().Del().Key(page.Elements...).Build()
			if err := r.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = page.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks connectivity.
func (r *RedisTier) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
