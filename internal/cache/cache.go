// Package cache keeps recent extractions keyed by source URL and payload fingerprint so a
// preview and a queued import of the same page share one extraction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"catalog-migrator/internal/models"
	"catalog-migrator/internal/telemetry"
)

// Cache is a two-tier store: an in-process LRU in front of Redis. Values are stored encoded
// so every lookup hands out a private copy.
type Cache struct {
	local  *lru.Cache[string, []byte]
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New builds a cache. A nil client keeps the cache process-local.
func New(client *redis.Client, size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 512
	}
	local, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Cache{local: local, client: client, ttl: ttl, prefix: "extract:"}, nil
}

func (c *Cache) key(url, contentHash string) string {
	sum := sha256.Sum256([]byte(url))
	return c.prefix + hex.EncodeToString(sum[:8]) + ":" + contentHash
}

// Lookup returns the cached product for (url, contentHash). A Redis failure is returned
// alongside a miss so callers can log it.
func (c *Cache) Lookup(ctx context.Context, url, contentHash string) (*models.NormalizedProduct, bool, error) {
	key := c.key(url, contentHash)
	if raw, ok := c.local.Get(key); ok {
		telemetry.CacheLookups.WithLabelValues("local", "hit").Inc()
		p, err := decode(raw)
		return p, err == nil, err
	}
	telemetry.CacheLookups.WithLabelValues("local", "miss").Inc()
	if c.client == nil {
		return nil, false, nil
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		telemetry.CacheLookups.WithLabelValues("redis", "error").Inc()
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	telemetry.CacheLookups.WithLabelValues("redis", "hit").Inc()
	p, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	c.local.Add(key, raw)
	return p, true, nil
}

// Save writes both tiers. The local tier is always updated even when Redis fails.
func (c *Cache) Save(ctx context.Context, url, contentHash string, product *models.NormalizedProduct) error {
	if product == nil {
		return nil
	}
	raw, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	key := c.key(url, contentHash)
	c.local.Add(key, raw)
	if c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func decode(raw []byte) (*models.NormalizedProduct, error) {
	var p models.NormalizedProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cached product: %w", err)
	}
	return &p, nil
}
