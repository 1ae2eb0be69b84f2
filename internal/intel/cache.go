package intel

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/models"
)

// Cache stores findings keyed by (provider, ioc). A hit short-circuits
// the external call and preserves the stored finding as-is, including its
// mocked flag.
type Cache interface {
	Get(provider, ioc string) (models.Finding, bool)
	Set(provider, ioc string, f models.Finding, ttl time.Duration)
}

type cacheEntry struct {
	key     string
	finding models.Finding
	expires time.Time
}

// MemoryCache is a mutex-guarded LRU with per-entry TTL.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

// NewMemoryCache builds a cache bounded at capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(provider, ioc string) string {
	return provider + ":" + ioc
}

// Get implements Cache.
func (c *MemoryCache) Get(provider, ioc string) (models.Finding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey(provider, ioc)]
	if !ok {
		return models.Finding{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, entry.key)
		return models.Finding{}, false
	}
	c.order.MoveToFront(elem)
	return entry.finding, true
}

// Set implements Cache.
func (c *MemoryCache) Set(provider, ioc string, f models.Finding, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(provider, ioc)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.finding = f
		entry.expires = time.Now().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, finding: f, expires: time.Now().Add(ttl)})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, victim.key)
	}
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares findings across sentinel instances through Redis.
// Failures degrade to cache misses; the provider call happens anyway.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis at url (redis:// form).
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse cache redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func redisKey(provider, ioc string) string {
	return "sentinel:ti:" + provider + ":" + ioc
}

// Get implements Cache.
func (c *RedisCache) Get(provider, ioc string) (models.Finding, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, redisKey(provider, ioc)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("provider", provider).Msg("TI cache read failed; treating as miss")
		}
		return models.Finding{}, false
	}
	var f models.Finding
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("TI cache entry undecodable; treating as miss")
		return models.Finding{}, false
	}
	return f, true
}

// Set implements Cache.
func (c *RedisCache) Set(provider, ioc string, f models.Finding, ttl time.Duration) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("TI finding unserializable; not caching")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, redisKey(provider, ioc), data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("TI cache write failed")
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
