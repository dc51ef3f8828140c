package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mudworks/weaver"
)

// Shared is the cross-process cache contract. Standalone deployments use the
// in-memory implementation; clustered deployments point replica readers at
// Redis so resolved admin inspections are computed once per commit, not once
// per replica.
type Shared interface {
	// Ping tests connectivity.
	Ping(ctx context.Context) error
	// Set stores a string value. No caching happens when expiration < 0.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get fetches a string value; first return is false when the key is absent.
	Get(ctx context.Context, key string) (bool, string, error)
	// SetStruct stores a JSON-encoded value.
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	// GetStruct fetches and decodes a JSON value into target.
	GetStruct(ctx context.Context, key string, target any) (bool, error)
	// Delete removes the given keys. Absent keys are not an error.
	Delete(ctx context.Context, keys []string) error
	// Clear empties the cache. Be cautious: on Redis this flushes the DB.
	Clear(ctx context.Context) error
}

// NewShared returns the Shared implementation selected by the options.
func NewShared(cacheType weaver.L2CacheType, redisConfig *weaver.RedisCacheConfig) (Shared, error) {
	if cacheType == weaver.Redis {
		return NewRedisShared(redisConfig)
	}
	return NewInMemoryShared(), nil
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

type inMemoryShared struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewInMemoryShared returns a process-local Shared cache.
func NewInMemoryShared() Shared {
	return &inMemoryShared{entries: make(map[string]memEntry)}
}

func (c *inMemoryShared) Ping(ctx context.Context) error { return nil }

func (c *inMemoryShared) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		return nil
	}
	var exp time.Time
	if expiration > 0 {
		exp = weaver.Now().Add(expiration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (c *inMemoryShared) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, "", nil
	}
	if !e.expiresAt.IsZero() && weaver.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return false, "", nil
	}
	return true, e.value, nil
}

func (c *inMemoryShared) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	ba, err := weaver.NewMarshaler().Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(ba), expiration)
}

func (c *inMemoryShared) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	found, s, err := c.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, weaver.NewMarshaler().Unmarshal([]byte(s), target)
}

func (c *inMemoryShared) Delete(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *inMemoryShared) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memEntry)
	return nil
}
