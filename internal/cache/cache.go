// Package cache provides the bounded-staleness read-through cache used by the
// message store. Keys live in a declared key space (chat:{id}, owner:{userId})
// and every entry carries the configured time-to-live.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	chatKeyPrefix  = "chat:"
	ownerKeyPrefix = "owner:"
)

// ChatKey is the key of a chat's ordered message history.
func ChatKey(chatID string) string {
	return chatKeyPrefix + chatID
}

// OwnerKey is the key of the set of chat ids a user owns.
func OwnerKey(userID string) string {
	return ownerKeyPrefix + userID
}

// Config controls cache sizing and staleness tolerance.
type Config struct {
	TTL         time.Duration
	MaxEntries  int64
	NumCounters int64
}

// DefaultConfig tolerates up to one hour of staleness.
func DefaultConfig() Config {
	return Config{
		TTL:        time.Hour,
		MaxEntries: 10_000,
	}
}

// Cache is a typed TTL cache. A zero TTL disables caching entirely.
//
// Every key carries a version bumped by Invalidate. A read-through caller
// takes Version before reading the backing store and fills with
// SetIfVersion, so a fill that raced an invalidation is dropped.
type Cache[V any] struct {
	store *ristretto.Cache[string, V]
	ttl   time.Duration

	mu       sync.Mutex
	versions map[string]uint64
}

// New creates a cache. Each entry costs 1, so MaxEntries bounds the entry count.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.TTL <= 0 {
		return &Cache[V]{}, nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = cfg.MaxEntries * 10
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache[V]{store: store, ttl: cfg.TTL, versions: make(map[string]uint64)}, nil
}

// TTL returns the configured staleness window.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	if c.store == nil {
		var zero V
		return zero, false
	}
	return c.store.Get(key)
}

// Set stores value under key with the configured TTL. Writes are applied
// synchronously so a following Get observes them.
func (c *Cache[V]) Set(key string, value V) {
	if c.store == nil {
		return
	}
	c.store.SetWithTTL(key, value, 1, c.ttl)
	c.store.Wait()
}

// Version returns key's current version.
func (c *Cache[V]) Version(key string) uint64 {
	if c.store == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[key]
}

// SetIfVersion stores value only if key was not invalidated since version
// was read. It reports whether the value was stored.
func (c *Cache[V]) SetIfVersion(key string, value V, version uint64) bool {
	if c.store == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[key] != version {
		return false
	}
	c.store.SetWithTTL(key, value, 1, c.ttl)
	c.store.Wait()
	return true
}

// Invalidate drops key so the next read goes to the backing store.
func (c *Cache[V]) Invalidate(key string) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[key]++
	c.store.Del(key)
	c.store.Wait()
}

// Close releases the cache's background goroutines.
func (c *Cache[V]) Close() {
	if c.store != nil {
		c.store.Close()
	}
}
