// Package cache provides the bounded, time-expiring stores used to memoize lookups
// keyed by IP address. Values are treated as immutable once stored.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL     = time.Hour
	DefaultMaxSize = 1000
)

// Cache is a concurrency-safe key/value store with expiring entries.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Put(ctx context.Context, key string, value V)
}

// Sizer is implemented by caches able to report their entry count.
type Sizer interface {
	Len() int
}

// Config sizes an in-memory cache.
type Config struct {
	// TTL is how long an entry stays valid after it was written (e.g. "1h").
	TTL string `yaml:"ttl"`
	// MaxSize bounds the number of entries; least recently used entries are evicted first.
	MaxSize int `yaml:"maxSize"`
	// Redis optionally adds a shared second tier behind the in-memory cache.
	Redis *RedisConfig `yaml:"redis"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.TTL == "" {
		c.TTL = DefaultTTL.String()
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Redis != nil {
		c.Redis.ApplyDefaults()
	}
}

// Validate checks sizing and the optional Redis tier.
func (c Config) Validate() error {
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return errors.New("ttl must be a valid duration")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.MaxSize < 0 {
		return errors.New("maxSize must be non-negative")
	}
	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TTLDuration returns the parsed TTL, falling back to DefaultTTL.
func (c Config) TTLDuration() time.Duration {
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil || ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Memory is an LRU cache whose entries also expire a fixed time after insertion.
type Memory[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemory builds an in-memory cache holding at most maxSize entries for ttl each.
func NewMemory[V any](maxSize int, ttl time.Duration) *Memory[V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory[V]{lru: expirable.NewLRU[string, V](maxSize, nil, ttl)}
}

// Get implements Cache.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	return m.lru.Get(key)
}

// Put implements Cache.
func (m *Memory[V]) Put(_ context.Context, key string, value V) {
	m.lru.Add(key, value)
}

// Len implements Sizer.
func (m *Memory[V]) Len() int {
	return m.lru.Len()
}

// Purge drops every entry.
func (m *Memory[V]) Purge() {
	m.lru.Purge()
}

// Tiered checks a local cache first and falls back to a shared one, back-filling the
// local cache on a shared hit.
type Tiered[V any] struct {
	front *Memory[V]
	back  Cache[V]
}

// NewTiered layers front over back.
func NewTiered[V any](front *Memory[V], back Cache[V]) *Tiered[V] {
	return &Tiered[V]{front: front, back: back}
}

// Get implements Cache.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.front.Get(ctx, key); ok {
		return v, true
	}
	v, ok := t.back.Get(ctx, key)
	if ok {
		t.front.Put(ctx, key, v)
	}
	return v, ok
}

// Put implements Cache.
func (t *Tiered[V]) Put(ctx context.Context, key string, value V) {
	t.front.Put(ctx, key, value)
	t.back.Put(ctx, key, value)
}

// Len implements Sizer and reports the local tier.
func (t *Tiered[V]) Len() int {
	return t.front.Len()
}
