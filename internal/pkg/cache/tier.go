package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Tier is one layer of the tiered store. Implementations must treat absence
// and I/O failure as distinct results; the store swallows failures but needs
// to know about them to degrade.
type Tier interface {
	Name() string
	Get(ctx context.Context, ns Namespace, key string) (Entry, bool, error)
	Set(ctx context.Context, ns Namespace, key string, e Entry) error
	Remove(ctx context.Context, ns Namespace, key string) error
}

const defaultMemoryTierSize = 8192

// MemoryTier is the in-process first tier backed by an expirable LRU. The
// LRU TTL only bounds memory; staleness decisions belong to the store.
type MemoryTier struct {
	lru *expirable.LRU[string, Entry]
}

// NewMemoryTier creates a memory tier holding up to size entries. Entries
// are evicted by the LRU after maxAge regardless of their stale window.
func NewMemoryTier(size int, maxAge time.Duration) *MemoryTier {
	if size <= 0 {
		size = defaultMemoryTierSize
	}
	return &MemoryTier{lru: expirable.NewLRU[string, Entry](size, nil, maxAge)}
}

func (t *MemoryTier) Name() string { return "memory" }

func (t *MemoryTier) Get(_ context.Context, ns Namespace, key string) (Entry, bool, error) {
	e, ok := t.lru.Get(fullKey(ns, key))
	return e, ok, nil
}

func (t *MemoryTier) Set(_ context.Context, ns Namespace, key string, e Entry) error {
	t.lru.Add(fullKey(ns, key), e)
	return nil
}

func (t *MemoryTier) Remove(_ context.Context, ns Namespace, key string) error {
	t.lru.Remove(fullKey(ns, key))
	return nil
}

// RedisTier is the distributed second tier. Entries are stored as JSON with
// a TTL slightly past their stale window so Redis reclaims them on its own.
type RedisTier struct {
	client *redis.Client
}

func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) Get(ctx context.Context, ns Namespace, key string) (Entry, bool, error) {
	raw, err := t.client.Get(ctx, fullKey(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (t *RedisTier) Set(ctx context.Context, ns Namespace, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := time.Until(e.StaleUntil) + time.Minute
	if ttl <= 0 {
		return nil
	}
	return t.client.Set(ctx, fullKey(ns, key), raw, ttl).Err()
}

func (t *RedisTier) Remove(ctx context.Context, ns Namespace, key string) error {
	return t.client.Del(ctx, fullKey(ns, key)).Err()
}
