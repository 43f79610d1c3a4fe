package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// Submitter schedules fire-and-forget background work. Submit reports
// whether the task was accepted.
type Submitter interface {
	Submit(name string, fn func()) bool
}

// Store is the tiered stale-while-revalidate cache. Reads try tiers in
// order, backfill earlier tiers on a later hit, and never fail the caller:
// any tier I/O error degrades to the next tier or the origin compute.
type Store struct {
	tiers []Tier
	tasks Submitter
	group singleflight.Group

	mu         sync.Mutex
	refreshing map[string]struct{}

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// NewStore composes tiers in read order (first tier is consulted first).
func NewStore(tasks Submitter, tiers ...Tier) *Store {
	return &Store{
		tiers:      tiers,
		tasks:      tasks,
		refreshing: make(map[string]struct{}),
		Clock:      time.Now,
	}
}

// Get returns the entry for (ns, key) if any tier holds one, backfilling
// earlier tiers on a hit from a later tier. Tier failures are logged and
// treated as misses.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) (Entry, bool) {
	for i, tier := range s.tiers {
		e, ok, err := tier.Get(ctx, ns, key)
		if err != nil {
			log.Warnf("[Cache] %s tier get %s failed: %v", tier.Name(), fullKey(ns, key), err)
			continue
		}
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			if err := s.tiers[j].Set(ctx, ns, key, e); err != nil {
				log.Warnf("[Cache] %s tier backfill %s failed: %v", s.tiers[j].Name(), fullKey(ns, key), err)
			}
		}
		return e, true
	}
	return Entry{}, false
}

// Set stores value in every tier with the namespace's fresh/stale windows.
func (s *Store) Set(ctx context.Context, ns Namespace, key string, value []byte) {
	now := s.Clock()
	w := ns.Windows()
	e := Entry{
		Namespace:  ns,
		Key:        key,
		Value:      value,
		FreshUntil: now.Add(w.Fresh),
		StaleUntil: now.Add(w.Stale),
	}
	for _, tier := range s.tiers {
		if err := tier.Set(ctx, ns, key, e); err != nil {
			log.Warnf("[Cache] %s tier set %s failed: %v", tier.Name(), fullKey(ns, key), err)
		}
	}
}

// Remove drops (ns, key) from every tier.
func (s *Store) Remove(ctx context.Context, ns Namespace, key string) {
	for _, tier := range s.tiers {
		if err := tier.Remove(ctx, ns, key); err != nil {
			log.Warnf("[Cache] %s tier remove %s failed: %v", tier.Name(), fullKey(ns, key), err)
		}
	}
}

// SWR is the primary access pattern. Fresh entries return immediately with
// no compute. Stale entries return immediately and schedule at most one
// background refresh per (ns, key). Absent or expired entries block on a
// single-flighted compute.
func (s *Store) SWR(ctx context.Context, ns Namespace, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	now := s.Clock()
	if e, ok := s.Get(ctx, ns, key); ok {
		if now.Before(e.FreshUntil) {
			return e.Value, nil
		}
		if now.Before(e.StaleUntil) {
			s.scheduleRefresh(ns, key, compute)
			return e.Value, nil
		}
	}

	v, err, _ := s.group.Do(fullKey(ns, key), func() (interface{}, error) {
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, ns, key, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// scheduleRefresh submits one background recompute for a stale entry.
// Concurrent callers observing the same stale entry collapse into a single
// refresh; the dedupe is best-effort cluster-wide but exact per process.
func (s *Store) scheduleRefresh(ns Namespace, key string, compute func(context.Context) ([]byte, error)) {
	k := fullKey(ns, key)
	s.mu.Lock()
	if _, inFlight := s.refreshing[k]; inFlight {
		s.mu.Unlock()
		return
	}
	s.refreshing[k] = struct{}{}
	s.mu.Unlock()

	accepted := s.tasks.Submit("cache-refresh "+k, func() {
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, k)
			s.mu.Unlock()
		}()
		ctx := context.Background()
		val, err := compute(ctx)
		if err != nil {
			log.Warnf("[Cache] background refresh %s failed: %v", k, err)
			return
		}
		s.Set(ctx, ns, key, val)
	})
	if !accepted {
		s.mu.Lock()
		delete(s.refreshing, k)
		s.mu.Unlock()
	}
}

// SWRJSON wraps SWR with JSON encoding of the computed value.
func SWRJSON[T any](ctx context.Context, s *Store, ns Namespace, key string, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := s.SWR(ctx, ns, key, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// GetJSON decodes the cached value for (ns, key) if present.
func GetJSON[T any](ctx context.Context, s *Store, ns Namespace, key string) (T, bool) {
	var out T
	e, ok := s.Get(ctx, ns, key)
	if !ok {
		return out, false
	}
	// Same expiry test as SWR: an entry at exactly StaleUntil is expired.
	if !s.Clock().Before(e.StaleUntil) {
		return out, false
	}
	if err := json.Unmarshal(e.Value, &out); err != nil {
		log.Warnf("[Cache] decode %s failed: %v", fullKey(ns, key), err)
		return out, false
	}
	return out, true
}

// SetJSON encodes and stores value under (ns, key).
func SetJSON[T any](ctx context.Context, s *Store, ns Namespace, key string, value T) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Warnf("[Cache] encode %s failed: %v", fullKey(ns, key), err)
		return
	}
	s.Set(ctx, ns, key, raw)
}
