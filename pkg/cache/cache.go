// Package cache provides a TTL cache with single-flight fetch semantics: for
// any key there is at most one underlying fetch outstanding at a time, and all
// concurrent callers for that key share its result.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquacost/aquacost/pkg/log"
)

// FetchFunc loads the value for a key from upstream.
type FetchFunc func(ctx context.Context) (any, error)

// Gate tracks whether the process is still starting up. While the gate is not
// ready, caches configured to defer will serve stale data (or nothing) rather
// than hit the upstream.
type Gate struct {
	ready atomic.Bool
}

// Ready reports whether startup has finished.
func (g *Gate) Ready() bool { return g.ready.Load() }

// SetReady marks startup as finished.
func (g *Gate) SetReady() { g.ready.Store(true) }

type entry struct {
	value    any
	storedAt time.Time
}

// flight is one in-progress fetch. Waiters block on done; val/err are only
// read after done is closed.
type flight struct {
	done chan struct{}
	val  any
	err  error
}

// Cache is a key-value cache with TTL expiry and per-key request collapsing.
// The zero value is not usable; use New.
type Cache struct {
	name string
	ttl  time.Duration
	gate *Gate

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*flight
}

// New returns a cache. A non-nil gate enables startup deferral: while the
// gate is not ready, GetOrFetch never invokes the fetch function.
func New(name string, ttl time.Duration, gate *Gate) *Cache {
	return &Cache{
		name:     name,
		ttl:      ttl,
		gate:     gate,
		entries:  map[string]entry{},
		inflight: map[string]*flight{},
	}
}

// lookup returns a live cached value. Expired entries are kept around so they
// can be served as stale fallbacks.
func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.storedAt) >= c.ttl {
		return nil, false
	}
	return e.value, true
}

// lookupStale returns a cached value regardless of age.
func (c *Cache) lookupStale(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

func (c *Cache) store(key string, v any) {
	c.mu.Lock()
	c.entries[key] = entry{value: v, storedAt: time.Now()}
	c.mu.Unlock()
}

// GetOrFetch returns the value for key, fetching it at most once across all
// concurrent callers.
//
// With useCache set, a live entry is returned without blocking. During
// startup (gate not ready) the most recent entry is returned even if expired,
// or nil if none exists; the fetch function is never invoked. If a fetch
// fails, a stale entry is served as degraded fallback when available,
// otherwise the error propagates to the callers of that fetch.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, useCache bool) (any, error) {
	if useCache {
		if v, ok := c.lookup(key); ok {
			hits.WithLabelValues(c.name).Inc()
			return v, nil
		}
	}

	if c.gate != nil && !c.gate.Ready() {
		deferrals.WithLabelValues(c.name).Inc()
		if v, ok := c.lookupStale(key); ok {
			log.Ctx(ctx).DebugContext(ctx, "serving stale entry during startup",
				slog.String("cache", c.name), slog.String("key", key))
			return v, nil
		}
		return nil, nil
	}

	for {
		c.mu.Lock()
		if f, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			waits.WithLabelValues(c.name).Inc()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err == nil {
				return f.val, nil
			}
			// The fetch we joined failed. Deregister it (the identity check
			// keeps this from racing a newer flight) and start a fresh one.
			log.Ctx(ctx).DebugContext(ctx, "joined fetch failed, retrying",
				slog.String("cache", c.name), slog.String("key", key), slog.Any("error", f.err))
			c.mu.Lock()
			if c.inflight[key] == f {
				delete(c.inflight, key)
			}
			c.mu.Unlock()
			continue
		}

		f := &flight{done: make(chan struct{})}
		c.inflight[key] = f
		c.mu.Unlock()

		misses.WithLabelValues(c.name).Inc()
		// Run the fetch detached from the caller so a canceled waiter does
		// not fail everyone else sharing the flight.
		go c.run(context.WithoutCancel(ctx), key, f, fetch, useCache)

		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return f.val, f.err
	}
}

// run executes a fetch and settles its flight. Deregistration happens in the
// deferred block so it runs on success, failure and panic alike.
func (c *Cache) run(ctx context.Context, key string, f *flight, fetch FetchFunc, useCache bool) {
	defer func() {
		c.mu.Lock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
		close(f.done)
	}()

	v, err := fetch(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "fetch failed",
			slog.String("cache", c.name), slog.String("key", key), slog.Any("error", err))
		if stale, ok := c.lookupStale(key); ok {
			staleFallbacks.WithLabelValues(c.name).Inc()
			f.val = stale
			return
		}
		f.err = err
		return
	}
	if v != nil && useCache {
		c.store(key, v)
	}
	f.val = v
}

// Clear wipes the value cache. In-flight fetches are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]entry{}
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
