// Package snapshot caches externally owned read models (principal overrides, module
// configurations) for the policy engine. Readers never block: a missing entry reports
// StateLoading, an invalidated entry reports its previous value as StateStale and an entry past
// its TTL as StateExpired while a single background refresh runs. Callers decide which states
// they may evaluate against.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State describes the availability of a cached value.
type State int

const (
	// StateLoading means no value has been fetched yet.
	StateLoading State = iota
	// StateFresh means the value is valid.
	StateFresh
	// StateStale means the value was explicitly invalidated and a refresh is pending.
	StateStale
	// StateExpired means the value outlived the TTL without being invalidated.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	default:
		return "loading"
	}
}

// Usable reports whether a previous value is available, invalidated or not.
func (s State) Usable() bool {
	return s == StateFresh || s == StateStale || s == StateExpired
}

// Current reports whether the value reflects the latest known write. Only an explicit
// invalidation makes a value not current.
func (s State) Current() bool {
	return s == StateFresh || s == StateExpired
}

// Loader fetches the value for key from its owning service.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Entry is a cached value with its fetch metadata.
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
	Valid     bool
}

// Config tunes a Cache.
type Config struct {
	// Name labels log lines.
	Name string
	// TTL marks entries stale after the given age. Zero keeps them until invalidated.
	TTL time.Duration
	// FetchTimeout bounds background refreshes.
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
}

type record[V any] struct {
	entry      Entry[V]
	loaded     bool
	gen        uint64
	refreshing bool
}

// Cache is a keyed stale-while-revalidate cache.
type Cache[K comparable, V any] struct {
	name    string
	loader  Loader[K, V]
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[K]*record[V]
	group   singleflight.Group
}

// New constructs a Cache around loader.
func New[K comparable, V any](loader Loader[K, V], cfg Config) *Cache[K, V] {
	c := &Cache[K, V]{
		name:    cfg.Name,
		loader:  loader,
		ttl:     cfg.TTL,
		timeout: cfg.FetchTimeout,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		records: make(map[K]*record[V]),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Get returns the cached value and its state without blocking. Missing, invalidated and
// expired entries schedule a background refresh.
func (c *Cache[K, V]) Get(key K) (V, State) {
	c.mu.RLock()
	rec, ok := c.records[key]
	var (
		value V
		state = StateLoading
	)
	if ok && rec.loaded {
		value = rec.entry.Value
		switch {
		case !rec.entry.Valid:
			state = StateStale
		case c.expired(rec.entry):
			state = StateExpired
		default:
			state = StateFresh
		}
	}
	c.mu.RUnlock()

	if state != StateFresh {
		c.refreshAsync(key)
	}
	return value, state
}

// Peek returns the entry for key without scheduling anything.
func (c *Cache[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok || !rec.loaded {
		return Entry[V]{}, false
	}
	return rec.entry, true
}

// Refresh fetches key synchronously, sharing one in-flight fetch among concurrent callers.
// On error the previous value is kept.
func (c *Cache[K, V]) Refresh(ctx context.Context, key K) (V, error) {
	ch := c.group.DoChan(c.flightKey(key), func() (interface{}, error) {
		return c.load(ctx, key)
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		value, _ := res.Val.(V)
		return value, nil
	}
}

// Set stores a valid value for key.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.recordFor(key)
	rec.entry = Entry[V]{Value: value, FetchedAt: c.now(), Valid: true}
	rec.loaded = true
	rec.gen++
}

// Invalidate marks key stale and schedules a refresh. A fetch already in flight when this is
// called is discarded.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	rec := c.recordFor(key)
	rec.entry.Valid = false
	rec.gen++
	loaded := rec.loaded
	c.mu.Unlock()

	c.group.Forget(c.flightKey(key))
	if loaded {
		c.refreshAsync(key)
	}
}

// InvalidateAll marks every entry stale.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.RLock()
	keys := make([]K, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	for _, k := range keys {
		c.Invalidate(k)
	}
}

func (c *Cache[K, V]) load(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	gen := c.recordFor(key).gen
	c.mu.Unlock()

	value, err := c.loader(ctx, key)
	if err != nil {
		c.logger.Warn("snapshot refresh failed",
			slog.String("cache", c.name),
			slog.String("key", c.flightKey(key)),
			slog.Any("error", err))
		return value, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.recordFor(key)
	if rec.gen != gen {
		// Superseded by a Set or Invalidate; the next Get fetches again.
		return value, nil
	}
	rec.entry = Entry[V]{Value: value, FetchedAt: c.now(), Valid: true}
	rec.loaded = true
	return value, nil
}

// refreshAsync starts at most one background refresh per key. An invalidation landing while
// it runs makes it fetch again instead of spawning a second refresher.
func (c *Cache[K, V]) refreshAsync(key K) {
	c.mu.Lock()
	rec := c.recordFor(key)
	if rec.refreshing {
		c.mu.Unlock()
		return
	}
	rec.refreshing = true
	c.mu.Unlock()

	go func() {
		for {
			c.mu.RLock()
			gen := rec.gen
			c.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			_, _ = c.Refresh(ctx, key)
			cancel()

			c.mu.Lock()
			if rec.gen == gen || rec.entry.Valid {
				rec.refreshing = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}()
}

// recordFor must be called with mu held for writing.
func (c *Cache[K, V]) recordFor(key K) *record[V] {
	rec, ok := c.records[key]
	if !ok {
		rec = &record[V]{}
		c.records[key] = rec
	}
	return rec
}

func (c *Cache[K, V]) expired(e Entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.FetchedAt) >= c.ttl
}

func (c *Cache[K, V]) flightKey(key K) string {
	return fmt.Sprint(key)
}
