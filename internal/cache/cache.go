// Package cache stores finished answers keyed by request fingerprint so a
// repeated question is served without another upstream round trip.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/advisor/internal/metrics"
	"github.com/kalambet/advisor/internal/query"
	"github.com/kalambet/advisor/internal/storage"
)

// ErrNotCacheable is returned by Set for results that must be recomputed on
// every ask (failures and offline stubs).
var ErrNotCacheable = errors.New("result is not cacheable")

// Store is the persistence the cache needs.
type Store interface {
	GetCacheEntry(key string) (storage.CacheEntry, error)
	PutCacheEntry(e storage.CacheEntry) error
	DeleteCacheEntriesBefore(cutoff time.Time) (int64, error)
	CountCacheEntries() (int, error)
}

// Cache is the response cache. It is safe for concurrent use; each read and
// write is a single statement against the store.
type Cache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL expires entries older than ttl. Zero keeps entries forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache backed by store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached result for fp. Missing, expired and unreadable
// entries are all reported as a miss; corruption is logged, never returned.
func (c *Cache) Get(fp query.Fingerprint) (query.Result, bool) {
	res, ok := c.lookup(fp)
	c.metrics.CacheLookup(ok)
	return res, ok
}

func (c *Cache) lookup(fp query.Fingerprint) (query.Result, bool) {
	entry, err := c.store.GetCacheEntry(fp.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return query.Result{}, false
	}
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		return query.Result{}, false
	}

	if c.ttl > 0 && c.now().Sub(entry.UpdatedAt) > c.ttl {
		return query.Result{}, false
	}

	var res query.Result
	if err := json.Unmarshal([]byte(entry.Value), &res); err != nil {
		c.logger.Warn("discarding malformed cache entry", "key", entry.Key, "error", err)
		return query.Result{}, false
	}
	if !res.Backend.Cacheable() {
		c.logger.Warn("discarding cache entry with unexpected backend", "key", entry.Key, "backend", res.Backend)
		return query.Result{}, false
	}
	if res.Sources == nil {
		res.Sources = []query.Source{}
	}
	return res, true
}

// Set stores res under fp, replacing any earlier entry.
func (c *Cache) Set(fp query.Fingerprint, res query.Result) error {
	if !res.Backend.Cacheable() {
		return fmt.Errorf("%w: backend %q", ErrNotCacheable, res.Backend)
	}
	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := c.store.PutCacheEntry(storage.CacheEntry{
		Key:       fp.Key(),
		Value:     string(value),
		UpdatedAt: c.now(),
	}); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Prune deletes entries older than the TTL. It is a no-op without a TTL.
func (c *Cache) Prune() (int64, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	n, err := c.store.DeleteCacheEntriesBefore(c.now().Add(-c.ttl))
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	return n, nil
}

// Len returns the number of stored entries, including expired ones not yet
// pruned.
func (c *Cache) Len() (int, error) {
	return c.store.CountCacheEntries()
}
