package cache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/store"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves fresh reference data for a cache key from the remote API.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (json.RawMessage, error)
}

type Subscriber func(key string, value json.RawMessage)

// entry is the persisted and in-memory shape of one cached value.
type entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type subscription struct {
	id int
	fn Subscriber
}

// Cache is a TTL-bounded cache for read-mostly reference entities (customers,
// products). Concurrent readers of an expired key share a single fetch, and
// mutation events on the bus invalidate affected keys ahead of their TTL.
type Cache struct {
	store   store.Store
	fetcher Fetcher
	bus     *bus.Bus
	ttls    map[string]time.Duration
	ttl     time.Duration
	now     func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	nextSub int
	subs    map[string][]subscription
}

// Config sets per-namespace TTLs. The namespace of a key is everything before
// the first '?', so "products?category=drinks" shares the "products" TTL.
type Config struct {
	DefaultTTL time.Duration
	TTLs       map[string]time.Duration
}

func New(s store.Store, fetcher Fetcher, b *bus.Bus, cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	c := &Cache{
		store:   s,
		fetcher: fetcher,
		bus:     b,
		ttls:    cfg.TTLs,
		ttl:     cfg.DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
		subs:    make(map[string][]subscription),
	}

	if b != nil {
		b.Subscribe(domain.EventRecordCreated, c.onRecordEvent)
		b.Subscribe(domain.EventRecordSynced, c.onRecordEvent)
	}

	return c
}

// SetClock overrides the time source for expiry checks.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the cached value for key, fetching through the remote fetcher
// when the entry is absent or expired. A failed fetch leaves any stale entry
// in place and surfaces the error to this caller only.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if e := c.fresh(key); e != nil {
		return e.Value, nil
	}

	// Warm start: an unexpired persisted entry satisfies the miss without a
	// network round trip.
	if e := c.loadPersisted(ctx, key); e != nil {
		return e.Value, nil
	}

	return c.fetch(ctx, key)
}

// Refresh forces a fetch for key regardless of TTL. Concurrent refreshes for
// the same key still collapse into one request.
func (c *Cache) Refresh(ctx context.Context, key string) (json.RawMessage, error) {
	return c.fetch(ctx, key)
}

func (c *Cache) fetch(ctx context.Context, key string) (json.RawMessage, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			return nil, err
		}

		now := c.now()
		e := &entry{
			Key:       key,
			Value:     value,
			FetchedAt: now,
			ExpiresAt: now.Add(c.ttlFor(key)),
		}

		c.mu.Lock()
		c.entries[key] = e
		subs := make([]subscription, len(c.subs[key]))
		copy(subs, c.subs[key])
		c.mu.Unlock()

		// Persisting the entry only matters for warm starts; a failure here
		// must not fail the read path.
		if err := c.store.Set(ctx, store.CacheKeyPrefix+key, e); err != nil {
			log.Printf("[cache] persist %s: %v", key, err)
		}

		for _, s := range subs {
			s.fn(key, value)
		}

		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Subscribe registers a callback invoked whenever key is refetched. The
// returned function removes the subscription.
func (c *Cache) Subscribe(key string, fn Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := c.nextSub
	c.subs[key] = append(c.subs[key], subscription{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		subs := c.subs[key]
		for i, s := range subs {
			if s.id == id {
				c.subs[key] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Invalidate expires the given keys immediately. The stale values stay in
// memory as fallbacks, but the next read refetches.
func (c *Cache) Invalidate(keys ...string) {
	c.expire(func(k string) bool {
		for _, key := range keys {
			if k == key {
				return true
			}
		}
		return false
	}, keys)
}

// InvalidateNamespace expires every key in a namespace, e.g. "products"
// covers "products" and "products?category=drinks".
func (c *Cache) InvalidateNamespace(namespace string) {
	var hit []string
	c.expire(func(k string) bool {
		if namespaceOf(k) == namespace {
			hit = append(hit, k)
			return true
		}
		return false
	}, []string{namespace})
}

func (c *Cache) expire(match func(string) bool, announced []string) {
	now := c.now()

	var expired []string
	c.mu.Lock()
	for k, e := range c.entries {
		if match(k) {
			e.ExpiresAt = now
			expired = append(expired, k)
		}
	}
	c.mu.Unlock()

	// Drop the persisted copies too, or a restart (or loadPersisted) would
	// resurrect the entry before its original TTL ran out.
	for _, k := range announced {
		c.store.Remove(context.Background(), store.CacheKeyPrefix+k)
	}
	for _, k := range expired {
		c.store.Remove(context.Background(), store.CacheKeyPrefix+k)
	}

	if c.bus != nil {
		c.bus.Publish(domain.EventCacheInvalidated, domain.CacheInvalidatedEvent{Keys: announced})
	}
}

// Stale returns the last known value for key even if expired, or nil.
func (c *Cache) Stale(key string) json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[key]; ok {
		return e.Value
	}
	return nil
}

func (c *Cache) fresh(key string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.ExpiresAt) {
		return nil
	}
	return e
}

func (c *Cache) loadPersisted(ctx context.Context, key string) *entry {
	var e entry
	if err := c.store.Get(ctx, store.CacheKeyPrefix+key, &e); err != nil {
		return nil
	}
	if !c.now().Before(e.ExpiresAt) {
		return nil
	}

	c.mu.Lock()
	// A concurrent fetch may have landed a newer entry in the meantime.
	if cur, ok := c.entries[key]; ok && cur.FetchedAt.After(e.FetchedAt) {
		e = *cur
	} else {
		c.entries[key] = &e
	}
	c.mu.Unlock()

	return &e
}

// onRecordEvent maps write-path mutations to the reference-data keys they
// stale out, independent of TTL.
func (c *Cache) onRecordEvent(event string, payload interface{}) {
	var entityType domain.EntityType
	switch ev := payload.(type) {
	case domain.RecordCreatedEvent:
		entityType = ev.Operation.EntityType
	case domain.RecordSyncedEvent:
		entityType = ev.Operation.EntityType
	default:
		return
	}

	switch entityType {
	case domain.EntityCustomer:
		c.InvalidateNamespace("customers")
	case domain.EntityProduct:
		c.InvalidateNamespace("products")
	}
}

func (c *Cache) ttlFor(key string) time.Duration {
	if ttl, ok := c.ttls[namespaceOf(key)]; ok {
		return ttl
	}
	return c.ttl
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}
