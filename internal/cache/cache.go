// Package cache provides a TTL cache for expensive aggregate queries with
// tag-based invalidation.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultShards = 32

// ComputeFunc produces the value for a cache miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Observer receives cache lookup and eviction counts.
type Observer interface {
	CacheLookup(hit bool)
	CacheEvicted(n int)
}

// Entry is a snapshot of one cached value.
type Entry struct {
	Key       string
	Kind      string
	Tags      []string
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int64
}

// Stats summarises cache activity since construction.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	Discarded     int64 `json:"discarded"`
	Size          int   `json:"size"`
}

// Cache is a TTL cache whose entries can be invalidated by key or by tag.
// Entity writes invalidate the tags of entity ids they touch, so a value
// computed from an entity is tagged with that entity's id.
type Cache interface {
	GetOrCompute(ctx context.Context, key, kind string, tags []string, ttl time.Duration, fn ComputeFunc) (any, error)
	Invalidate(key string)
	InvalidateByTag(tag string) int
	Sweep(batch int) int
	Entries() []Entry
	Stats() Stats
}

// Options configures a Cache.
type Options struct {
	DefaultTTL time.Duration
	Shards     int
	Now        func() time.Time
	Observer   Observer
}

type entry struct {
	value     any
	kind      string
	tags      []string
	createdAt time.Time
	expiresAt time.Time
	hits      atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// flight tracks a compute in progress so invalidations that land while it
// runs keep its result out of the cache.
type flight struct {
	tags        []string
	invalidated bool
}

type ttlCache struct {
	defaultTTL time.Duration
	now        func() time.Time
	observer   Observer
	shards     []*shard
	group      singleflight.Group

	// tagMu guards tags and inflight. Lock order: tagMu before any shard.
	tagMu    sync.Mutex
	tags     map[string]map[string]struct{}
	inflight map[string]*flight

	sweepCursor atomic.Uint64

	hits, misses, evictions, invalidations, discarded atomic.Int64
}

// New creates a Cache.
func New(opts Options) Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Second
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &ttlCache{
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		observer:   opts.Observer,
		shards:     make([]*shard, opts.Shards),
		tags:       make(map[string]map[string]struct{}),
		inflight:   make(map[string]*flight),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *ttlCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *ttlCache) lookup(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	e.hits.Add(1)
	return e.value, true
}

func (c *ttlCache) observeLookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.observer != nil {
		c.observer.CacheLookup(hit)
	}
}

// GetOrCompute returns the cached value for key, or computes, stores and
// returns it. Concurrent misses on one key share a single compute. Compute
// errors are returned and nothing is cached.
func (c *ttlCache) GetOrCompute(ctx context.Context, key, kind string, tags []string, ttl time.Duration, fn ComputeFunc) (any, error) {
	if v, ok := c.lookup(key); ok {
		c.observeLookup(true)
		return v, nil
	}
	c.observeLookup(false)

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	tags = append([]string(nil), tags...)

	v, err, _ := c.group.Do(key, func() (any, error) {
		f := &flight{tags: tags}
		c.tagMu.Lock()
		c.inflight[key] = f
		c.tagMu.Unlock()

		value, err := fn(ctx)

		c.tagMu.Lock()
		defer c.tagMu.Unlock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		if err != nil {
			return nil, fmt.Errorf("computing %s: %w", key, err)
		}
		if f.invalidated {
			c.discarded.Add(1)
			return value, nil
		}
		c.storeLocked(key, kind, tags, ttl, value)
		return value, nil
	})
	return v, err
}

// storeLocked inserts a value and indexes its tags. Callers hold tagMu.
func (c *ttlCache) storeLocked(key, kind string, tags []string, ttl time.Duration, value any) {
	now := c.now()
	s := c.shardFor(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		c.unindexLocked(key, old.tags)
	}
	s.entries[key] = &entry{value: value, kind: kind, tags: tags, createdAt: now, expiresAt: now.Add(ttl)}
	s.mu.Unlock()

	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *ttlCache) unindexLocked(key string, tags []string) {
	for _, tag := range tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// removeLocked deletes key from its shard and the tag index. Callers hold
// tagMu.
func (c *ttlCache) removeLocked(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		c.unindexLocked(key, e.tags)
	}
	return ok
}

// Invalidate drops key and keeps any compute already running for it from
// being stored.
func (c *ttlCache) Invalidate(key string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	if f, ok := c.inflight[key]; ok {
		f.invalidated = true
		c.group.Forget(key)
	}
	if c.removeLocked(key) {
		c.invalidations.Add(1)
	}
}

// InvalidateByTag drops every entry tagged with tag. Work is proportional to
// the number of affected keys.
func (c *ttlCache) InvalidateByTag(tag string) int {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	for key, f := range c.inflight {
		for _, t := range f.tags {
			if t == tag {
				f.invalidated = true
				c.group.Forget(key)
				break
			}
		}
	}

	keys := c.tags[tag]
	removed := 0
	for key := range keys {
		if c.removeLocked(key) {
			removed++
		}
	}
	delete(c.tags, tag)
	c.invalidations.Add(int64(removed))
	return removed
}

// Sweep removes expired entries from the next batch shards, resuming where
// the previous sweep stopped. Only one shard is locked at a time.
func (c *ttlCache) Sweep(batch int) int {
	if batch <= 0 || batch > len(c.shards) {
		batch = len(c.shards)
	}
	now := c.now()
	removed := 0
	for i := 0; i < batch; i++ {
		idx := int((c.sweepCursor.Add(1) - 1) % uint64(len(c.shards)))
		s := c.shards[idx]

		s.mu.RLock()
		var expired []string
		for key, e := range s.entries {
			if !now.Before(e.expiresAt) {
				expired = append(expired, key)
			}
		}
		s.mu.RUnlock()
		if len(expired) == 0 {
			continue
		}

		c.tagMu.Lock()
		for _, key := range expired {
			s.mu.Lock()
			e, ok := s.entries[key]
			stillExpired := ok && !now.Before(e.expiresAt)
			if stillExpired {
				delete(s.entries, key)
			}
			s.mu.Unlock()
			if stillExpired {
				c.unindexLocked(key, e.tags)
				removed++
			}
		}
		c.tagMu.Unlock()
	}

	c.evictions.Add(int64(removed))
	if c.observer != nil {
		c.observer.CacheEvicted(removed)
	}
	return removed
}

// Entries returns a snapshot of every stored entry, expired or not.
func (c *ttlCache) Entries() []Entry {
	var out []Entry
	for _, s := range c.shards {
		s.mu.RLock()
		for key, e := range s.entries {
			out = append(out, Entry{
				Key:       key,
				Kind:      e.kind,
				Tags:      append([]string(nil), e.tags...),
				CreatedAt: e.createdAt,
				ExpiresAt: e.expiresAt,
				HitCount:  e.hits.Load(),
			})
		}
		s.mu.RUnlock()
	}
	return out
}

func (c *ttlCache) Stats() Stats {
	size := 0
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.entries)
		s.mu.RUnlock()
	}
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Discarded:     c.discarded.Load(),
		Size:          size,
	}
}
