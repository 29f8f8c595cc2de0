// suggestion_cache.go: Sharded LRU cache in front of a suggestion provider
//
// Entries are keyed by (context hash, key, snapshot version). When a request
// arrives for a newer snapshot version the whole cache is dropped at once.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

const suggestionCacheShards = 16

type suggestionCacheKey struct {
	ctxHash uint64
	key     string
	version uint64
}

type suggestionCacheEntry struct {
	key       suggestionCacheKey
	result    Suggestion
	found     bool
	expiresAt int64 // timecache nanos, 0 means no expiry
}

type suggestionShard struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[suggestionCacheKey]*list.Element
	capacity int
}

// CacheStats reports suggestion cache activity.
type CacheStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Purges    uint64
	Version   uint64
}

// CachedProvider memoizes another provider, including "no suggestion" answers.
// Provider errors are never cached.
type CachedProvider struct {
	inner   SuggestionProvider
	ttl     time.Duration
	shards  [suggestionCacheShards]*suggestionShard
	version atomic.Uint64
	purgeMu sync.Mutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	purges    atomic.Uint64

	onLookup func(hit bool)
}

// NewCachedProvider wraps inner with a cache holding at most capacity entries.
// A zero ttl keeps entries until they are evicted or purged.
func NewCachedProvider(inner SuggestionProvider, capacity int, ttl time.Duration) *CachedProvider {
	if capacity < suggestionCacheShards {
		capacity = suggestionCacheShards
	}
	perShard := capacity / suggestionCacheShards
	c := &CachedProvider{inner: inner, ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &suggestionShard{
			ll:       list.New(),
			items:    make(map[suggestionCacheKey]*list.Element),
			capacity: perShard,
		}
	}
	return c
}

// Suggest serves from cache or asks the wrapped provider.
func (c *CachedProvider) Suggest(ctx context.Context, req SuggestionRequest) (Suggestion, bool, error) {
	// Requests pinned to an older snapshot bypass the cache rather than
	// evicting entries for the current one.
	if !c.ensureVersion(req.Version) {
		return c.inner.Suggest(ctx, req)
	}

	key := suggestionCacheKey{ctxHash: req.Context.Hash(), key: req.Key.raw, version: req.Version}
	shard := c.shardFor(key)
	if s, found, ok := shard.get(key); ok {
		c.hits.Add(1)
		c.observe(true)
		return s, found, nil
	}
	c.misses.Add(1)
	c.observe(false)

	s, found, err := c.inner.Suggest(ctx, req)
	if err != nil {
		return Suggestion{}, false, err
	}
	entry := suggestionCacheEntry{key: key, result: s, found: found}
	if c.ttl > 0 {
		entry.expiresAt = timecache.CachedTimeNano() + int64(c.ttl)
	}
	if shard.put(entry) {
		c.evictions.Add(1)
	}
	return s, found, nil
}

func (c *CachedProvider) observe(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

// ensureVersion purges the cache when version is newer than the cached one.
// It returns false when version is older and must not touch the cache.
func (c *CachedProvider) ensureVersion(version uint64) bool {
	current := c.version.Load()
	if version == current {
		return true
	}
	if version < current {
		return false
	}
	c.purgeMu.Lock()
	defer c.purgeMu.Unlock()
	if current = c.version.Load(); version <= current {
		return version == current
	}
	c.purgeAll()
	c.version.Store(version)
	return true
}

// Purge drops every entry.
func (c *CachedProvider) Purge() {
	c.purgeMu.Lock()
	defer c.purgeMu.Unlock()
	c.purgeAll()
}

func (c *CachedProvider) purgeAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.ll.Init()
		s.items = make(map[suggestionCacheKey]*list.Element)
		s.mu.Unlock()
	}
	c.purges.Add(1)
}

// Stats returns a point-in-time view of cache activity.
func (c *CachedProvider) Stats() CacheStats {
	entries := 0
	for _, s := range c.shards {
		s.mu.Lock()
		entries += s.ll.Len()
		s.mu.Unlock()
	}
	return CacheStats{
		Entries:   entries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Purges:    c.purges.Load(),
		Version:   c.version.Load(),
	}
}

func (c *CachedProvider) shardFor(k suggestionCacheKey) *suggestionShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.key))
	return c.shards[(h.Sum64()^k.ctxHash)%suggestionCacheShards]
}

func (s *suggestionShard) get(k suggestionCacheKey) (Suggestion, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[k]
	if !ok {
		return Suggestion{}, false, false
	}
	entry := el.Value.(*suggestionCacheEntry)
	if entry.expiresAt != 0 && timecache.CachedTimeNano() > entry.expiresAt {
		s.ll.Remove(el)
		delete(s.items, k)
		return Suggestion{}, false, false
	}
	s.ll.MoveToFront(el)
	return entry.result, entry.found, true
}

// put stores entry and reports whether an older entry was evicted.
func (s *suggestionShard) put(entry suggestionCacheEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[entry.key]; ok {
		*el.Value.(*suggestionCacheEntry) = entry
		s.ll.MoveToFront(el)
		return false
	}
	s.items[entry.key] = s.ll.PushFront(&entry)
	if s.ll.Len() <= s.capacity {
		return false
	}
	oldest := s.ll.Back()
	s.ll.Remove(oldest)
	delete(s.items, oldest.Value.(*suggestionCacheEntry).key)
	return true
}
