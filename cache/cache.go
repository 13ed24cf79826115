// Package cache implements the Cache component (C9): an in-process,
// advisory, sharded LRU keyed by structured query/embedding keys with
// per-kind TTLs and prefix invalidation (§4.9).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const numShards = 8

// Default TTLs by key kind (§4.9).
const (
	TTLSemantic  = time.Hour
	TTLGraph     = 30 * time.Minute
	TTLHybrid    = 30 * time.Minute
	TTLEmbedding = 24 * time.Hour
)

// entry is one cached value with its absolute expiry.
type entry struct {
	value   []byte
	expires time.Time
}

// shard is a single-writer-locked LRU partition (§5: "a single writer
// lock per shard").
type shard struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
}

// Cache is the sharded LRU backing all three query-result kinds plus the
// embedding cache. A miss is never an error; an expired entry is treated
// as a miss and evicted (§4.9). Values are opaque bytes: the cache does not
// detect corrupted entries, and an entry a caller cannot decode stays in
// place until it is overwritten, expires, or is evicted.
type Cache struct {
	shards [numShards]*shard
}

// New constructs a Cache with perShardSize entries per shard (8 shards
// total, so the effective capacity is 8*perShardSize).
func New(perShardSize int) *Cache {
	if perShardSize <= 0 {
		perShardSize = 1000
	}
	c := &Cache{}
	for i := range c.shards {
		l, _ := lru.New[string, entry](perShardSize)
		c.shards[i] = &shard{lru: l}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Get returns the cached value for key, or (nil, false) on miss. An
// expired entry is evicted on read and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		s.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key with the given ttl.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, entry{value: value, expires: time.Now().Add(ttl)})
}

// Invalidate removes every cached key with the given prefix. Used on
// upsert_chunks/tombstone_document to drop prefix "q:" (§4.9).
func (c *Cache) Invalidate(prefix string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, key := range s.lru.Keys() {
			if hasPrefix(key, prefix) {
				s.lru.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// SemanticKey builds the structured key for a semantic_search cache entry.
func SemanticKey(query string, filtersHash string, k int) string {
	return "q:semantic:" + hashParts(query, filtersHash, fmt.Sprint(k))
}

// GraphKey builds the structured key for a graph_search cache entry.
func GraphKey(seedEntity string, edgeTypes []string, depth, limit int) string {
	return "q:graph:" + hashParts(seedEntity, fmt.Sprint(edgeTypes), fmt.Sprint(depth), fmt.Sprint(limit))
}

// HybridKey builds the structured key for a hybrid_search cache entry.
func HybridKey(query, strategy string, maxResults int, simThreshold float64, depth int) string {
	return "q:hybrid:" + hashParts(query, strategy, fmt.Sprint(maxResults), fmt.Sprint(simThreshold), fmt.Sprint(depth))
}

// EmbeddingKey builds the structured key for a cached query embedding.
func EmbeddingKey(text string) string {
	return "emb:" + hashParts(text)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
