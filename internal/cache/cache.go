// Package cache provides a namespaced TTL cache-aside layer.
//
// Values are JSON-serialized. Cache correctness never gates operation
// correctness: a write that cannot serialize is logged and dropped, and a
// read that cannot deserialize is reported as a miss.
package cache

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default namespaces and their TTLs.
const (
	NamespaceDiff    = "diff"
	NamespacePR      = "pr"
	NamespaceProfile = "profile"
	NamespaceRepo    = "repo"
	NamespaceJob     = "job"
)

const defaultCapacity = 1024

// Cache is a set of independent TTL-bounded namespaces. Each namespace
// carries one TTL; entries past it read as misses and are evicted lazily.
type Cache struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	logger     *slog.Logger
}

type namespace struct {
	lru *expirable.LRU[string, []byte]
	ttl time.Duration
}

// New creates an empty cache. Register namespaces before use.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		namespaces: make(map[string]*namespace),
		logger:     logger,
	}
}

// Register adds a namespace with the given TTL. A TTL of zero makes the
// namespace a black hole: writes are accepted and immediately expired.
func (c *Cache) Register(name string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[name] = &namespace{
		lru: expirable.NewLRU[string, []byte](defaultCapacity, nil, ttl),
		ttl: ttl,
	}
}

// Set serializes value into the namespace under key. Serialization and
// capacity problems are swallowed; the caller always proceeds.
func (c *Cache) Set(ns, key string, value any) {
	n := c.lookup(ns)
	if n == nil {
		c.logger.Warn("cache write to unregistered namespace", "namespace", ns, "key", key)
		return
	}
	if n.ttl == 0 {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache serialization failed, skipping write", "namespace", ns, "key", key, "error", err)
		return
	}
	n.lru.Add(key, data)
}

// Get deserializes the cached value for key into out and reports a hit.
// Expired entries, unknown namespaces and undecodable payloads are misses.
func (c *Cache) Get(ns, key string, out any) bool {
	n := c.lookup(ns)
	if n == nil {
		return false
	}

	data, ok := n.lru.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("cache deserialization failed, treating as miss", "namespace", ns, "key", key, "error", err)
		n.lru.Remove(key)
		return false
	}
	return true
}

// GetString is a convenience for string payloads such as diffs.
func (c *Cache) GetString(ns, key string) (string, bool) {
	var s string
	if !c.Get(ns, key, &s) {
		return "", false
	}
	return s, true
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(ns, key string) {
	if n := c.lookup(ns); n != nil {
		n.lru.Remove(key)
	}
}

// InvalidateByPrefix removes every entry in the namespace whose key starts
// with prefix.
func (c *Cache) InvalidateByPrefix(ns, prefix string) int {
	n := c.lookup(ns)
	if n == nil {
		return 0
	}

	removed := 0
	for _, key := range n.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			if n.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Len reports the number of live entries in a namespace.
func (c *Cache) Len(ns string) int {
	if n := c.lookup(ns); n != nil {
		return n.lru.Len()
	}
	return 0
}

func (c *Cache) lookup(ns string) *namespace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namespaces[ns]
}
