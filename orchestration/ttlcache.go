package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentorch/agentorch/core"
)

// dedupCache is the request_id idempotency cache (spec.md §4.6 "Idempotency"):
// a duplicate request_id within ttl replays the stored response instead of
// re-executing the pipeline. Backed by Redis when a client is supplied
// (core.RedisClient's DB 2 is earmarked for exactly this, per
// core/redis_client.go's database allocation comment) so the dedup window
// survives a process restart and is shared across every orchestrator
// instance behind a load balancer; falls back to an in-memory map otherwise,
// grounded on redis_registry.go's storeRegistrationState in-memory map
// pattern, generalized here with an explicit per-entry expiry since that
// pair never evicted entries.
type dedupCache struct {
	ttl   time.Duration
	redis *core.RedisClient

	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	response *core.AgentResponse
	expires  time.Time
}

// newDedupCache builds an in-memory-only dedup cache.
func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, entries: make(map[string]dedupEntry)}
}

// newRedisDedupCache builds a dedup cache backed by redis, shared across
// every orchestrator instance pointed at the same database.
func newRedisDedupCache(redis *core.RedisClient, ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, redis: redis, entries: make(map[string]dedupEntry)}
}

func dedupKey(requestID string) string {
	return core.OrchestratorDedupKeyPrefix + ":" + requestID
}

// Get returns the stored response for requestID if present and unexpired.
func (c *dedupCache) Get(requestID string) (*core.AgentResponse, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(context.Background(), dedupKey(requestID))
		if err != nil || raw == "" {
			return nil, false
		}
		var resp core.AgentResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, false
		}
		return &resp, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[requestID]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.response, true
}

// Put records response under requestID for ttl.
func (c *dedupCache) Put(requestID string, response *core.AgentResponse) {
	if c.redis != nil {
		data, err := json.Marshal(response)
		if err != nil {
			return
		}
		_ = c.redis.Set(context.Background(), dedupKey(requestID), data, c.ttl)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = dedupEntry{response: response, expires: time.Now().Add(c.ttl)}
	c.sweepLocked()
}

// sweepLocked drops expired entries opportunistically on every write rather
// than running a background goroutine, keeping the in-memory cache's
// lifetime tied to traffic instead of a ticker the orchestrator would need
// to stop on shutdown. Redis-backed entries expire on their own via TTL.
func (c *dedupCache) sweepLocked() {
	now := time.Now()
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
}
