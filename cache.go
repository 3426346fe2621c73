package gatekeeper

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/gatekeeper/utils"
)

// grantSource records where a cached permission came from; both bits may be
// set when a direct grant and a role cover the same permission.
type grantSource uint8

const (
	sourceRole grantSource = 1 << iota
	sourceDirect
)

// actorPermissions is the cached unit: the actor profile plus every
// Global/ResourceType scoped permission it holds at one tenant version.
// ResourceId scoped grants are never part of it.
type actorPermissions struct {
	actor   Actor
	perms   map[Permission]grantSource
	version uint64
}

func (a *actorPermissions) source(p Permission) grantSource {
	if a == nil {
		return 0
	}
	return a.perms[p]
}

// CacheConfig sizes the ristretto cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration // zero means entries live until evicted
}

// DefaultCacheConfig is used when the engine is not configured otherwise.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{NumCounters: 100_000, MaxCost: 1 << 20, BufferItems: 64}
}

// PermissionCache memoizes resolved actor and role permission sets keyed by
// (tenant, id, version, generation). A version bump makes every older key
// unreachable; ristretto evicts them by cost or TTL on its own goroutines.
// Invalidate advances the generation for the case where a change committed
// but its version bump did not.
type PermissionCache struct {
	c          *ristretto.Cache
	ttl        time.Duration
	hits       atomic.Uint64
	misses     atomic.Uint64
	generation atomic.Uint64
}

// NewPermissionCache creates the cache from cfg, filling zero fields with
// defaults.
func NewPermissionCache(cfg CacheConfig) (*PermissionCache, error) {
	def := DefaultCacheConfig()
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = def.BufferItems
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create permission cache: %w", err)
	}
	return &PermissionCache{c: c, ttl: cfg.TTL}, nil
}

// cacheStamp pins a resolution to a tenant version and to the cache
// generation current when it started. Loads that began before an
// Invalidate write under keys no later lookup builds.
type cacheStamp struct {
	version    uint64
	generation uint64
}

// stamp captures the current generation for version. A nil cache stamps
// generation zero.
func (c *PermissionCache) stamp(version uint64) cacheStamp {
	if c == nil {
		return cacheStamp{version: version}
	}
	return cacheStamp{version: version, generation: c.generation.Load()}
}

// Invalidate makes every entry written so far unreachable, including those
// still being resolved.
func (c *PermissionCache) Invalidate() {
	c.generation.Add(1)
}

func (st cacheStamp) key(parts ...string) string {
	return utils.VersionedKey(st.version, append(parts, strconv.FormatUint(st.generation, 10))...)
}

func actorKey(tenantID, actorID string, st cacheStamp) string {
	return st.key("actor", tenantID, actorID)
}

func roleKey(tenantID, roleID string, st cacheStamp) string {
	return st.key("role", tenantID, roleID)
}

func catalogKey(tenantID string, st cacheStamp) string {
	return st.key("catalog", tenantID)
}

func (c *PermissionCache) getActor(tenantID, actorID string, st cacheStamp) (*actorPermissions, bool) {
	v, ok := c.c.Get(actorKey(tenantID, actorID, st))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	ap, ok := v.(*actorPermissions)
	if !ok || ap.version != st.version {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return ap, true
}

func (c *PermissionCache) setActor(ap *actorPermissions, st cacheStamp) {
	c.set(actorKey(ap.actor.TenantID, ap.actor.ID, st), ap, int64(len(ap.perms))+1)
}

func (c *PermissionCache) getRole(tenantID, roleID string, st cacheStamp) (PermissionSet, bool) {
	v, ok := c.c.Get(roleKey(tenantID, roleID, st))
	if !ok {
		return nil, false
	}
	set, ok := v.(PermissionSet)
	return set, ok
}

func (c *PermissionCache) setRole(tenantID, roleID string, st cacheStamp, set PermissionSet) {
	c.set(roleKey(tenantID, roleID, st), set, int64(len(set))+1)
}

func (c *PermissionCache) getCatalog(tenantID string, st cacheStamp) (PermissionSet, bool) {
	v, ok := c.c.Get(catalogKey(tenantID, st))
	if !ok {
		return nil, false
	}
	set, ok := v.(PermissionSet)
	return set, ok
}

func (c *PermissionCache) setCatalog(tenantID string, st cacheStamp, set PermissionSet) {
	c.set(catalogKey(tenantID, st), set, int64(len(set))+1)
}

func (c *PermissionCache) set(key string, value interface{}, cost int64) {
	if c.ttl > 0 {
		c.c.SetWithTTL(key, value, cost, c.ttl)
		return
	}
	c.c.Set(key, value, cost)
}

// Stats returns hit and miss counts of actor lookups.
func (c *PermissionCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Wait blocks until buffered writes are applied. Used by tests and warmup.
func (c *PermissionCache) Wait() { c.c.Wait() }

// Clear drops every entry. Correctness never depends on it.
func (c *PermissionCache) Clear() { c.c.Clear() }

// Close stops ristretto's background goroutines.
func (c *PermissionCache) Close() { c.c.Close() }
