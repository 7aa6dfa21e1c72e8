package connstore

import (
	"context"
	"sync"
	"time"

	"github.com/openhub-relay/relay/internal/relayid"
)

// DefaultLookupCacheTTL is the ~30s absorb-bursts cache named in spec §4.1.
const DefaultLookupCacheTTL = 30 * time.Second

type cacheEntry struct {
	rec     *ConnectionOwnership
	expires time.Time
}

// CachedStore wraps a Store with a short node-local Lookup cache, to absorb
// request bursts without hammering the distributed backend on every
// client request (spec §4.1). The cache MUST be invalidated on local
// session start/stop; callers do that through Invalidate.
type CachedStore struct {
	Store
	ttl time.Duration

	mu    sync.RWMutex
	cache map[relayid.HubID]cacheEntry
}

// NewCachedStore wraps store with a lookup cache of the given ttl. A ttl of
// zero uses DefaultLookupCacheTTL.
func NewCachedStore(store Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultLookupCacheTTL
	}
	return &CachedStore{Store: store, ttl: ttl, cache: make(map[relayid.HubID]cacheEntry)}
}

// Lookup serves from the local cache when fresh, otherwise falls through to
// the wrapped Store and populates the cache with the result (including a
// negative result, so that a storm of requests for an offline hub-id does
// not repeatedly hit the backend).
func (c *CachedStore) Lookup(ctx context.Context, hubID relayid.HubID) (*ConnectionOwnership, error) {
	c.mu.RLock()
	entry, ok := c.cache[hubID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.rec, nil
	}

	rec, err := c.Store.Lookup(ctx, hubID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[hubID] = cacheEntry{rec: rec, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return rec, nil
}

// Invalidate drops any cached Lookup result for hubID. Callers MUST invoke
// this whenever a local HubSession for hubID starts or stops (spec §4.1).
func (c *CachedStore) Invalidate(hubID relayid.HubID) {
	c.mu.Lock()
	delete(c.cache, hubID)
	c.mu.Unlock()
}

// Acquire delegates and then invalidates the cache entry, so a subsequent
// Lookup observes the freshly-acquired ownership rather than a stale
// negative result.
func (c *CachedStore) Acquire(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID, nodeAddress, hubVersion string, ttl time.Duration) error {
	err := c.Store.Acquire(ctx, hubID, connID, nodeAddress, hubVersion, ttl)
	c.Invalidate(hubID)
	return err
}

// Release delegates and then invalidates the cache entry, so a subsequent
// Lookup does not return the just-released ownership.
func (c *CachedStore) Release(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID) error {
	err := c.Store.Release(ctx, hubID, connID)
	c.Invalidate(hubID)
	return err
}
