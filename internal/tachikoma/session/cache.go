package session

import (
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout is how long a cached history may sit untouched
	// before a sweep evicts it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultCheckInterval bounds how often the lazy sweep runs. Eviction
	// latency is therefore bounded by checkInterval + idleTimeout, not
	// exact — there is no background timer, only opportunistic checks on
	// manager calls.
	DefaultCheckInterval = 5 * time.Minute
)

// cacheEntry is one cached history with its activity timestamp.
// lastActive is updated on every read or write that touches the entry.
type cacheEntry struct {
	history    []Turn
	lastActive time.Time
}

// historyCache is an optional in-process tier in front of the durable
// store. It is strictly a cache: every write goes through to the store
// first, and evicted entries are mirrored back with a fresh expiry before
// removal, so losing the process never loses state.
//
// A nil *historyCache is valid and disables all caching, which keeps the
// manager's call sites free of enabled-checks.
type historyCache struct {
	mu            sync.Mutex
	entries       map[string]cacheEntry // key: owner + "/" + id
	idleTimeout   time.Duration
	checkInterval time.Duration
	lastSweep     time.Time
	mirror        func(owner, id string, history []Turn)

	// now is swapped out by tests to drive sweeps deterministically.
	now func() time.Time
}

func newHistoryCache(idleTimeout, checkInterval time.Duration, mirror func(string, string, []Turn)) *historyCache {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &historyCache{
		entries:       make(map[string]cacheEntry),
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		mirror:        mirror,
		now:           time.Now,
	}
}

func cacheKey(owner, id string) string { return owner + "/" + id }

// get returns a copy of the cached history and refreshes its activity
// timestamp. Triggers an opportunistic sweep first.
func (c *historyCache) get(owner, id string) ([]Turn, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweepLocked(now)

	entry, ok := c.entries[cacheKey(owner, id)]
	if !ok {
		return nil, false
	}
	entry.lastActive = now
	c.entries[cacheKey(owner, id)] = entry

	out := make([]Turn, len(entry.history))
	copy(out, entry.history)
	return out, true
}

// put caches a copy of history under (owner, id). Triggers an opportunistic
// sweep first.
func (c *historyCache) put(owner, id string, history []Turn) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweepLocked(now)

	cp := make([]Turn, len(history))
	copy(cp, history)
	c.entries[cacheKey(owner, id)] = cacheEntry{history: cp, lastActive: now}
}

// drop discards one cached entry without mirroring. Used after deletes and
// clears, where the store-side state is already gone.
func (c *historyCache) drop(owner, id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(owner, id))
}

// dropOwner discards every cached entry belonging to owner.
func (c *historyCache) dropOwner(owner string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := owner + "/"
	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// maybeSweepLocked evicts idle entries when a full checkInterval has passed
// since the last sweep. Must be called with mu held.
func (c *historyCache) maybeSweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.checkInterval {
		return
	}
	c.lastSweep = now

	for key, entry := range c.entries {
		if now.Sub(entry.lastActive) <= c.idleTimeout {
			continue
		}
		if c.mirror != nil {
			owner, id := splitCacheKey(key)
			c.mirror(owner, id, entry.history)
		}
		delete(c.entries, key)
	}
}

// splitCacheKey reverses cacheKey. Owners are messaging-platform user ids
// and may themselves contain slashes, so split on the last separator.
func splitCacheKey(key string) (owner, id string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// len reports the number of cached entries, for tests.
func (c *historyCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
