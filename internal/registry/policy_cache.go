package registry

import (
	"sync"
	"time"
)

// PolicyCache remembers policy lookups per tool name, including the absence
// of a policy. Entries past their TTL are still served; Lookup hands the
// refresh to one caller at a time and Settle or Put ends it.
type PolicyCache struct {
	mu       sync.RWMutex
	entries  map[string]policyEntry
	inflight map[string]struct{}
	ttl      time.Duration
	now      func() time.Time
}

type policyEntry struct {
	policy  *ToolPolicy // nil: the tool has no override
	expires time.Time
}

func NewPolicyCache(ttl time.Duration) *PolicyCache {
	return &PolicyCache{
		entries:  map[string]policyEntry{},
		inflight: map[string]struct{}{},
		ttl:      ttl,
		now:      time.Now,
	}
}

// Lookup returns the cached policy for tool. found is false on a miss.
// refresh is true for the one caller that should reload an expired entry.
func (c *PolicyCache) Lookup(tool string) (p *ToolPolicy, found, refresh bool) {
	c.mu.RLock()
	e, ok := c.entries[tool]
	c.mu.RUnlock()
	if !ok {
		return nil, false, false
	}
	if c.now().Before(e.expires) {
		return e.policy, true, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[tool]; busy {
		return e.policy, true, false
	}
	c.inflight[tool] = struct{}{}
	return e.policy, true, true
}

// Put caches p for tool and ends any refresh of it.
func (c *PolicyCache) Put(tool string, p *ToolPolicy) {
	c.mu.Lock()
	c.entries[tool] = policyEntry{policy: p, expires: c.now().Add(c.ttl)}
	delete(c.inflight, tool)
	c.mu.Unlock()
}

// Settle ends a refresh that produced nothing, keeping the stale entry so
// the next Lookup may try again.
func (c *PolicyCache) Settle(tool string) {
	c.mu.Lock()
	delete(c.inflight, tool)
	c.mu.Unlock()
}
