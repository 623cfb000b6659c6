package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// CacheStatus says how a Lookup result may be used.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
	// CacheRefresh is a hit on an expired identity. The caller won the
	// refresh and should re-resolve the token in the background.
	CacheRefresh
)

// refreshGrace is how long a won refresh holds off other callers. If the
// refresh never stores a result, the next lookup after it wins again.
const refreshGrace = 10 * time.Second

type tokenDigest [sha256.Size]byte

type identitySlot struct {
	identity *SecurityContext
	deadline atomic.Int64 // unix nanos
}

// AuthCache holds resolved identities keyed by the SHA-256 of the API key,
// so raw keys are never retained. Expired identities keep being served
// while a single caller refreshes them.
type AuthCache struct {
	slots sync.Map // tokenDigest -> *identitySlot
	ttl   time.Duration
	now   func() time.Time
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

func digest(token string) tokenDigest {
	return sha256.Sum256([]byte(token))
}

// Lookup returns the cached identity for token. It never blocks.
func (c *AuthCache) Lookup(token string) (*SecurityContext, CacheStatus) {
	v, ok := c.slots.Load(digest(token))
	if !ok {
		return nil, CacheMiss
	}
	slot := v.(*identitySlot)

	now := c.now().UnixNano()
	deadline := slot.deadline.Load()
	if now < deadline {
		return slot.identity, CacheHit
	}
	if slot.deadline.CompareAndSwap(deadline, now+int64(refreshGrace)) {
		return slot.identity, CacheRefresh
	}
	return slot.identity, CacheHit
}

// Store caches identity for token until the TTL elapses.
func (c *AuthCache) Store(token string, identity *SecurityContext) {
	slot := &identitySlot{identity: identity}
	slot.deadline.Store(c.now().Add(c.ttl).UnixNano())
	c.slots.Store(digest(token), slot)
}

// Forget drops token, e.g. once a refresh finds the key revoked.
func (c *AuthCache) Forget(token string) {
	c.slots.Delete(digest(token))
}
