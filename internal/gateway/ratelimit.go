package gateway

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	pruneEvery   = 1024
)

// RateLimitState is the per-key limiter state. All fields are guarded by mu
// so a check and its recording happen in one critical section. A dead state
// has been removed from the limiter and must not record calls.
type RateLimitState struct {
	mu         sync.Mutex
	minute     []time.Time
	hour       []time.Time
	tokens     float64
	lastRefill time.Time
	dead       bool
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Window     string // "minute", "hour" or "burst" when rejected
	Limit      int
	RetryAfter time.Duration
}

// Limiter combines a sliding minute window, a sliding hour window and a
// token bucket refilled continuously at rpm/60 tokens per second.
type Limiter struct {
	rpm, rph, burst int
	now             func() time.Time
	states          sync.Map // map[string]*RateLimitState
	calls           atomic.Uint64
}

// NewLimiter creates a limiter. A non-positive limit disables that check.
func NewLimiter(rpm, rph, burst int, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{rpm: rpm, rph: rph, burst: burst, now: now}
}

// Allow checks key against every window and, when allowed, records the call.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	if l.calls.Add(1)%pruneEvery == 0 {
		l.prune(now)
	}

	st := l.lock(key, now)
	defer st.mu.Unlock()

	st.minute = trimBefore(st.minute, now.Add(-minuteWindow))
	st.hour = trimBefore(st.hour, now.Add(-hourWindow))
	l.refill(st, now)

	if l.rpm > 0 && len(st.minute) >= l.rpm {
		return Decision{Window: "minute", Limit: l.rpm, RetryAfter: st.minute[0].Add(minuteWindow).Sub(now)}
	}
	if l.rph > 0 && len(st.hour) >= l.rph {
		return Decision{Window: "hour", Limit: l.rph, RetryAfter: st.hour[0].Add(hourWindow).Sub(now)}
	}
	if l.bucketEnabled() && st.tokens < 1 {
		perSecond := float64(l.rpm) / 60
		wait := time.Duration((1 - st.tokens) / perSecond * float64(time.Second))
		return Decision{Window: "burst", Limit: l.burst, RetryAfter: wait}
	}

	st.minute = append(st.minute, now)
	st.hour = append(st.hour, now)
	if l.bucketEnabled() {
		st.tokens--
	}
	return Decision{Allowed: true}
}

// lock returns the live state for key with its mutex held. A state pruned
// between the map lookup and the lock is dead, so the lookup is retried.
func (l *Limiter) lock(key string, now time.Time) *RateLimitState {
	for {
		v, ok := l.states.Load(key)
		if !ok {
			v, _ = l.states.LoadOrStore(key, &RateLimitState{tokens: float64(l.burst), lastRefill: now})
		}
		st := v.(*RateLimitState)
		st.mu.Lock()
		if !st.dead {
			return st
		}
		st.mu.Unlock()
	}
}

func (l *Limiter) bucketEnabled() bool {
	return l.burst > 0 && l.rpm > 0
}

func (l *Limiter) refill(st *RateLimitState, now time.Time) {
	if !l.bucketEnabled() {
		return
	}
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed > 0 {
		st.tokens = math.Min(float64(l.burst), st.tokens+elapsed*float64(l.rpm)/60)
		st.lastRefill = now
	}
}

// prune drops keys idle for longer than the hour window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-hourWindow)
	l.states.Range(func(k, v any) bool {
		st := v.(*RateLimitState)
		st.mu.Lock()
		if len(st.hour) == 0 || st.hour[len(st.hour)-1].Before(cutoff) {
			st.dead = true
			l.states.CompareAndDelete(k, st)
		}
		st.mu.Unlock()
		return true
	})
}

// trimBefore drops timestamps older than cutoff; ts is sorted ascending.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
