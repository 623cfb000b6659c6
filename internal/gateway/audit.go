package gateway

import (
	"sync"
	"time"
)

// AuditEntry records one gated call attempt.
type AuditEntry struct {
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Phase      string    `json:"phase"`
	CallerID   string    `json:"caller_id,omitempty"`
	Success    bool      `json:"success"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
}

// auditRing keeps the most recent entries; the oldest is evicted when full.
type auditRing struct {
	mu   sync.RWMutex
	buf  []AuditEntry
	next int
	full bool
}

func newAuditRing(capacity int) *auditRing {
	return &auditRing{buf: make([]AuditEntry, capacity)}
}

func (r *auditRing) add(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *auditRing) snapshot() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]AuditEntry(nil), r.buf[:r.next]...)
	}
	out := make([]AuditEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
