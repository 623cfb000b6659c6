package storage

import "time"

// EventWriter persists audit events. Write must never block the caller.
type EventWriter interface {
	Write(event *AuditEvent)
	Close()
}

// AuditEvent is one gated call attempt, successful or not.
type AuditEvent struct {
	RequestID    string
	Timestamp    time.Time
	CallerID     string
	Tool         string
	Phase        string // "call", "plan", "apply", "poll"
	Operation    string // "read" or "write"
	Risk         string
	PlanID       string
	OperationID  string
	Success      bool
	ErrorType    string
	ErrorMessage string
	DurationMs   float32
	Source       string
}

// Fanout writes every event to each of its writers.
type Fanout []EventWriter

func (f Fanout) Write(event *AuditEvent) {
	for _, w := range f {
		w.Write(event)
	}
}

func (f Fanout) Close() {
	for _, w := range f {
		w.Close()
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Write(*AuditEvent) {}
func (Discard) Close()            {}
