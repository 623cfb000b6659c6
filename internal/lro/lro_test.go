package lro

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	tr := New(cfg, zap.NewNop())
	t.Cleanup(tr.Close)
	return tr
}

// scripted replays payloads, repeating the last one once exhausted.
type scripted struct {
	mu       sync.Mutex
	payloads []any
	calls    int
}

func (s *scripted) Poll(context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.payloads) {
		i = len(s.payloads) - 1
	}
	s.calls++
	if err, ok := s.payloads[i].(error); ok {
		return nil, err
	}
	return s.payloads[i], nil
}

func waitTerminal(t *testing.T, tr *Tracker, id string) Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, err := tr.GetStatus(id)
		if err != nil {
			t.Fatal(err)
		}
		if op.Status.terminal() {
			return op
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("operation %s never reached a terminal state", id)
	return Operation{}
}

func TestTrack_PlainResultSucceeds(t *testing.T) {
	tr := newTestTracker(t, Config{})
	op := tr.Track(context.Background(), "demo.scale", map[string]any{"replicas": 3})
	if op.Status != Succeeded {
		t.Fatalf("expected succeeded, got %s", op.Status)
	}
	if m := op.Result.(map[string]any); m["replicas"] != 3 {
		t.Fatalf("unexpected result %#v", op.Result)
	}
	if op.CompletedAt == nil || op.Progress == nil || *op.Progress != 1 {
		t.Fatalf("terminal fields not set: %+v", op)
	}
}

func TestTrack_CompleteStatusExtractsResult(t *testing.T) {
	tr := newTestTracker(t, Config{})
	type handle struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	op := tr.Track(context.Background(), "x", handle{Status: "DONE", Result: "ok"})
	if op.Status != Succeeded || op.Result != "ok" {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestTrack_FirstPollSucceededSkipsRunning(t *testing.T) {
	tr := newTestTracker(t, Config{})
	h := &scripted{payloads: []any{map[string]any{"status": "succeeded", "result": "ready"}}}

	op := tr.Track(context.Background(), "demo.scale", h)
	if op.Status != Succeeded || op.Result != "ready" {
		t.Fatalf("unexpected op %+v", op)
	}
	time.Sleep(5 * time.Millisecond)
	h.mu.Lock()
	calls := h.calls
	h.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected a single synchronous poll, got %d", calls)
	}
	if running := tr.List(Running); len(running) != 0 {
		t.Fatalf("operation entered running: %+v", running)
	}
}

func TestTrack_FailedStatus(t *testing.T) {
	tr := newTestTracker(t, Config{})
	op := tr.Track(context.Background(), "x", map[string]any{"status": "error", "error": "disk full"})
	if op.Status != Failed || op.Error == nil || op.Error.Message != "disk full" {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestTrack_NonTerminalWithoutPoller(t *testing.T) {
	tr := newTestTracker(t, Config{})
	op := tr.Track(context.Background(), "x", map[string]any{"status": "running"})
	if op.Status != Failed || op.Error.Type != toolerr.ValidationError {
		t.Fatalf("expected ValidationError failure, got %+v", op)
	}
}

func TestTrack_PollsUntilComplete(t *testing.T) {
	tr := newTestTracker(t, Config{PollInterval: 20 * time.Millisecond})
	p := &scripted{payloads: []any{
		map[string]any{"status": "running", "progress": 0.1},
		map[string]any{"status": "running", "progress": 7},
		map[string]any{"status": "completed", "result": map[string]any{"ready": true}},
	}}

	op := tr.Track(context.Background(), "demo.scale", p)
	if op.Status != Running {
		t.Fatalf("expected running after first observation, got %s", op.Status)
	}
	if op.Progress == nil || *op.Progress != 0.1 {
		t.Fatalf("expected progress 0.1, got %v", op.Progress)
	}

	done := waitTerminal(t, tr, op.ID)
	if done.Status != Succeeded {
		t.Fatalf("expected succeeded, got %+v", done)
	}
	if m := done.Result.(map[string]any); m["ready"] != true {
		t.Fatalf("unexpected result %#v", done.Result)
	}
}

func TestExtractProgress_Clamps(t *testing.T) {
	if p, _ := extractProgress(map[string]any{"percent_complete": 7.0}); p != 1 {
		t.Fatalf("expected clamp to 1, got %v", p)
	}
	if p, _ := extractProgress(map[string]any{"completion": -2.0}); p != 0 {
		t.Fatalf("expected clamp to 0, got %v", p)
	}
	if _, ok := extractProgress(map[string]any{"progress": "half"}); ok {
		t.Fatal("non-numeric progress must be ignored")
	}
}

func TestPollLoop_MaxAttempts(t *testing.T) {
	tr := newTestTracker(t, Config{MaxPollAttempts: 3})
	p := &scripted{payloads: []any{map[string]any{"status": "running"}}}

	op := waitTerminal(t, tr, tr.Track(context.Background(), "x", p).ID)
	if op.Status != Failed || op.Error.Type != toolerr.OperationTimeout {
		t.Fatalf("expected OperationTimeout, got %+v", op)
	}
	if op.Error.Context["attempts"] != 3 {
		t.Fatalf("unexpected attempts %v", op.Error.Context["attempts"])
	}
}

func TestPollLoop_Timeout(t *testing.T) {
	tr := newTestTracker(t, Config{Timeout: 20 * time.Millisecond, MaxPollAttempts: 100000})
	p := &scripted{payloads: []any{map[string]any{"status": "pending"}}}

	op := waitTerminal(t, tr, tr.Track(context.Background(), "x", p).ID)
	if op.Error == nil || op.Error.Type != toolerr.OperationTimeout {
		t.Fatalf("expected OperationTimeout, got %+v", op)
	}
}

func TestPollLoop_PollError(t *testing.T) {
	tr := newTestTracker(t, Config{})
	p := &scripted{payloads: []any{
		map[string]any{"status": "running"},
		errors.New("connection reset"),
	}}

	op := waitTerminal(t, tr, tr.Track(context.Background(), "x", p).ID)
	if op.Error == nil || op.Error.Type != toolerr.ExecutionFailed || op.Error.Message != "poll failed: connection reset" {
		t.Fatalf("unexpected error %+v", op.Error)
	}
}

func TestStart_CallError(t *testing.T) {
	tr := newTestTracker(t, Config{})
	op := tr.Start(context.Background(), "x", func(context.Context) (any, error) {
		return nil, errors.New("denied")
	})
	if op.Status != Failed || op.Error.Message != "denied" {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestCancel(t *testing.T) {
	tr := newTestTracker(t, Config{PollInterval: 50 * time.Millisecond})
	p := &scripted{payloads: []any{map[string]any{"status": "running"}}}
	op := tr.Track(context.Background(), "x", p)

	cancelled, err := tr.Cancel(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != Cancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected op %+v", cancelled)
	}
	if _, err := tr.Cancel(op.ID); !toolerr.Is(err, toolerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	if _, err := tr.Cancel("op_missing"); !toolerr.Is(err, toolerr.OperationNotFound) {
		t.Fatalf("expected OperationNotFound, got %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if got, _ := tr.GetStatus(op.ID); got.Status != Cancelled {
		t.Fatalf("cancelled operation changed state: %s", got.Status)
	}
}

func TestListAndCleanup(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()).UTC() }

	tr := newTestTracker(t, Config{Now: clock, PollInterval: time.Hour})
	tr.Track(context.Background(), "a", "done")
	now.Add(int64(time.Second))
	running := tr.Track(context.Background(), "b", &scripted{payloads: []any{map[string]any{"status": "running"}}})

	if all := tr.List(); len(all) != 2 || all[0].Tool != "a" {
		t.Fatalf("unexpected list %+v", all)
	}
	if r := tr.List(Running); len(r) != 1 || r[0].ID != running.ID {
		t.Fatalf("unexpected running list %+v", r)
	}

	now.Add(int64(2 * time.Hour))
	if n := tr.Cleanup(time.Hour); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := tr.GetStatus(running.ID); err != nil {
		t.Fatalf("running operation must survive cleanup: %v", err)
	}
}

func TestGetStatus_Unknown(t *testing.T) {
	tr := newTestTracker(t, Config{})
	if _, err := tr.GetStatus("op_nope"); !toolerr.Is(err, toolerr.OperationNotFound) {
		t.Fatalf("expected OperationNotFound, got %v", err)
	}
}
