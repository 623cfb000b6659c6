// Package lro tracks long-running operations returned by write tools and
// polls their handles until they reach a terminal state.
package lro

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/telemetry"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

var (
	completeStatuses = []string{"completed", "succeeded", "done", "finished"}
	failedStatuses   = []string{"failed", "error", "cancelled"}
	progressKeys     = []string{"progress", "percent_complete", "completion"}
)

// Poller is a handle to remote work that can report its current state.
type Poller interface {
	Poll(ctx context.Context) (any, error)
}

// PollFunc adapts a function to Poller.
type PollFunc func(ctx context.Context) (any, error)

func (f PollFunc) Poll(ctx context.Context) (any, error) { return f(ctx) }

// Operation is the tracked record of one long-running call.
type Operation struct {
	ID          string         `json:"operation_id"`
	Tool        string         `json:"tool"`
	Status      Status         `json:"status"`
	Progress    *float64       `json:"progress,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       *toolerr.Error `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Config configures a Tracker.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// Timeout bounds the whole poll loop; zero disables it.
	Timeout     time.Duration
	StatusField string
	ResultField string
	ErrorField  string
	Now         func() time.Time
}

// DefaultConfig polls every 2s for up to 300 attempts.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 300,
		StatusField:     "status",
		ResultField:     "result",
		ErrorField:      "error",
	}
}

// Tracker owns operation records and their poll loops.
type Tracker struct {
	mu  sync.Mutex
	ops map[string]*Operation

	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. Zero config fields take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.StatusField == "" {
		cfg.StatusField = def.StatusField
	}
	if cfg.ResultField == "" {
		cfg.ResultField = def.ResultField
	}
	if cfg.ErrorField == "" {
		cfg.ErrorField = def.ErrorField
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		ops:    make(map[string]*Operation),
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start records a pending operation, invokes call once and tracks its result.
func (t *Tracker) Start(ctx context.Context, tool string, call func(context.Context) (any, error)) Operation {
	op := t.create(tool)
	result, err := call(ctx)
	if err != nil {
		t.finish(op.ID, Failed, nil, toolerr.From(err))
		return t.mustGet(op.ID)
	}
	return t.track(ctx, op.ID, result)
}

// Track records result as a new operation. A Poller is observed once
// synchronously; if still in progress the background poll loop takes over.
func (t *Tracker) Track(ctx context.Context, tool string, result any) Operation {
	op := t.create(tool)
	return t.track(ctx, op.ID, result)
}

func (t *Tracker) create(tool string) *Operation {
	op := &Operation{
		ID:        "op_" + uuid.NewString(),
		Tool:      tool,
		Status:    Pending,
		StartedAt: t.cfg.Now(),
	}
	t.mu.Lock()
	t.ops[op.ID] = op
	t.mu.Unlock()
	return op
}

func (t *Tracker) track(ctx context.Context, id string, result any) Operation {
	poller, pollable := result.(Poller)

	payload := result
	if pollable {
		var err error
		payload, err = poller.Poll(ctx)
		if err != nil {
			t.finish(id, Failed, nil, pollError(err))
			return t.mustGet(id)
		}
	}

	if t.observe(id, payload) {
		return t.mustGet(id)
	}

	if !pollable {
		t.finish(id, Failed, nil, toolerr.New(toolerr.ValidationError,
			"operation handle is not pollable",
			map[string]any{"operation_id": id}))
		return t.mustGet(id)
	}

	t.mu.Lock()
	op := t.ops[id]
	if op.Status == Pending {
		op.Status = Running
		telemetry.OperationsActive.Inc()
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pollLoop(id, poller)

	return t.mustGet(id)
}

// observe applies one status payload and reports whether the operation is
// now terminal.
func (t *Tracker) observe(id string, payload any) bool {
	m, hasStatus := t.statusOf(payload)
	if !hasStatus {
		t.finish(id, Succeeded, normalize(payload), nil)
		return true
	}

	status := strings.ToLower(fmt.Sprint(m[t.cfg.StatusField]))
	switch {
	case contains(completeStatuses, status):
		res, ok := m[t.cfg.ResultField]
		if !ok {
			res = m
		}
		t.finish(id, Succeeded, res, nil)
		return true
	case contains(failedStatuses, status):
		msg := fmt.Sprintf("operation %s", status)
		if e, ok := m[t.cfg.ErrorField]; ok && e != nil {
			msg = fmt.Sprint(e)
		}
		t.finish(id, Failed, nil, toolerr.New(toolerr.ExecutionFailed, msg,
			map[string]any{"operation_id": id, "remote_status": status}))
		return true
	}

	if p, ok := extractProgress(m); ok {
		t.mu.Lock()
		if op := t.ops[id]; op != nil && !op.Status.terminal() {
			op.Progress = &p
		}
		t.mu.Unlock()
	}
	return false
}

func (t *Tracker) statusOf(payload any) (map[string]any, bool) {
	m, ok := normalize(payload).(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[t.cfg.StatusField]
	return m, ok && v != nil
}

func (t *Tracker) pollLoop(id string, poller Poller) {
	defer t.wg.Done()

	start := t.cfg.Now()
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= t.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}

		if !t.isRunning(id) {
			return
		}
		if t.cfg.Timeout > 0 && t.cfg.Now().Sub(start) >= t.cfg.Timeout {
			t.timeout(id, attempt-1)
			return
		}

		payload, err := poller.Poll(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.finish(id, Failed, nil, pollError(err))
			return
		}
		if t.observe(id, payload) {
			return
		}
		timer.Reset(t.cfg.PollInterval)
	}
	t.timeout(id, t.cfg.MaxPollAttempts)
}

func (t *Tracker) timeout(id string, attempts int) {
	t.finish(id, Failed, nil, toolerr.New(toolerr.OperationTimeout,
		fmt.Sprintf("operation %s did not complete after %d polls", id, attempts),
		map[string]any{"operation_id": id, "attempts": attempts}))
}

// finish moves a non-terminal operation to a terminal status. Terminal
// records are never changed again.
func (t *Tracker) finish(id string, status Status, result any, err *toolerr.Error) {
	now := t.cfg.Now()

	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok || op.Status.terminal() {
		t.mu.Unlock()
		return
	}
	wasRunning := op.Status == Running
	op.Status = status
	op.Result = result
	op.Error = err
	op.CompletedAt = &now
	if status == Succeeded {
		one := 1.0
		op.Progress = &one
	}
	t.mu.Unlock()

	if wasRunning {
		telemetry.OperationsActive.Dec()
	}
	telemetry.OperationsTotal.WithLabelValues(string(status)).Inc()

	fields := []zap.Field{zap.String("operation_id", id), zap.String("status", string(status))}
	if err != nil {
		t.logger.Warn("operation failed", append(fields, zap.String("error_type", string(err.Type)), zap.String("error", err.Message))...)
		return
	}
	t.logger.Info("operation finished", fields...)
}

func (t *Tracker) isRunning(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	return ok && op.Status == Running
}

// GetStatus returns a snapshot of the operation.
func (t *Tracker) GetStatus(id string) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, toolerr.New(toolerr.OperationNotFound,
			fmt.Sprintf("operation not found: %s", id),
			map[string]any{"operation_id": id})
	}
	return *op, nil
}

func (t *Tracker) mustGet(id string) Operation {
	op, _ := t.GetStatus(id)
	return op
}

// Cancel marks a pending or running operation cancelled. The poll loop
// exits on its next wake.
func (t *Tracker) Cancel(id string) (Operation, error) {
	now := t.cfg.Now()

	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return Operation{}, toolerr.New(toolerr.OperationNotFound,
			fmt.Sprintf("operation not found: %s", id),
			map[string]any{"operation_id": id})
	}
	if op.Status.terminal() {
		status := op.Status
		t.mu.Unlock()
		return Operation{}, toolerr.New(toolerr.InvalidState,
			fmt.Sprintf("operation %s is already %s", id, status),
			map[string]any{"operation_id": id, "status": string(status)})
	}
	wasRunning := op.Status == Running
	op.Status = Cancelled
	op.CompletedAt = &now
	out := *op
	t.mu.Unlock()

	if wasRunning {
		telemetry.OperationsActive.Dec()
	}
	telemetry.OperationsTotal.WithLabelValues(string(Cancelled)).Inc()
	t.logger.Info("operation cancelled", zap.String("operation_id", id))
	return out, nil
}

// List returns operations matching any of statuses (all when none are
// given), oldest first.
func (t *Tracker) List(statuses ...Status) []Operation {
	want := map[Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}

	t.mu.Lock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		if len(want) == 0 || want[op.Status] {
			out = append(out, *op)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cleanup drops terminal operations completed more than maxAge ago and
// returns how many were removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.cfg.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, op := range t.ops {
		if op.Status.terminal() && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			delete(t.ops, id)
			n++
		}
	}
	return n
}

// Close stops every poll loop and waits for them to exit.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func pollError(err error) *toolerr.Error {
	if te := toolerr.From(err); te.Type != toolerr.ExecutionFailed {
		return te
	}
	return toolerr.Wrap(toolerr.ExecutionFailed, fmt.Errorf("poll failed: %w", err), nil)
}

// normalize converts structs and typed maps into plain JSON values.
// Values that cannot be encoded are returned unchanged.
func normalize(v any) any {
	switch v.(type) {
	case nil, map[string]any, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func extractProgress(m map[string]any) (float64, bool) {
	for _, k := range progressKeys {
		var f float64
		switch v := m[k].(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case json.Number:
			n, err := v.Float64()
			if err != nil {
				continue
			}
			f = n
		default:
			continue
		}
		return min(max(f, 0), 1), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
