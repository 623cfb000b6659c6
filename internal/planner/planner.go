// Package planner implements the two-step plan/apply protocol that gates
// write operations: a plan records a pending call under a generated id, and
// apply consumes that id exactly once.
package planner

import (
	"context"
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

// Status is the lifecycle state of a plan.
type Status string

const (
	Pending   Status = "pending"
	Applied   Status = "applied"
	Cancelled Status = "cancelled"
	Expired   Status = "expired"
	Failed    Status = "failed"
)

const argSummaryLimit = 80

// Plan is a recorded, not yet executed, write call.
type Plan struct {
	ID          string         `json:"plan_id"`
	ToolName    string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Risk        string         `json:"risk_level"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Status      Status         `json:"status"`
	// Error is set once an apply attempt failed.
	Error    *toolerr.Error `json:"error,omitempty"`
	FailedAt *time.Time     `json:"failed_at,omitempty"`
}

// PlanRequest is the input to Controller.Plan.
type PlanRequest struct {
	ToolName    string
	Args        map[string]any
	Risk        string
	Description string
	// TTL overrides the default time-to-live when positive.
	TTL time.Duration
}

// Preview is the human-reviewable summary of a plan.
type Preview struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	RiskLevel   string         `json:"risk_level"`
	Description string         `json:"description"`
	ArgSummary  string         `json:"arg_summary"`
}

// Ticket is returned by Plan.
type Ticket struct {
	PlanID           string    `json:"plan_id"`
	Preview          Preview   `json:"preview"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Result is returned by a successful Apply.
type Result struct {
	Status     Status         `json:"status"`
	PlanID     string         `json:"plan_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Result     any            `json:"result"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Stats summarizes the controller state.
type Stats struct {
	Active int            `json:"active_plans"`
	Failed int            `json:"failed_plans"`
	ByRisk map[string]int `json:"plans_by_risk"`
}

// Executor runs the planned call.
type Executor func(ctx context.Context, p Plan) (any, error)

// Config configures a Controller.
type Config struct {
	DefaultTTL time.Duration
	// FailedRetention is how long failed plans stay inspectable.
	FailedRetention time.Duration
	Now             func() time.Time
}

// Controller owns every plan. All state lives behind one mutex; expired
// plans are swept lazily at the start of each operation.
type Controller struct {
	mu     sync.Mutex
	live   map[string]*Plan
	failed map[string]*Plan
	cfg    Config
	logger *zap.Logger
}

// New creates a Controller.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 600 * time.Second
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		live:   make(map[string]*Plan),
		failed: make(map[string]*Plan),
		cfg:    cfg,
		logger: logger,
	}
}

// Plan records a pending call. It never invokes the tool.
func (c *Controller) Plan(req PlanRequest) Ticket {
	now := c.cfg.Now()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	desc := req.Description
	if desc == "" {
		desc = "Execute " + req.ToolName
	}
	args := cloneArgs(req.Args)

	p := &Plan{
		ID:          uuid.NewString(),
		ToolName:    req.ToolName,
		Args:        args,
		Risk:        req.Risk,
		Description: desc,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Status:      Pending,
	}

	c.mu.Lock()
	c.sweepLocked(now)
	c.live[p.ID] = p
	pending := len(c.live)
	c.mu.Unlock()

	telemetry.PlanEventsTotal.WithLabelValues("created", p.Risk).Inc()
	telemetry.PlansPending.Set(float64(pending))
	c.logger.Info("plan created",
		zap.String("plan_id", p.ID),
		zap.String("tool", p.ToolName),
		zap.String("risk", p.Risk),
		zap.Duration("ttl", ttl),
	)

	return Ticket{
		PlanID: p.ID,
		Preview: Preview{
			Tool:        p.ToolName,
			Args:        cloneArgs(args),
			RiskLevel:   p.Risk,
			Description: desc,
			ArgSummary:  ArgSummary(args),
		},
		ExpiresInSeconds: int(ttl / time.Second),
		ExpiresAt:        p.ExpiresAt,
	}
}

// Get returns a pending or failed plan without consuming it.
func (c *Controller) Get(id string) (Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.cfg.Now())

	if p, ok := c.live[id]; ok {
		return snapshot(p), nil
	}
	if p, ok := c.failed[id]; ok {
		return snapshot(p), nil
	}
	return Plan{}, notFound(id)
}

// List returns plans matching any of statuses (pending and failed when
// none are given), oldest first.
func (c *Controller) List(statuses ...Status) []Plan {
	want := map[Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	match := func(s Status) bool { return len(want) == 0 || want[s] }

	c.mu.Lock()
	c.sweepLocked(c.cfg.Now())
	out := make([]Plan, 0, len(c.live)+len(c.failed))
	for _, m := range []map[string]*Plan{c.live, c.failed} {
		for _, p := range m {
			if match(p.Status) {
				out = append(out, snapshot(p))
			}
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats reports counts of pending plans by risk, and retained failures.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.cfg.Now())

	s := Stats{
		Active: len(c.live),
		Failed: len(c.failed),
		ByRisk: map[string]int{"low": 0, "medium": 0, "high": 0},
	}
	for _, p := range c.live {
		s.ByRisk[p.Risk]++
	}
	return s
}

// Apply consumes the plan and runs exec. The plan leaves the live store
// before exec starts, so concurrent applies of one id execute at most once.
// On failure the plan is retained as failed and the structured error returned.
func (c *Controller) Apply(ctx context.Context, id string, exec Executor) (*Result, error) {
	now := c.cfg.Now()

	// 1. Atomically check and consume
	c.mu.Lock()
	c.sweepLocked(now)
	p, ok := c.live[id]
	if ok {
		delete(c.live, id)
	}
	pending := len(c.live)
	c.mu.Unlock()

	if !ok {
		return nil, notFound(id)
	}
	telemetry.PlansPending.Set(float64(pending))

	// 2. Execute outside the lock
	plan := snapshot(p)
	value, err := c.run(ctx, exec, plan)
	if err != nil {
		te := toolerr.From(err)
		failedAt := c.cfg.Now()

		c.mu.Lock()
		p.Status = Failed
		p.Error = te
		p.FailedAt = &failedAt
		c.failed[id] = p
		c.mu.Unlock()

		telemetry.PlanEventsTotal.WithLabelValues("failed", p.Risk).Inc()
		c.logger.Warn("plan apply failed",
			zap.String("plan_id", id),
			zap.String("tool", p.ToolName),
			zap.String("error_type", string(te.Type)),
			zap.String("error", te.Message),
		)
		return nil, te.With("plan_id", id)
	}

	telemetry.PlanEventsTotal.WithLabelValues("applied", p.Risk).Inc()
	c.logger.Info("plan applied", zap.String("plan_id", id), zap.String("tool", p.ToolName))
	return &Result{
		Status:     Applied,
		PlanID:     id,
		Tool:       plan.ToolName,
		Args:       plan.Args,
		Result:     value,
		ExecutedAt: c.cfg.Now(),
	}, nil
}

func (c *Controller) run(ctx context.Context, exec Executor, p Plan) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toolerr.New(toolerr.ExecutionFailed, fmt.Sprintf("panic: %v", r), map[string]any{"panic": true})
		}
	}()
	return exec(ctx, p)
}

// Cancel removes a pending plan. Failed plans report PlanAlreadyConsumed;
// unknown and expired ids report PlanNotFound.
func (c *Controller) Cancel(id string) (Plan, error) {
	c.mu.Lock()
	c.sweepLocked(c.cfg.Now())

	if p, ok := c.failed[id]; ok {
		c.mu.Unlock()
		return Plan{}, toolerr.New(toolerr.PlanAlreadyConsumed,
			fmt.Sprintf("plan %s was already applied and is in state %s", id, p.Status),
			map[string]any{"plan_id": id, "status": string(p.Status)})
	}
	p, ok := c.live[id]
	if !ok {
		c.mu.Unlock()
		return Plan{}, notFound(id)
	}
	delete(c.live, id)
	p.Status = Cancelled
	out := snapshot(p)
	pending := len(c.live)
	c.mu.Unlock()

	telemetry.PlanEventsTotal.WithLabelValues("cancelled", p.Risk).Inc()
	telemetry.PlansPending.Set(float64(pending))
	c.logger.Info("plan cancelled", zap.String("plan_id", id))
	return out, nil
}

// sweepLocked drops expired pending plans and failed plans past retention.
func (c *Controller) sweepLocked(now time.Time) {
	for id, p := range c.live {
		if now.After(p.ExpiresAt) {
			p.Status = Expired
			delete(c.live, id)
			telemetry.PlanEventsTotal.WithLabelValues("expired", p.Risk).Inc()
		}
	}
	for id, p := range c.failed {
		if p.FailedAt != nil && now.Sub(*p.FailedAt) > c.cfg.FailedRetention {
			delete(c.failed, id)
		}
	}
}

func notFound(id string) error {
	return toolerr.New(toolerr.PlanNotFound,
		fmt.Sprintf("unknown, expired or already applied plan_id: %s", id),
		map[string]any{"plan_id": id})
}

// ArgSummary renders "k=v" pairs sorted by key, each value cut at 80 characters.
func ArgSummary(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		v := fmt.Sprintf("%#v", args[k])
		if s, ok := args[k].(string); ok {
			v = fmt.Sprintf("%q", s)
		}
		if r := []rune(v); len(r) > argSummaryLimit {
			v = string(r[:argSummaryLimit])
		}
		parts[i] = k + "=" + v
	}
	return strings.Join(parts, ", ")
}

func snapshot(p *Plan) Plan {
	out := *p
	out.Args = cloneArgs(p.Args)
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
