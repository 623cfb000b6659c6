// Package gateway wraps tool callables with the safety checks every call
// must pass: allow/deny lists, authentication, rate limiting, input
// sanitization, a time bound, a response size bound and auditing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/auth"
	"github.com/triage-ai/palisade/services/toolplane/internal/storage"
	"github.com/triage-ai/palisade/services/toolplane/internal/telemetry"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// Callable is the uniform shape of every invocable tool.
type Callable func(ctx context.Context, args map[string]any) (any, error)

// AnonymousKey is the rate-limit key for calls without a caller identity.
const AnonymousKey = "anonymous"

// Config bounds gated calls. Start from DefaultConfig; zero numeric fields
// are filled with defaults by New, negative rate limits disable that window.
type Config struct {
	// AllowedMethods, when non-empty, lists the only tool names (or path.Match
	// patterns) that may run. DeniedMethods always wins.
	AllowedMethods []string
	DeniedMethods  []string

	RequireAuth bool

	RequestsPerMinute int
	RequestsPerHour   int
	Burst             int

	SanitizeInputs  bool
	MaxStringLength int
	MaxListItems    int

	ExecutionTimeout time.Duration
	MaxResponseBytes int
	MaxResultDepth   int

	AuditCapacity int

	// Now is the clock used by the limiter and audit log.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequireAuth:       true,
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		Burst:             10,
		SanitizeInputs:    true,
		MaxStringLength:   1000,
		MaxListItems:      100,
		ExecutionTimeout:  300 * time.Second,
		MaxResponseBytes:  10 * 1024 * 1024,
		MaxResultDepth:    10,
		AuditCapacity:     1000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = d.RequestsPerMinute
	}
	if c.RequestsPerHour == 0 {
		c.RequestsPerHour = d.RequestsPerHour
	}
	if c.Burst == 0 {
		c.Burst = d.Burst
	}
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = d.MaxStringLength
	}
	if c.MaxListItems <= 0 {
		c.MaxListItems = d.MaxListItems
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	if c.MaxResultDepth <= 0 {
		c.MaxResultDepth = d.MaxResultDepth
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = d.AuditCapacity
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Target describes what a wrapped callable is, for enforcement and audit.
type Target struct {
	Tool      string
	Phase     string // "call", "apply", "meta"
	Operation string
	Risk      string
	PlanID    string
}

// Gateway enforces Config on wrapped callables. It is safe for concurrent use.
type Gateway struct {
	cfg     Config
	limiter *Limiter
	audit   *auditRing
	writer  storage.EventWriter
	logger  *zap.Logger
}

// New creates a Gateway. writer may be nil.
func New(cfg Config, logger *zap.Logger, writer storage.EventWriter) *Gateway {
	cfg.applyDefaults()
	if writer == nil {
		writer = storage.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:     cfg,
		limiter: NewLimiter(cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.Burst, cfg.Now),
		audit:   newAuditRing(cfg.AuditCapacity),
		writer:  writer,
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Wrap gates fn as a direct call of method.
func (g *Gateway) Wrap(fn Callable, method string) Callable {
	return g.WrapTarget(fn, Target{Tool: method, Phase: "call"})
}

// WrapTarget gates fn. Checks run in order and the first failure is
// returned without invoking fn; every attempt is audited.
func (g *Gateway) WrapTarget(fn Callable, target Target) Callable {
	if target.Phase == "" {
		target.Phase = "call"
	}
	return func(ctx context.Context, args map[string]any) (any, error) {
		start := g.cfg.Now()
		caller := callerID(ctx)

		ctx, span := telemetry.Tracer().Start(ctx, target.Tool,
			trace.WithAttributes(telemetry.ToolAttrs(target.Tool, target.Phase, caller)...))
		defer span.End()

		result, err := g.call(ctx, fn, target, caller, args)

		elapsed := g.cfg.Now().Sub(start)
		g.record(target, caller, start, elapsed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(toolerr.TypeOf(err)))
		}
		return result, err
	}
}

func (g *Gateway) call(ctx context.Context, fn Callable, target Target, caller string, args map[string]any) (any, error) {
	// 1. Allow / deny
	if !g.permitted(target.Tool) {
		return nil, toolerr.New(toolerr.MethodNotAllowed,
			fmt.Sprintf("method %s is not allowed", target.Tool),
			map[string]any{"method": target.Tool})
	}

	// 2. Authenticate
	if g.cfg.RequireAuth && caller == "" {
		return nil, toolerr.New(toolerr.AuthenticationRequired,
			fmt.Sprintf("authentication is required to call %s", target.Tool),
			map[string]any{"method": target.Tool})
	}

	// 3. Rate limit
	key := caller
	if key == "" {
		key = AnonymousKey
	}
	if d := g.limiter.Allow(key); !d.Allowed {
		telemetry.RateLimitRejectedTotal.WithLabelValues(d.Window).Inc()
		return nil, toolerr.New(toolerr.RateLimitExceeded,
			fmt.Sprintf("rate limit exceeded (%s window, limit %d)", d.Window, d.Limit),
			map[string]any{
				"window":              d.Window,
				"limit":               d.Limit,
				"retry_after_seconds": d.RetryAfter.Seconds(),
			})
	}

	// 4. Sanitize
	if g.cfg.SanitizeInputs {
		args = SanitizeArgs(args, g.cfg.MaxStringLength, g.cfg.MaxListItems)
	}

	// 5. Execute with timeout
	raw, err := g.execute(ctx, fn, args)
	if err != nil {
		return nil, err
	}

	// 6. Serialize and bound the response
	plain := Serialize(raw, g.cfg.MaxResultDepth)
	encoded, err := json.Marshal(plain)
	if err != nil {
		return nil, toolerr.New(toolerr.ExecutionFailed,
			fmt.Sprintf("result of %s is not serializable: %v", target.Tool, err),
			map[string]any{"method": target.Tool})
	}
	if len(encoded) > g.cfg.MaxResponseBytes {
		return nil, toolerr.New(toolerr.ResponseTooLarge,
			fmt.Sprintf("response of %d bytes exceeds the %d byte limit", len(encoded), g.cfg.MaxResponseBytes),
			map[string]any{"size_bytes": len(encoded), "limit_bytes": g.cfg.MaxResponseBytes})
	}
	return plain, nil
}

type outcome struct {
	value any
	err   error
}

// execute runs fn in its own goroutine so a call that ignores ctx still
// returns at the deadline. Such a goroutine is abandoned.
func (g *Gateway) execute(parent context.Context, fn Callable, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("tool call panicked", zap.Any("panic", r))
				done <- outcome{err: toolerr.New(toolerr.ExecutionFailed,
					fmt.Sprintf("panic: %v", r), map[string]any{"panic": true})}
			}
		}()
		v, err := fn(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, g.timeoutError()
			}
			return nil, toolerr.From(o.err)
		}
		return o.value, nil
	case <-ctx.Done():
		if parent.Err() != nil {
			return nil, toolerr.Wrap(toolerr.ExecutionFailed, parent.Err(), map[string]any{"cancelled": true})
		}
		return nil, g.timeoutError()
	}
}

func (g *Gateway) timeoutError() error {
	return toolerr.New(toolerr.ExecutionTimeout,
		fmt.Sprintf("execution exceeded %s", g.cfg.ExecutionTimeout),
		map[string]any{"timeout_seconds": g.cfg.ExecutionTimeout.Seconds()})
}

func (g *Gateway) permitted(method string) bool {
	if matchAny(g.cfg.DeniedMethods, method) {
		return false
	}
	if len(g.cfg.AllowedMethods) == 0 {
		return true
	}
	return matchAny(g.cfg.AllowedMethods, method)
}

func matchAny(patterns []string, method string) bool {
	for _, p := range patterns {
		if p == method {
			return true
		}
		if ok, err := path.Match(p, method); err == nil && ok {
			return true
		}
	}
	return false
}

func (g *Gateway) record(target Target, caller string, start time.Time, elapsed time.Duration, err error) {
	entry := AuditEntry{
		RequestID:  uuid.NewString(),
		Timestamp:  start,
		Method:     target.Tool,
		Phase:      target.Phase,
		CallerID:   caller,
		Success:    err == nil,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	}
	label := "ok"
	if err != nil {
		te := toolerr.From(err)
		entry.Error = te.Message
		entry.ErrorType = string(te.Type)
		label = entry.ErrorType
	}
	g.audit.add(entry)

	g.writer.Write(&storage.AuditEvent{
		RequestID:    entry.RequestID,
		Timestamp:    entry.Timestamp,
		CallerID:     caller,
		Tool:         target.Tool,
		Phase:        target.Phase,
		Operation:    target.Operation,
		Risk:         target.Risk,
		PlanID:       target.PlanID,
		Success:      entry.Success,
		ErrorType:    entry.ErrorType,
		ErrorMessage: entry.Error,
		DurationMs:   float32(entry.DurationMs),
		Source:       "gateway",
	})

	telemetry.CallsTotal.WithLabelValues(target.Tool, target.Phase, label).Inc()
	telemetry.CallDuration.WithLabelValues(target.Tool, target.Phase).Observe(elapsed.Seconds())

	if err != nil {
		g.logger.Info("tool call rejected or failed",
			zap.String("tool", target.Tool),
			zap.String("phase", target.Phase),
			zap.String("caller_id", caller),
			zap.String("error_type", entry.ErrorType),
			zap.Float64("duration_ms", entry.DurationMs),
		)
	}
}

// AuditLog returns a snapshot of the retained audit entries, oldest first.
func (g *Gateway) AuditLog() []AuditEntry {
	return g.audit.snapshot()
}

func callerID(ctx context.Context) string {
	if sc, ok := auth.FromContext(ctx); ok {
		return sc.CallerID
	}
	return ""
}
