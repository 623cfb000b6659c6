// Package registry holds the tools registered from adapters and dispatches
// calls to them through the gateway, planner and LRO tracker.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/auth"
	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
	"github.com/triage-ai/palisade/services/toolplane/internal/planner"
	"github.com/triage-ai/palisade/services/toolplane/internal/schema"
	"github.com/triage-ai/palisade/services/toolplane/internal/telemetry"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

const (
	planSuffix  = ".plan"
	applySuffix = ".apply"

	planDescriptionArg = "description"
	planTTLArg         = "ttl_seconds"
)

// Adapter exposes the methods of one client library. An Adapter may also
// implement introspect.Describer to supply its own contracts.
type Adapter interface {
	Source() string
	Methods() []introspect.Method
}

// Config configures a Dispatcher.
type Config struct {
	// Classifier defaults to classify.Default().
	Classifier *classify.Classifier
	// StrictUnclassified hides methods no classifier rule recognized, unless
	// a policy sets AllowUnclassified.
	StrictUnclassified bool
	// Policies is optional.
	Policies PolicyStore
}

type entry struct {
	name      string
	source    string
	contract  *introspect.MethodContract
	class     classify.Classification
	schema    schema.ToolSchema
	validator *schema.Validator
	call      introspect.Invoker
	// paging is set for read tools that take a page number or cursor.
	paging *pageSpec

	// write tools only
	planSchema     schema.ToolSchema
	planExtras     map[string]bool
	planValidator  *schema.Validator
	applySchema    schema.ToolSchema
	applyValidator *schema.Validator
}

// Dispatcher is the arena of registered tools keyed by exposed name.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]*entry
	meta    map[string]*metaTool

	cfg    Config
	gw     *gateway.Gateway
	plans  *planner.Controller
	ops    *lro.Tracker
	logger *zap.Logger
}

// New creates a Dispatcher with the meta tools registered.
func New(cfg Config, gw *gateway.Gateway, plans *planner.Controller, ops *lro.Tracker, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.Classifier == nil {
		cfg.Classifier = classify.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		entries: make(map[string]*entry),
		cfg:     cfg,
		gw:      gw,
		plans:   plans,
		ops:     ops,
		logger:  logger,
	}
	meta, err := d.buildMetaTools()
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	d.meta = meta
	return d, nil
}

// Register describes, classifies and stores every method of a. Methods that
// cannot be described or are hidden by policy are logged and skipped. A name
// collision rejects the whole adapter. Returns the number of tools added.
func (d *Dispatcher) Register(ctx context.Context, a Adapter) (int, error) {
	source := a.Source()
	describer, _ := a.(introspect.Describer)

	var added []*entry
	seen := map[string]bool{}
	for _, m := range a.Methods() {
		e, err := d.buildEntry(ctx, source, m, describer)
		if err != nil {
			return 0, fmt.Errorf("Register: %s: %w", source, err)
		}
		if e == nil {
			continue
		}
		if seen[e.name] {
			return 0, fmt.Errorf("Register: %s: duplicate tool name %q", source, e.name)
		}
		seen[e.name] = true
		added = append(added, e)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range added {
		if _, dup := d.entries[e.name]; dup {
			return 0, fmt.Errorf("Register: %s: tool %q is already registered", source, e.name)
		}
		if _, dup := d.meta[e.name]; dup {
			return 0, fmt.Errorf("Register: %s: tool %q collides with a built-in tool", source, e.name)
		}
	}
	for _, e := range added {
		d.entries[e.name] = e
		telemetry.ToolsRegistered.WithLabelValues(string(e.class.Operation)).Inc()
	}

	d.logger.Info("adapter registered",
		zap.String("source", source),
		zap.Int("tools", len(added)),
	)
	return len(added), nil
}

// buildEntry returns nil, nil for methods that are skipped.
func (d *Dispatcher) buildEntry(ctx context.Context, source string, m introspect.Method, describer introspect.Describer) (*entry, error) {
	name := introspect.ToolName(source, m.Name)
	log := d.logger.With(zap.String("tool", name))

	// 1. Describe
	c := introspect.Synthesize(m, describer, log)
	if c == nil {
		return nil, nil
	}

	// 2. Classify, then fold in any policy override
	cls := d.cfg.Classifier.Classify(m.Name)
	policy, err := d.policy(ctx, name)
	if err != nil {
		log.Warn("policy lookup failed, using classifier defaults", zap.Error(err))
	}
	if policy != nil && !policy.Enabled {
		log.Info("tool disabled by policy, skipping")
		return nil, nil
	}
	if !cls.Matched && d.cfg.StrictUnclassified && (policy == nil || !policy.AllowUnclassified) {
		log.Info("unclassified method hidden in strict mode")
		return nil, nil
	}
	cls = policy.apply(cls)
	if policy != nil && policy.Description != "" {
		cc := *c
		cc.Description = policy.Description
		c = &cc
	}

	// 3. Schema and validator
	e := &entry{
		name:     name,
		source:   source,
		contract: c,
		class:    cls,
		schema:   schema.Synthesize(name, c, cls),
	}
	if cls.Operation == classify.Read {
		if e.paging = pagingFor(c); e.paging != nil {
			e.schema.InputSchema = withMaxPages(e.schema.InputSchema)
		}
	}
	if e.validator, err = schema.Compile(e.schema); err != nil {
		log.Warn("schema does not compile, skipping", zap.Error(err))
		return nil, nil
	}
	if cls.Operation == classify.Write {
		if err := d.buildWriteSurface(e); err != nil {
			log.Warn("plan schema does not compile, skipping", zap.Error(err))
			return nil, nil
		}
	}

	// 4. Bind
	if e.call, err = introspect.Bind(m, c); err != nil {
		log.Warn("method cannot be bound, skipping", zap.Error(err))
		return nil, nil
	}
	return e, nil
}

func (d *Dispatcher) policy(ctx context.Context, name string) (*ToolPolicy, error) {
	if d.cfg.Policies == nil {
		return nil, nil
	}
	return d.cfg.Policies.GetPolicy(ctx, name)
}

// buildWriteSurface derives the .plan and .apply tools for a write entry.
func (d *Dispatcher) buildWriteSurface(e *entry) error {
	base := e.schema.InputSchema
	plan := *base
	plan.Properties = make(map[string]*jsonschema.Schema, len(base.Properties)+2)
	for k, v := range base.Properties {
		plan.Properties[k] = v
	}
	plan.PropertyOrder = append([]string(nil), base.PropertyOrder...)

	e.planExtras = map[string]bool{}
	if _, taken := plan.Properties[planDescriptionArg]; !taken {
		plan.Properties[planDescriptionArg] = &jsonschema.Schema{
			Type:        "string",
			Description: "Human-readable summary shown in the plan preview",
		}
		plan.PropertyOrder = append(plan.PropertyOrder, planDescriptionArg)
		e.planExtras[planDescriptionArg] = true
	}
	if _, taken := plan.Properties[planTTLArg]; !taken {
		minTTL := 1.0
		plan.Properties[planTTLArg] = &jsonschema.Schema{
			Type:        "integer",
			Minimum:     &minTTL,
			Description: "Seconds until the plan expires",
		}
		plan.PropertyOrder = append(plan.PropertyOrder, planTTLArg)
		e.planExtras[planTTLArg] = true
	}

	e.planSchema = schema.ToolSchema{
		Name:        e.name + planSuffix,
		Description: fmt.Sprintf("Plan %s without executing it. Returns a plan_id to pass to %s%s. %s", e.name, e.name, applySuffix, e.schema.Description),
		InputSchema: &plan,
		Operation:   e.class.Operation,
		Risk:        e.class.Risk,
	}
	e.applySchema = schema.ToolSchema{
		Name:        e.name + applySuffix,
		Description: fmt.Sprintf("Execute a plan created by %s%s. Plans are single-use and expire.", e.name, planSuffix),
		InputSchema: planIDSchema("Plan identifier returned by " + e.name + planSuffix),
		Operation:   e.class.Operation,
		Risk:        e.class.Risk,
	}

	var err error
	if e.planValidator, err = schema.Compile(e.planSchema); err != nil {
		return err
	}
	e.applyValidator, err = schema.Compile(e.applySchema)
	return err
}

func planIDSchema(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"plan_id": {Type: "string", Description: desc},
		},
		Required:             []string{"plan_id"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// Tools lists the exposed tool surface sorted by name, built-in tools last.
// Write tools appear only as their .plan and .apply pair.
func (d *Dispatcher) Tools() []schema.ToolSchema {
	d.mu.RLock()
	out := make([]schema.ToolSchema, 0, len(d.entries)*2+len(d.meta))
	for _, e := range d.entries {
		if e.class.Operation == classify.Write {
			out = append(out, e.planSchema, e.applySchema)
			continue
		}
		out = append(out, e.schema)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	meta := make([]schema.ToolSchema, 0, len(d.meta))
	for _, m := range d.meta {
		meta = append(meta, m.schema)
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i].Name < meta[j].Name })
	return append(out, meta...)
}

// Invoke dispatches one call by exposed tool name.
func (d *Dispatcher) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if m, ok := d.meta[tool]; ok {
		return d.invokeMeta(ctx, m, args)
	}

	if e, ok := d.lookup(tool); ok {
		if e.class.Operation == classify.Write {
			return nil, toolerr.New(toolerr.ValidationError,
				fmt.Sprintf("%s is a write operation: call %s%s, then %s%s", tool, tool, planSuffix, tool, applySuffix),
				map[string]any{"tool": tool})
		}
		return d.callRead(ctx, e, args)
	}

	if base, ok := strings.CutSuffix(tool, planSuffix); ok {
		if e, ok := d.lookup(base); ok && e.class.Operation == classify.Write {
			return d.plan(ctx, e, args)
		}
	}
	if base, ok := strings.CutSuffix(tool, applySuffix); ok {
		if e, ok := d.lookup(base); ok && e.class.Operation == classify.Write {
			return d.apply(ctx, e, args)
		}
	}

	return nil, toolerr.New(toolerr.ValidationError,
		fmt.Sprintf("unknown tool: %s", tool),
		map[string]any{"tool": tool})
}

func (d *Dispatcher) lookup(name string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	return e, ok
}

func (d *Dispatcher) callRead(ctx context.Context, e *entry, args map[string]any) (any, error) {
	if err := d.checkPolicy(ctx, e); err != nil {
		return nil, err
	}
	if err := e.validator.Validate(args); err != nil {
		return nil, err
	}
	call := d.bound(e)
	if e.paging != nil {
		pages, rest, err := pagesArg(args)
		if err != nil {
			return nil, err
		}
		if pages > 0 {
			call, args = d.paginated(e, pages), rest
		}
	}
	fn := d.gw.WrapTarget(call, d.target(e, "call", ""))
	return fn(ctx, schema.ApplyDefaults(e.contract, args))
}

func (d *Dispatcher) plan(ctx context.Context, e *entry, args map[string]any) (any, error) {
	if err := d.checkPolicy(ctx, e); err != nil {
		return nil, err
	}
	if err := e.planValidator.Validate(args); err != nil {
		return nil, err
	}

	fn := d.gw.WrapTarget(func(_ context.Context, args map[string]any) (any, error) {
		return d.plans.Plan(d.planRequest(e, args)), nil
	}, d.target(e, "plan", ""))
	return fn(ctx, args)
}

// planRequest splits the plan-only arguments from the call arguments.
func (d *Dispatcher) planRequest(e *entry, args map[string]any) planner.PlanRequest {
	req := planner.PlanRequest{ToolName: e.name, Risk: string(e.class.Risk)}
	callArgs := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case e.planExtras[k] && k == planDescriptionArg:
			req.Description, _ = v.(string)
		case e.planExtras[k] && k == planTTLArg:
			req.TTL = seconds(v)
		default:
			callArgs[k] = v
		}
	}
	req.Args = schema.ApplyDefaults(e.contract, callArgs)
	return req
}

func (d *Dispatcher) apply(ctx context.Context, e *entry, args map[string]any) (any, error) {
	if err := d.checkPolicy(ctx, e); err != nil {
		return nil, err
	}
	if err := e.applyValidator.Validate(args); err != nil {
		return nil, err
	}
	id, _ := args["plan_id"].(string)

	// A plan only applies through the tool that created it.
	p, err := d.plans.Get(id)
	if err != nil {
		return nil, err
	}
	if p.ToolName != e.name {
		return nil, toolerr.New(toolerr.ValidationError,
			fmt.Sprintf("plan %s belongs to %s, not %s", id, p.ToolName, e.name),
			map[string]any{"plan_id": id, "tool": e.name, "plan_tool": p.ToolName})
	}

	return d.plans.Apply(ctx, id, func(ctx context.Context, p planner.Plan) (any, error) {
		fn := d.gw.WrapTarget(d.bound(e), d.target(e, "apply", p.ID))
		return fn(ctx, p.Args)
	})
}

func (d *Dispatcher) bound(e *entry) gateway.Callable {
	return d.adapt(e.name, e.call)
}

// adapt turns an invoker into a gateway callable. Decode failures surface
// as validation errors and pollable results are handed to the tracker.
func (d *Dispatcher) adapt(name string, call introspect.Invoker) gateway.Callable {
	return func(ctx context.Context, args map[string]any) (any, error) {
		out, err := call(ctx, args)
		if err != nil {
			if errors.Is(err, introspect.ErrDecode) {
				return nil, toolerr.Wrap(toolerr.ValidationError, err, map[string]any{"tool": name})
			}
			return nil, err
		}
		if p, ok := out.(lro.Poller); ok {
			return d.ops.Track(ctx, name, p), nil
		}
		return out, nil
	}
}

func (d *Dispatcher) target(e *entry, phase, planID string) gateway.Target {
	return gateway.Target{
		Tool:      e.name,
		Phase:     phase,
		Operation: string(e.class.Operation),
		Risk:      string(e.class.Risk),
		PlanID:    planID,
	}
}

// checkPolicy enforces call-time policy. Store failures are logged and the
// call proceeds on the registration-time decision.
func (d *Dispatcher) checkPolicy(ctx context.Context, e *entry) error {
	p, err := d.policy(ctx, e.name)
	if err != nil {
		d.logger.Warn("policy lookup failed", zap.String("tool", e.name), zap.Error(err))
		return nil
	}
	if p == nil {
		return nil
	}
	if !p.Enabled {
		return toolerr.New(toolerr.MethodNotAllowed,
			fmt.Sprintf("tool %s is disabled by policy", e.name),
			map[string]any{"method": e.name})
	}
	if sc, ok := auth.FromContext(ctx); ok && p.denies(sc.CallerID) {
		return toolerr.New(toolerr.MethodNotAllowed,
			fmt.Sprintf("caller %s may not call %s", sc.CallerID, e.name),
			map[string]any{"method": e.name, "caller_id": sc.CallerID})
	}
	return nil
}

func seconds(v any) time.Duration {
	var n float64
	switch x := v.(type) {
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case float64:
		n = x
	case json.Number:
		n, _ = x.Float64()
	}
	return time.Duration(n * float64(time.Second))
}
