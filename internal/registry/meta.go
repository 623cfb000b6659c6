package registry

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
	"github.com/triage-ai/palisade/services/toolplane/internal/planner"
	"github.com/triage-ai/palisade/services/toolplane/internal/schema"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

const batchTool = "tools.batch"

// MaxBatchCalls bounds the number of calls in one tools.batch request.
const MaxBatchCalls = 25

// metaTool is a built-in tool over the planner, tracker or audit log.
type metaTool struct {
	schema    schema.ToolSchema
	contract  *introspect.MethodContract
	validator *schema.Validator
	call      introspect.Invoker
}

type planIDArgs struct {
	PlanID string `json:"plan_id" description:"Plan identifier returned by a .plan tool"`
}

type planListArgs struct {
	Status string `json:"status,omitempty" enum:"pending,failed" description:"Only list plans in this state"`
}

type operationIDArgs struct {
	OperationID string `json:"operation_id" description:"Operation identifier returned by an .apply tool"`
}

type operationListArgs struct {
	Status string `json:"status,omitempty" enum:"pending,running,succeeded,failed,cancelled" description:"Only list operations in this state"`
}

type auditLogArgs struct {
	Limit int `json:"limit" default:"100" description:"Maximum number of most recent entries to return"`
}

type batchCall struct {
	Tool      string         `json:"tool" description:"Exposed tool name, e.g. a read tool or a .plan/.apply tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type batchArgs struct {
	Calls       []batchCall `json:"calls" description:"Calls to run in order"`
	StopOnError bool        `json:"stop_on_error,omitempty" description:"Skip the remaining calls after the first failure"`
}

// BatchItem is the outcome of one call in a batch.
type BatchItem struct {
	Tool    string         `json:"tool"`
	Result  any            `json:"result,omitempty"`
	Error   *toolerr.Error `json:"error,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// BatchReport is returned by tools.batch, one item per requested call.
type BatchReport struct {
	Results   []BatchItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
}

type planListing struct {
	Plans []planner.Plan `json:"plans"`
	Stats planner.Stats  `json:"stats"`
}

func (d *Dispatcher) buildMetaTools() (map[string]*metaTool, error) {
	defs := []struct {
		name string
		doc  string
		op   classify.Operation
		fn   any
	}{
		{"plans.list", "List pending and failed plans with summary counts.", classify.Read, d.listPlans},
		{"plans.get", "Show one pending or failed plan.", classify.Read, d.getPlan},
		{"plans.cancel", "Cancel a pending plan so it can no longer be applied.", classify.Write, d.cancelPlan},
		{"operations.get", "Show the status of a long-running operation.", classify.Read, d.getOperation},
		{"operations.list", "List tracked long-running operations.", classify.Read, d.listOperations},
		{"operations.cancel", "Stop tracking a pending or running operation.", classify.Write, d.cancelOperation},
		{"audit.log", "Return recent gateway audit entries, oldest first.", classify.Read, d.auditLog},
		{batchTool, "Run several tool calls in order. Every call is checked like a direct call; write tools still go through .plan and .apply.", classify.Write, d.runBatch},
	}

	out := make(map[string]*metaTool, len(defs))
	for _, def := range defs {
		m := introspect.Method{Name: def.name, Doc: def.doc, Func: def.fn}
		c := introspect.Synthesize(m, introspect.ReflectDescriber{}, d.logger)
		if c == nil {
			return nil, fmt.Errorf("buildMetaTools: %s: not describable", def.name)
		}
		call, err := introspect.Bind(m, c)
		if err != nil {
			return nil, fmt.Errorf("buildMetaTools: %w", err)
		}
		ts := schema.ToolSchema{
			Name:        def.name,
			Description: c.Description,
			InputSchema: schema.InputSchema(c),
			Operation:   def.op,
			Risk:        classify.Low,
		}
		v, err := schema.Compile(ts)
		if err != nil {
			return nil, fmt.Errorf("buildMetaTools: %w", err)
		}
		out[def.name] = &metaTool{schema: ts, contract: c, validator: v, call: call}
	}
	return out, nil
}

func (d *Dispatcher) invokeMeta(ctx context.Context, m *metaTool, args map[string]any) (any, error) {
	if err := m.validator.Validate(args); err != nil {
		return nil, err
	}
	fn := d.gw.WrapTarget(d.adapt(m.schema.Name, m.call), gateway.Target{
		Tool:      m.schema.Name,
		Phase:     "meta",
		Operation: string(m.schema.Operation),
		Risk:      string(m.schema.Risk),
	})
	return fn(ctx, schema.ApplyDefaults(m.contract, args))
}

func (d *Dispatcher) listPlans(in planListArgs) planListing {
	var statuses []planner.Status
	if in.Status != "" {
		statuses = append(statuses, planner.Status(in.Status))
	}
	return planListing{Plans: d.plans.List(statuses...), Stats: d.plans.Stats()}
}

func (d *Dispatcher) getPlan(in planIDArgs) (planner.Plan, error) {
	return d.plans.Get(in.PlanID)
}

func (d *Dispatcher) cancelPlan(in planIDArgs) (planner.Plan, error) {
	return d.plans.Cancel(in.PlanID)
}

func (d *Dispatcher) getOperation(in operationIDArgs) (lro.Operation, error) {
	return d.ops.GetStatus(in.OperationID)
}

func (d *Dispatcher) listOperations(in operationListArgs) []lro.Operation {
	var statuses []lro.Status
	if in.Status != "" {
		statuses = append(statuses, lro.Status(in.Status))
	}
	return d.ops.List(statuses...)
}

func (d *Dispatcher) cancelOperation(in operationIDArgs) (lro.Operation, error) {
	return d.ops.Cancel(in.OperationID)
}

func (d *Dispatcher) auditLog(in auditLogArgs) []gateway.AuditEntry {
	entries := d.gw.AuditLog()
	if in.Limit > 0 && len(entries) > in.Limit {
		entries = entries[len(entries)-in.Limit:]
	}
	return entries
}

// runBatch dispatches each call through Invoke. A failed call does not undo
// the calls before it.
func (d *Dispatcher) runBatch(ctx context.Context, in batchArgs) (BatchReport, error) {
	if len(in.Calls) == 0 {
		return BatchReport{}, toolerr.New(toolerr.ValidationError, "batch has no calls", nil)
	}
	if len(in.Calls) > MaxBatchCalls {
		return BatchReport{}, toolerr.New(toolerr.ValidationError,
			fmt.Sprintf("batch has %d calls, the limit is %d", len(in.Calls), MaxBatchCalls),
			map[string]any{"calls": len(in.Calls), "limit": MaxBatchCalls})
	}

	report := BatchReport{Results: make([]BatchItem, 0, len(in.Calls))}
	for i, c := range in.Calls {
		item := BatchItem{Tool: c.Tool}
		switch {
		case in.StopOnError && report.Failed > 0:
			item.Skipped = true
		case c.Tool == batchTool:
			item.Error = toolerr.New(toolerr.ValidationError,
				batchTool+" cannot be nested", map[string]any{"index": i})
		default:
			out, err := d.Invoke(ctx, c.Tool, c.Arguments)
			if err != nil {
				item.Error = toolerr.From(err).With("index", i)
			} else {
				item.Result = out
			}
		}

		switch {
		case item.Skipped:
			report.Skipped++
		case item.Error != nil:
			report.Failed++
		default:
			report.Succeeded++
		}
		report.Results = append(report.Results, item)
	}
	return report, nil
}
