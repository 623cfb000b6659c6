package demo

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
	"github.com/triage-ai/palisade/services/toolplane/internal/planner"
	"github.com/triage-ai/palisade/services/toolplane/internal/registry"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

func newDemoDispatcher(t *testing.T) (*registry.Dispatcher, *Cluster) {
	t.Helper()
	logger := zap.NewNop()
	gw := gateway.New(gateway.Config{RequestsPerMinute: 10000, RequestsPerHour: 100000, Burst: 1000}, logger, nil)
	ops := lro.New(lro.Config{PollInterval: 5 * time.Millisecond, MaxPollAttempts: 100}, logger)
	t.Cleanup(ops.Close)
	d, err := registry.New(registry.Config{}, gw, planner.New(planner.Config{}, logger), ops, logger)
	if err != nil {
		t.Fatal(err)
	}
	cluster := NewCluster()
	n, err := d.Register(context.Background(), Adapter{Cluster: cluster})
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 {
		t.Fatalf("expected 9 methods registered, got %d", n)
	}
	return d, cluster
}

func planAndApply(t *testing.T, d *registry.Dispatcher, tool string, args map[string]any) (any, error) {
	t.Helper()
	out, err := d.Invoke(context.Background(), tool+".plan", args)
	if err != nil {
		t.Fatalf("plan %s: %v", tool, err)
	}
	id := out.(map[string]any)["plan_id"].(string)
	res, err := d.Invoke(context.Background(), tool+".apply", map[string]any{"plan_id": id})
	if err != nil {
		return nil, err
	}
	return res.(*planner.Result).Result, nil
}

func TestAdapter_Classification(t *testing.T) {
	d, _ := newDemoDispatcher(t)

	want := map[string]classify.Risk{
		"demo.AppsV1.list_deployments":        classify.Low,
		"demo.CoreV1.read_namespaced_pod_log": classify.Low,
		"demo.CoreV1.list_namespace":          classify.Low,
		"demo.AppsV1.create_deployment.plan":  classify.Medium,
		"demo.AppsV1.scale_deployment.plan":   classify.Medium,
		"demo.AppsV1.delete_deployment.plan":  classify.High,
		"demo.CoreV1.create_namespace.plan":   classify.High,
		"demo.CoreV1.delete_namespace.plan":   classify.High,
	}
	got := map[string]classify.Risk{}
	for _, ts := range d.Tools() {
		got[ts.Name] = ts.Risk
	}
	for name, risk := range want {
		if got[name] != risk {
			t.Fatalf("%s: expected risk %s, got %q", name, risk, got[name])
		}
	}
	if _, exposed := got["demo.AppsV1.delete_deployment"]; exposed {
		t.Fatal("write tools must only be exposed as plan/apply")
	}
}

func TestAdapter_CreateReadDelete(t *testing.T) {
	d, cluster := newDemoDispatcher(t)
	ctx := context.Background()

	if _, err := planAndApply(t, d, "demo.AppsV1.create_deployment", map[string]any{
		"name": "web", "image": "nginx:1.27", "replicas": 2,
	}); err != nil {
		t.Fatal(err)
	}

	out, err := d.Invoke(ctx, "demo.AppsV1.get_deployment", map[string]any{"name": "web"})
	if err != nil {
		t.Fatal(err)
	}
	dep := out.(map[string]any)
	if dep["namespace"] != "default" || dep["ready_replicas"] != int64(2) {
		t.Fatalf("unexpected deployment %#v", dep)
	}

	logs, err := d.Invoke(ctx, "demo.CoreV1.read_namespaced_pod_log", map[string]any{"namespace": "default", "name": "web"})
	if err != nil {
		t.Fatal(err)
	}
	if lines := logs.([]any); len(lines) != 4 || !strings.HasPrefix(lines[0].(string), "web-0") {
		t.Fatalf("unexpected logs %#v", logs)
	}

	if _, err := planAndApply(t, d, "demo.AppsV1.delete_deployment", map[string]any{"name": "web"}); err != nil {
		t.Fatal(err)
	}
	list, _ := cluster.ListDeployments(ctx, namespaceIn{Namespace: "default"})
	if len(list) != 0 {
		t.Fatalf("expected no deployments, got %+v", list)
	}

	_, err = d.Invoke(ctx, "demo.AppsV1.get_deployment", map[string]any{"name": "web"})
	if !toolerr.Is(err, toolerr.ExecutionFailed) || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found failure, got %v", err)
	}
}

func TestAdapter_ScaleIsTrackedToCompletion(t *testing.T) {
	d, cluster := newDemoDispatcher(t)
	ctx := context.Background()

	if _, err := cluster.CreateDeployment(ctx, createDeploymentIn{Namespace: "default", Name: "api", Image: "api:v1", Replicas: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := planAndApply(t, d, "demo.AppsV1.scale_deployment", map[string]any{"name": "api", "replicas": 4})
	if err != nil {
		t.Fatal(err)
	}
	op := res.(map[string]any)
	opID := op["operation_id"].(string)
	if op["status"] != "running" {
		t.Fatalf("expected running operation, got %#v", op)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		out, err := d.Invoke(ctx, "operations.get", map[string]any{"operation_id": opID})
		if err != nil {
			t.Fatal(err)
		}
		cur := out.(map[string]any)
		if cur["status"] == "succeeded" {
			if cur["result"].(map[string]any)["ready_replicas"] != int64(4) {
				t.Fatalf("unexpected final result %#v", cur["result"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation did not converge: %#v", cur)
		}
		time.Sleep(5 * time.Millisecond)
	}

	dep, _ := cluster.GetDeployment(ctx, deploymentIn{Namespace: "default", Name: "api"})
	if dep.ReadyReplicas != 4 {
		t.Fatalf("expected 4 ready replicas, got %d", dep.ReadyReplicas)
	}
}

func TestAdapter_DeleteNamespaceCascades(t *testing.T) {
	d, cluster := newDemoDispatcher(t)
	ctx := context.Background()

	if _, err := planAndApply(t, d, "demo.CoreV1.create_namespace", map[string]any{"name": "staging"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cluster.CreateDeployment(ctx, createDeploymentIn{Namespace: "staging", Name: "a", Image: "a", Replicas: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := planAndApply(t, d, "demo.CoreV1.delete_namespace", map[string]any{"name": "staging"})
	if err != nil {
		t.Fatal(err)
	}
	if res.(map[string]any)["deployments_removed"] != int64(1) {
		t.Fatalf("unexpected result %#v", res)
	}

	_, err = planAndApply(t, d, "demo.CoreV1.delete_namespace", map[string]any{"name": "staging"})
	if !toolerr.Is(err, toolerr.ExecutionFailed) {
		t.Fatalf("expected ExecutionFailed deleting a missing namespace, got %v", err)
	}
}

func TestAdapter_ListNamespacesFollowsContinue(t *testing.T) {
	d, cluster := newDemoDispatcher(t)
	ctx := context.Background()
	for _, ns := range []string{"apps", "batch", "infra"} {
		if _, err := cluster.CreateNamespace(ctx, ns); err != nil {
			t.Fatal(err)
		}
	}

	out, err := d.Invoke(ctx, "demo.CoreV1.list_namespace", map[string]any{"limit": 2})
	if err != nil {
		t.Fatal(err)
	}
	page := out.(map[string]any)
	if token := page["metadata"].(map[string]any)["continue"]; token != "batch" {
		t.Fatalf("expected continue token after the first page, got %#v", page)
	}

	out, err = d.Invoke(ctx, "demo.CoreV1.list_namespace", map[string]any{"limit": 2, "max_pages": 5})
	if err != nil {
		t.Fatal(err)
	}
	set := out.(map[string]any)
	items := set["items"].([]any)
	want := []string{"apps", "batch", "default", "infra"}
	if len(items) != len(want) {
		t.Fatalf("expected %v, got %#v", want, items)
	}
	for i, name := range want {
		if items[i] != name {
			t.Fatalf("expected %v, got %#v", want, items)
		}
	}
	if set["pages"] != int64(2) || set["has_more"] != false {
		t.Fatalf("unexpected page set %#v", set)
	}
}

func TestRollout_ScaleDown(t *testing.T) {
	cluster := NewCluster()
	ctx := context.Background()
	if _, err := cluster.CreateDeployment(ctx, createDeploymentIn{Namespace: "default", Name: "w", Image: "w", Replicas: 3}); err != nil {
		t.Fatal(err)
	}
	poll, err := cluster.ScaleDeployment(ctx, scaleDeploymentIn{Namespace: "default", Name: "w", Replicas: 1})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := poll(ctx)
	if first.(map[string]any)["status"] != "running" {
		t.Fatalf("expected running after first step, got %#v", first)
	}
	second, _ := poll(ctx)
	if second.(map[string]any)["status"] != "done" {
		t.Fatalf("expected done after second step, got %#v", second)
	}

	if _, err := cluster.DeleteDeployment(ctx, deploymentIn{Namespace: "default", Name: "w"}); err != nil {
		t.Fatal(err)
	}
	gone, _ := poll(ctx)
	if gone.(map[string]any)["status"] != "failed" {
		t.Fatalf("expected failed after deletion, got %#v", gone)
	}
}
