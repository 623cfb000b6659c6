// Package demo provides an in-memory cluster client and the adapter that
// exposes it as tools. It backs local runs and end-to-end tests.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
)

// Deployment is a simulated workload.
type Deployment struct {
	Namespace     string    `json:"namespace"`
	Name          string    `json:"name"`
	Image         string    `json:"image"`
	Replicas      int       `json:"replicas"`
	ReadyReplicas int       `json:"ready_replicas"`
	CreatedAt     time.Time `json:"created_at"`
}

// Cluster is a thread-safe in-memory cluster. Scaling converges one replica
// per poll so callers observe a long-running operation.
type Cluster struct {
	mu          sync.Mutex
	namespaces  map[string]bool
	deployments map[string]*Deployment
	now         func() time.Time
}

// NewCluster creates a cluster with a "default" namespace.
func NewCluster() *Cluster {
	return &Cluster{
		namespaces:  map[string]bool{"default": true},
		deployments: map[string]*Deployment{},
		now:         time.Now,
	}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

type namespaceIn struct {
	Namespace string `json:"namespace,omitempty" default:"default" description:"Namespace to operate in"`
}

type deploymentIn struct {
	Namespace string `json:"namespace,omitempty" default:"default" description:"Namespace to operate in"`
	Name      string `json:"name" description:"Deployment name"`
}

type createDeploymentIn struct {
	Namespace string `json:"namespace,omitempty" default:"default" description:"Namespace to operate in"`
	Name      string `json:"name" description:"Deployment name"`
	Image     string `json:"image" description:"Container image reference"`
	Replicas  int    `json:"replicas,omitempty" default:"1"`
}

type scaleDeploymentIn struct {
	Namespace string `json:"namespace,omitempty" default:"default" description:"Namespace to operate in"`
	Name      string `json:"name" description:"Deployment name"`
	Replicas  int    `json:"replicas" description:"Desired replica count"`
}

// ListDeployments returns the deployments of a namespace sorted by name.
func (c *Cluster) ListDeployments(_ context.Context, in namespaceIn) ([]Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.namespaces[in.Namespace] {
		return nil, fmt.Errorf("namespace %q not found", in.Namespace)
	}
	out := make([]Deployment, 0)
	for _, d := range c.deployments {
		if d.Namespace == in.Namespace {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDeployment returns one deployment.
func (c *Cluster) GetDeployment(_ context.Context, in deploymentIn) (Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deployments[key(in.Namespace, in.Name)]
	if !ok {
		return Deployment{}, fmt.Errorf("deployment %s/%s not found", in.Namespace, in.Name)
	}
	return *d, nil
}

// CreateDeployment adds a deployment whose replicas are ready immediately.
func (c *Cluster) CreateDeployment(_ context.Context, in createDeploymentIn) (Deployment, error) {
	if in.Replicas < 0 {
		return Deployment{}, fmt.Errorf("replicas must be >= 0, got %d", in.Replicas)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.namespaces[in.Namespace] {
		return Deployment{}, fmt.Errorf("namespace %q not found", in.Namespace)
	}
	k := key(in.Namespace, in.Name)
	if _, exists := c.deployments[k]; exists {
		return Deployment{}, fmt.Errorf("deployment %s already exists", k)
	}
	d := &Deployment{
		Namespace:     in.Namespace,
		Name:          in.Name,
		Image:         in.Image,
		Replicas:      in.Replicas,
		ReadyReplicas: in.Replicas,
		CreatedAt:     c.now().UTC(),
	}
	c.deployments[k] = d
	return *d, nil
}

// ScaleDeployment sets the desired replica count and returns a handle that
// reports convergence.
func (c *Cluster) ScaleDeployment(_ context.Context, in scaleDeploymentIn) (lro.PollFunc, error) {
	if in.Replicas < 0 {
		return nil, fmt.Errorf("replicas must be >= 0, got %d", in.Replicas)
	}
	c.mu.Lock()
	d, ok := c.deployments[key(in.Namespace, in.Name)]
	if ok {
		d.Replicas = in.Replicas
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("deployment %s/%s not found", in.Namespace, in.Name)
	}
	return c.rollout(in.Namespace, in.Name), nil
}

// rollout moves ready replicas one step toward the target on every poll.
func (c *Cluster) rollout(namespace, name string) lro.PollFunc {
	return func(context.Context) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		d, ok := c.deployments[key(namespace, name)]
		if !ok {
			return map[string]any{"status": "failed", "error": fmt.Sprintf("deployment %s/%s was deleted", namespace, name)}, nil
		}
		switch {
		case d.ReadyReplicas < d.Replicas:
			d.ReadyReplicas++
		case d.ReadyReplicas > d.Replicas:
			d.ReadyReplicas--
		}
		if d.ReadyReplicas == d.Replicas {
			return map[string]any{"status": "done", "result": *d}, nil
		}
		return map[string]any{"status": "running", "progress": progress(d)}, nil
	}
}

func progress(d *Deployment) float64 {
	if d.Replicas == 0 {
		return 0
	}
	p := float64(d.ReadyReplicas) / float64(d.Replicas)
	if p > 1 {
		return 1
	}
	return p
}

// DeleteDeployment removes a deployment.
func (c *Cluster) DeleteDeployment(_ context.Context, in deploymentIn) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(in.Namespace, in.Name)
	if _, ok := c.deployments[k]; !ok {
		return nil, fmt.Errorf("deployment %s not found", k)
	}
	delete(c.deployments, k)
	return map[string]any{"deleted": k}, nil
}

// CreateNamespace adds an empty namespace.
func (c *Cluster) CreateNamespace(_ context.Context, name string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.namespaces[name] {
		return nil, fmt.Errorf("namespace %q already exists", name)
	}
	c.namespaces[name] = true
	return map[string]any{"created": name}, nil
}

// DeleteNamespace removes a namespace and every deployment in it.
func (c *Cluster) DeleteNamespace(_ context.Context, name string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.namespaces[name] {
		return nil, fmt.Errorf("namespace %q not found", name)
	}
	removed := 0
	for k, d := range c.deployments {
		if d.Namespace == name {
			delete(c.deployments, k)
			removed++
		}
	}
	delete(c.namespaces, name)
	return map[string]any{"deleted": name, "deployments_removed": removed}, nil
}

type listNamespacesIn struct {
	Limit    int    `json:"limit,omitempty" default:"50" description:"Maximum number of namespaces per page"`
	Continue string `json:"continue,omitempty" description:"Continue token from a previous page"`
}

// ListMeta carries the continue token of a partial list.
type ListMeta struct {
	Continue string `json:"continue,omitempty"`
}

// NamespaceList is one page of namespace names.
type NamespaceList struct {
	Items    []string `json:"items"`
	Metadata ListMeta `json:"metadata"`
}

// ListNamespaces returns namespace names in order, limit at a time. The
// continue token is the last name of the previous page.
func (c *Cluster) ListNamespaces(_ context.Context, in listNamespacesIn) (NamespaceList, error) {
	c.mu.Lock()
	names := make([]string, 0, len(c.namespaces))
	for n := range c.namespaces {
		names = append(names, n)
	}
	c.mu.Unlock()
	sort.Strings(names)

	start := sort.SearchStrings(names, in.Continue)
	if in.Continue != "" && start < len(names) && names[start] == in.Continue {
		start++
	}
	out := NamespaceList{Items: names[start:]}
	if in.Limit > 0 && len(out.Items) > in.Limit {
		out.Items = out.Items[:in.Limit]
		out.Metadata.Continue = out.Items[in.Limit-1]
	}
	return out, nil
}

// Logs returns synthetic log lines for a deployment.
func (c *Cluster) Logs(_ context.Context, namespace, name string, tail int) ([]string, error) {
	c.mu.Lock()
	d, ok := c.deployments[key(namespace, name)]
	var snapshot Deployment
	if ok {
		snapshot = *d
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("deployment %s/%s not found", namespace, name)
	}

	lines := make([]string, 0, tail)
	for i := 0; i < tail && i < snapshot.ReadyReplicas*2; i++ {
		lines = append(lines, fmt.Sprintf("%s-%d: started %s", snapshot.Name, i/2, snapshot.Image))
	}
	return lines, nil
}

// Adapter exposes a Cluster under the "demo" source.
type Adapter struct {
	Cluster *Cluster
}

// Source implements registry.Adapter.
func (a Adapter) Source() string { return "demo" }

// Methods implements registry.Adapter. Namespace operations and logs are
// described by textual signatures; deployment operations by reflection.
func (a Adapter) Methods() []introspect.Method {
	c := a.Cluster
	return []introspect.Method{
		{Name: "AppsV1.list_deployments", Func: c.ListDeployments, Doc: "List deployments in a namespace."},
		{Name: "AppsV1.get_deployment", Func: c.GetDeployment, Doc: "Read a deployment."},
		{Name: "AppsV1.create_deployment", Func: c.CreateDeployment, Doc: `Create a deployment.

Args:
    replicas (int): Initial replica count.`},
		{Name: "AppsV1.scale_deployment", Func: c.ScaleDeployment, Doc: "Scale a deployment and wait for the rollout."},
		{Name: "AppsV1.delete_deployment", Func: c.DeleteDeployment, Doc: "Delete a deployment."},
		{Name: "CoreV1.list_namespace", Func: c.ListNamespaces, Doc: "List namespaces."},
		{
			Name:      "CoreV1.create_namespace",
			Signature: "(name: str) -> dict",
			Doc:       "Create a namespace.",
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				return c.CreateNamespace(ctx, fmt.Sprint(args["name"]))
			},
		},
		{
			Name:      "CoreV1.delete_namespace",
			Signature: "(name: str) -> dict",
			Doc:       "Delete a namespace and everything in it.",
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				return c.DeleteNamespace(ctx, fmt.Sprint(args["name"]))
			},
		},
		{
			Name:      "CoreV1.read_namespaced_pod_log",
			Signature: "(namespace: str, name: str, tail_lines: int = 20) -> List[str]",
			Doc: `Read recent log lines of a deployment.

Args:
    name: Deployment name.
    tail_lines: Maximum number of lines to return.`,
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				tail, err := intArg(args["tail_lines"])
				if err != nil {
					return nil, err
				}
				return c.Logs(ctx, fmt.Sprint(args["namespace"]), fmt.Sprint(args["name"]), tail)
			},
		},
	}
}

func intArg(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
