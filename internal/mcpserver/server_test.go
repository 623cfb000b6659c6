package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/schema"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

type stubDispatcher struct {
	tools []schema.ToolSchema
	calls []string
}

func (d *stubDispatcher) Tools() []schema.ToolSchema { return d.tools }

func (d *stubDispatcher) Invoke(_ context.Context, tool string, args map[string]any) (any, error) {
	d.calls = append(d.calls, tool)
	switch tool {
	case "demo.Cluster.list_pods":
		return []any{"web-0", "web-1"}, nil
	case "demo.Cluster.get_pod":
		return map[string]any{"name": args["name"], "ready": true}, nil
	default:
		return nil, toolerr.New(toolerr.ValidationError, "unknown tool: "+tool, map[string]any{"tool": tool})
	}
}

func toolSchema(t *testing.T, name, sig string, cls classify.Classification) schema.ToolSchema {
	t.Helper()
	c := introspect.Synthesize(introspect.Method{Name: name, Signature: sig}, nil, zap.NewNop())
	if c == nil {
		t.Fatalf("bad signature %q", sig)
	}
	return schema.Synthesize("demo."+name, c, cls)
}

func setupTestSession(t *testing.T, d Dispatcher) *mcp.ClientSession {
	t.Helper()

	s := New(Config{Name: "toolplane-test"}, d, zap.NewNop())
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Run(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})
	return session
}

func newStub(t *testing.T) *stubDispatcher {
	return &stubDispatcher{tools: []schema.ToolSchema{
		toolSchema(t, "Cluster.list_pods", "()", classify.Classification{Operation: classify.Read, Risk: classify.Low}),
		toolSchema(t, "Cluster.get_pod", "name: str", classify.Classification{Operation: classify.Read, Risk: classify.Low}),
		toolSchema(t, "Cluster.delete_pod.plan", "name: str", classify.Classification{Operation: classify.Write, Risk: classify.High}),
	}}
}

func TestListTools(t *testing.T) {
	session := setupTestSession(t, newStub(t))

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(res.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(res.Tools))
	}
	byName := map[string]*mcp.Tool{}
	for _, tool := range res.Tools {
		byName[tool.Name] = tool
	}

	get := byName["demo.Cluster.get_pod"]
	if get == nil || get.Annotations == nil || !get.Annotations.ReadOnlyHint {
		t.Fatalf("expected read-only get_pod, got %+v", get)
	}
	input, _ := get.InputSchema.(map[string]any)
	if input["type"] != "object" {
		t.Fatalf("unexpected input schema %v", get.InputSchema)
	}

	del := byName["demo.Cluster.delete_pod.plan"]
	if del == nil || del.Annotations.ReadOnlyHint || del.Annotations.DestructiveHint == nil || !*del.Annotations.DestructiveHint {
		t.Fatalf("expected destructive delete_pod.plan, got %+v", del)
	}
}

func TestCallTool_StructuredObject(t *testing.T) {
	d := newStub(t)
	session := setupTestSession(t, d)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "demo.Cluster.get_pod",
		Arguments: map[string]any{"name": "web-0"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res.Content)
	}
	obj, ok := res.StructuredContent.(map[string]any)
	if !ok || obj["name"] != "web-0" || obj["ready"] != true {
		t.Fatalf("unexpected structured content %#v", res.StructuredContent)
	}
	if len(d.calls) != 1 || d.calls[0] != "demo.Cluster.get_pod" {
		t.Fatalf("unexpected dispatch %v", d.calls)
	}
}

func TestCallTool_ListResultIsTextOnly(t *testing.T) {
	session := setupTestSession(t, newStub(t))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "demo.Cluster.list_pods"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.StructuredContent != nil {
		t.Fatalf("list results carry no structured content, got %#v", res.StructuredContent)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	var pods []string
	if err := json.Unmarshal([]byte(text), &pods); err != nil || len(pods) != 2 {
		t.Fatalf("unexpected text content %q", text)
	}
}

func TestCallTool_ErrorEnvelope(t *testing.T) {
	d := newStub(t)
	d.tools = append(d.tools, toolSchema(t, "Cluster.nope", "()", classify.Classification{Operation: classify.Read, Risk: classify.Low}))
	session := setupTestSession(t, d)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "demo.Cluster.nope"})
	if err != nil {
		t.Fatalf("tool errors must not be protocol errors: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError")
	}
	var env struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Type != "ValidationError" || env.Error.Message != "unknown tool: demo.Cluster.nope" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
