package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

func contract(t *testing.T, sig string) *introspect.MethodContract {
	t.Helper()
	c := introspect.Synthesize(introspect.Method{Name: "Repo.list_issues", Signature: sig, Doc: "List issues."}, nil, zap.NewNop())
	if c == nil {
		t.Fatalf("could not describe %q", sig)
	}
	return c
}

var readLow = classify.Classification{Operation: classify.Read, Risk: classify.Low, Matched: true}

func TestSynthesize_RequiredAndDefaults(t *testing.T) {
	ts := Synthesize("gh.Repo.list_issues", contract(t, "name: str, page: int = 1"), readLow)

	if ts.Description != "List issues. [Read operation, Risk: low]" {
		t.Fatalf("unexpected description %q", ts.Description)
	}
	s := ts.InputSchema
	if s.Type != "object" {
		t.Fatalf("expected object, got %q", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "name" {
		t.Fatalf("expected required [name], got %v", s.Required)
	}
	if s.Properties["name"].Type != "string" {
		t.Fatalf("expected name:string, got %q", s.Properties["name"].Type)
	}
	page := s.Properties["page"]
	if page.Type != "integer" || string(page.Default) != "1" {
		t.Fatalf("unexpected page schema: type=%q default=%s", page.Type, page.Default)
	}
	if page.Description != "Parameter page (integer)" {
		t.Fatalf("unexpected page description %q", page.Description)
	}
}

func TestSynthesize_WriteSuffix(t *testing.T) {
	cls := classify.Classification{Operation: classify.Write, Risk: classify.High, Matched: true}
	ts := Synthesize("k8s.delete_namespaced_pod", contract(t, "name: str, namespace: str"), cls)
	if !strings.HasSuffix(ts.Description, "[Write operation, Risk: high] - Use .plan first, then .apply") {
		t.Fatalf("unexpected description %q", ts.Description)
	}
	if ts.Operation != classify.Write || ts.Risk != classify.High {
		t.Fatalf("classification not carried: %+v", ts)
	}
}

func TestInputSchema_Rendering(t *testing.T) {
	c := contract(t, "labels: Dict[str, List[int]], mode: Literal['fast', 'slow'] = 'fast', note: Optional[str] = None, value: int | str, **kwargs")
	m, err := Map(InputSchema(c))
	if err != nil {
		t.Fatal(err)
	}
	props := m["properties"].(map[string]any)

	labels := props["labels"].(map[string]any)
	if labels["type"] != "object" {
		t.Fatalf("unexpected labels %v", labels)
	}
	inner := labels["additionalProperties"].(map[string]any)
	if inner["type"] != "array" || inner["items"].(map[string]any)["type"] != "integer" {
		t.Fatalf("unexpected labels values %v", inner)
	}

	mode := props["mode"].(map[string]any)
	if mode["type"] != "string" || len(mode["enum"].([]any)) != 2 || mode["default"] != "fast" {
		t.Fatalf("unexpected mode %v", mode)
	}

	note := props["note"].(map[string]any)
	types, ok := note["type"].([]any)
	if !ok || len(types) != 2 || types[0] != "string" || types[1] != "null" {
		t.Fatalf("expected [string null], got %v", note["type"])
	}
	if v, ok := note["default"]; !ok || v != nil {
		t.Fatalf("expected null default, got %v", note)
	}

	value := props["value"].(map[string]any)
	if len(value["anyOf"].([]any)) != 2 {
		t.Fatalf("expected two anyOf members, got %v", value)
	}

	if _, closed := m["additionalProperties"]; closed {
		t.Fatal("variadic parameter must leave the object open")
	}
	for _, r := range m["required"].([]any) {
		if r == "kwargs" {
			t.Fatal("variadic parameter must not be required")
		}
	}
}

func TestValidator(t *testing.T) {
	ts := Synthesize("gh.Repo.list_issues", contract(t, "name: str, page: int = 1, state: Literal['open', 'closed'] = 'open'"), readLow)
	v, err := Compile(ts)
	if err != nil {
		t.Fatal(err)
	}

	valid := []map[string]any{
		{"name": "octo"},
		{"name": "octo", "page": 2},
		{"name": "octo", "page": float64(3), "state": "closed"},
	}
	for _, args := range valid {
		if err := v.Validate(args); err != nil {
			t.Fatalf("expected %v to validate, got %v", args, err)
		}
	}

	invalid := []map[string]any{
		{},
		{"name": 5},
		{"name": "octo", "page": "two"},
		{"name": "octo", "page": 1.5},
		{"name": "octo", "state": "merged"},
		{"name": "octo", "unexpected": true},
	}
	for _, args := range invalid {
		err := v.Validate(args)
		if !toolerr.Is(err, toolerr.ValidationError) {
			t.Fatalf("expected ValidationError for %v, got %v", args, err)
		}
		violations, _ := toolerr.From(err).Context["violations"].([]string)
		if len(violations) == 0 {
			t.Fatalf("expected violations for %v", args)
		}
	}
}

func TestValidator_NilArgsMeansEmptyObject(t *testing.T) {
	ts := Synthesize("x.ping", &introspect.MethodContract{Name: "ping", Parameters: map[string]introspect.ParamSpec{}}, readLow)
	v, err := Compile(ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(nil); err != nil {
		t.Fatalf("expected nil args to validate, got %v", err)
	}
}

func TestValidator_UnencodableArgs(t *testing.T) {
	ts := Synthesize("x.ping", contract(t, "**kwargs"), readLow)
	v, err := Compile(ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(map[string]any{"ch": make(chan int)}); !toolerr.Is(err, toolerr.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	c := contract(t, "name: str, page: int = 1, note: Optional[str] = None, **kwargs")
	in := map[string]any{"name": "octo"}
	out := ApplyDefaults(c, in)

	if out["page"] != int64(1) {
		t.Fatalf("expected page default, got %#v", out["page"])
	}
	if _, ok := out["note"]; ok {
		t.Fatal("nil defaults must not be injected")
	}
	if _, ok := out["kwargs"]; ok {
		t.Fatal("variadic parameters have no default")
	}
	if _, ok := in["page"]; ok {
		t.Fatal("input map must not be mutated")
	}

	kept := ApplyDefaults(c, map[string]any{"name": "octo", "page": 7})
	if kept["page"] != 7 {
		t.Fatalf("explicit argument overwritten: %v", kept["page"])
	}
}

func TestTypeSchema_NilAcceptsAnything(t *testing.T) {
	b, err := json.Marshal(TypeSchema(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "{}" && string(b) != "true" {
		t.Fatalf("expected unconstrained schema, got %s", b)
	}
}
