package introspect

import (
	"context"
	"sort"
	"strings"
)

// Kind is the JSON-level shape of a parameter.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
	KindUnion   Kind = "union"
)

// TypeRef is a resolved, possibly nested, parameter type.
type TypeRef struct {
	Kind     Kind
	Elem     *TypeRef   // array items
	Key      *TypeRef   // map keys
	Value    *TypeRef   // map values
	Enum     []any      // enum members
	Union    []*TypeRef // union members
	Nullable bool
}

// String renders t in the list<T> / map<K,V> / enum[a,b] notation.
func (t *TypeRef) String() string {
	if t == nil {
		return "any"
	}
	var s string
	switch t.Kind {
	case KindArray:
		s = "list<" + t.Elem.String() + ">"
	case KindObject:
		if t.Key != nil || t.Value != nil {
			s = "map<" + t.Key.String() + "," + t.Value.String() + ">"
		} else {
			s = "object"
		}
	case KindEnum:
		parts := make([]string, len(t.Enum))
		for i, v := range t.Enum {
			parts[i] = stringify(v)
		}
		s = "enum[" + strings.Join(parts, ",") + "]"
	case KindUnion:
		parts := make([]string, len(t.Union))
		for i, u := range t.Union {
			parts[i] = u.String()
		}
		s = strings.Join(parts, "|")
	default:
		s = string(t.Kind)
	}
	if t.Nullable {
		return "optional<" + s + ">"
	}
	return s
}

// ParamSpec describes one parameter of a method.
type ParamSpec struct {
	Type        *TypeRef
	Required    bool
	Default     any
	Description string
	// Variadic marks an open extension point (keyword catch-all). Never required.
	Variadic bool
}

// MethodContract is the machine-usable call contract of one method.
// It is immutable once returned by Synthesize.
type MethodContract struct {
	Name        string
	Description string
	Parameters  map[string]ParamSpec
	// Order lists parameter names in declaration order.
	Order      []string
	ReturnType string
	IsAsync    bool
}

// Required returns the names of required parameters in declaration order.
func (c *MethodContract) Required() []string {
	var out []string
	for _, name := range c.ParamNames() {
		if p := c.Parameters[name]; p.Required && !p.Variadic {
			out = append(out, name)
		}
	}
	return out
}

// ParamNames returns parameter names in declaration order, falling back to
// sorted order for contracts built without Order.
func (c *MethodContract) ParamNames() []string {
	if len(c.Order) == len(c.Parameters) {
		return c.Order
	}
	names := make([]string, 0, len(c.Parameters))
	for n := range c.Parameters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// VariadicParam returns the name of the keyword catch-all parameter, if any.
func (c *MethodContract) VariadicParam() (string, bool) {
	for _, name := range c.ParamNames() {
		if c.Parameters[name].Variadic {
			return name, true
		}
	}
	return "", false
}

// Method is what an adapter hands to the core for one callable.
// Exactly one of Func or Call is expected; Signature describes Call.
type Method struct {
	// Name is the qualified method name, e.g. "CoreV1Api.delete_namespaced_pod".
	Name string
	// Doc is free documentation text, parsed for summary and parameter descriptions.
	Doc string
	// Func is a Go func or bound method described by reflection.
	Func any
	// Signature is a textual parameter list, e.g. "name: str, page: int = 1".
	Signature string
	// Call invokes a signature-described method with decoded arguments.
	Call func(ctx context.Context, args map[string]any) (any, error)
}

// Describer is the adapter capability for producing contracts. Returning an
// error means the method cannot be described and will not be exposed.
type Describer interface {
	Describe(m Method) (*MethodContract, error)
}

// DescriberFunc adapts a function to Describer.
type DescriberFunc func(m Method) (*MethodContract, error)

func (f DescriberFunc) Describe(m Method) (*MethodContract, error) {
	return f(m)
}

// ToolName namespaces a method under its source, mapping characters that
// transports reject to underscores.
func ToolName(source, qualifiedName string) string {
	raw := source + "." + qualifiedName
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
