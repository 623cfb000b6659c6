// Package schema turns method contracts into JSON Schema tool definitions
// and validates call arguments against them.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
)

// ToolSchema is the externally advertised definition of one tool.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Operation   classify.Operation
	Risk        classify.Risk
}

// Synthesize builds the tool definition for contract c exposed under name.
// The description carries the classifier suffix so callers see the
// read/write nature and risk of the tool.
func Synthesize(name string, c *introspect.MethodContract, cls classify.Classification) ToolSchema {
	desc := c.Description
	if suffix := classify.DescriptionSuffix(cls); suffix != "" {
		if desc != "" {
			desc += " "
		}
		desc += suffix
	}

	return ToolSchema{
		Name:        name,
		Description: desc,
		InputSchema: InputSchema(c),
		Operation:   cls.Operation,
		Risk:        cls.Risk,
	}
}

// InputSchema renders the parameters of c as a JSON Schema object. Required
// parameters are listed in declaration order; variadic parameters are never
// required and instead open the object to additional properties.
func InputSchema(c *introspect.MethodContract) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(c.Parameters)),
	}

	names := c.ParamNames()
	variadic := false
	for _, name := range names {
		p := c.Parameters[name]
		prop := TypeSchema(p.Type)
		prop.Description = p.Description
		if p.Default != nil {
			if raw, err := json.Marshal(p.Default); err == nil {
				prop.Default = raw
			}
		} else if !p.Required && !p.Variadic && p.Type != nil && p.Type.Nullable {
			prop.Default = json.RawMessage("null")
		}
		if p.Variadic {
			variadic = true
		}
		s.Properties[name] = prop
		s.PropertyOrder = append(s.PropertyOrder, name)
	}
	s.Required = c.Required()
	if !variadic {
		s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	}
	return s
}

// TypeSchema converts a resolved type into its schema. A nil type accepts any value.
func TypeSchema(t *introspect.TypeRef) *jsonschema.Schema {
	if t == nil {
		return &jsonschema.Schema{}
	}

	var s *jsonschema.Schema
	switch t.Kind {
	case introspect.KindArray:
		s = &jsonschema.Schema{Type: "array"}
		if t.Elem != nil {
			s.Items = TypeSchema(t.Elem)
		}
	case introspect.KindObject:
		s = &jsonschema.Schema{Type: "object"}
		if t.Value != nil {
			s.AdditionalProperties = TypeSchema(t.Value)
		}
	case introspect.KindEnum:
		s = &jsonschema.Schema{Enum: append([]any(nil), t.Enum...)}
		if typ := enumType(t.Enum); typ != "" {
			s.Type = typ
		}
		if t.Nullable {
			s.Enum = append(s.Enum, nil)
		}
	case introspect.KindUnion:
		s = &jsonschema.Schema{}
		for _, u := range t.Union {
			s.AnyOf = append(s.AnyOf, TypeSchema(u))
		}
		if t.Nullable {
			s.AnyOf = append(s.AnyOf, &jsonschema.Schema{Type: "null"})
		}
		return s
	default:
		s = &jsonschema.Schema{Type: string(t.Kind)}
	}

	if t.Nullable && s.Type != "" {
		s.Types = []string{s.Type, "null"}
		s.Type = ""
	}
	return s
}

// enumType returns the JSON type shared by every member, or "" when mixed.
func enumType(vals []any) string {
	typ := ""
	for _, v := range vals {
		var cur string
		switch v.(type) {
		case string:
			cur = "string"
		case bool:
			cur = "boolean"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			cur = "integer"
		case float32, float64:
			cur = "number"
		default:
			return ""
		}
		if typ != "" && typ != cur {
			if (typ == "integer" && cur == "number") || (typ == "number" && cur == "integer") {
				typ = "number"
				continue
			}
			return ""
		}
		typ = cur
	}
	return typ
}

// Map returns the schema as decoded JSON, the shape transports serialize.
func Map(s *jsonschema.Schema) (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("Map: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("Map: %w", err)
	}
	return out, nil
}

// ApplyDefaults returns a copy of args with declared defaults filled in for
// absent parameters.
func ApplyDefaults(c *introspect.MethodContract, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(c.Parameters))
	for k, v := range args {
		out[k] = v
	}
	for name, p := range c.Parameters {
		if _, ok := out[name]; ok || p.Default == nil || p.Variadic {
			continue
		}
		out[name] = p.Default
	}
	return out
}
