package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// Validator checks call arguments against a compiled tool schema.
type Validator struct {
	tool string
	sch  *jsonschemav6.Schema
}

// Compile prepares a validator for s.
func Compile(s ToolSchema) (*Validator, error) {
	doc, err := Map(s.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("Compile: %s: %w", s.Name, err)
	}

	url := "mem://tools/" + s.Name + ".json"
	c := jsonschemav6.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("Compile: %s: %w", s.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("Compile: %s: %w", s.Name, err)
	}
	return &Validator{tool: s.Name, sch: sch}, nil
}

// Validate returns a ValidationError listing every violation, or nil.
func (v *Validator) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	inst, err := normalize(args)
	if err != nil {
		return toolerr.New(toolerr.ValidationError,
			fmt.Sprintf("arguments for %s are not JSON-encodable: %v", v.tool, err),
			map[string]any{"tool": v.tool})
	}

	err = v.sch.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschemav6.ValidationError
	if !errors.As(err, &verr) {
		return toolerr.Wrap(toolerr.ValidationError, err, map[string]any{"tool": v.tool})
	}

	violations := Violations(verr)
	msg := fmt.Sprintf("invalid arguments for %s", v.tool)
	if len(violations) > 0 {
		msg += ": " + violations[0]
	}
	return toolerr.New(toolerr.ValidationError, msg, map[string]any{
		"tool":       v.tool,
		"violations": violations,
	})
}

// Violations flattens a schema validation error into "location: message" lines.
func Violations(verr *jsonschemav6.ValidationError) []string {
	var out []string
	seen := map[string]bool{}
	for _, unit := range verr.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		line := loc + ": " + unit.Error.String()
		if !seen[line] {
			seen[line] = true
			out = append(out, line)
		}
	}
	return out
}

// normalize converts args to plain JSON values (maps, slices, float64).
func normalize(args map[string]any) (any, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	d := json.NewDecoder(strings.NewReader(string(b)))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
