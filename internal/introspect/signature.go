package introspect

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SignatureDescriber builds contracts from Method.Signature, a textual
// parameter list such as
//
//	(name: str, page: int = 1, labels: map<string,string>? = None, **kwargs) -> Issue
type SignatureDescriber struct{}

func (SignatureDescriber) Describe(m Method) (*MethodContract, error) {
	sig := strings.TrimSpace(m.Signature)
	c := &MethodContract{
		Name:       m.Name,
		Parameters: map[string]ParamSpec{},
	}

	if rest, ok := strings.CutPrefix(sig, "async "); ok {
		c.IsAsync = true
		sig = strings.TrimSpace(rest)
	}

	params, ret, err := splitSignature(sig)
	if err != nil {
		return nil, err
	}
	c.ReturnType = ret
	if c.ReturnType == "" {
		c.ReturnType = "any"
	}

	for _, raw := range splitTopLevel(params, ',') {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "*" || raw == "/" || raw == "self" || strings.HasPrefix(raw, "self:") {
			continue
		}
		name, spec, err := parseParam(raw)
		if err != nil {
			return nil, fmt.Errorf("Describe: %s: %w", m.Name, err)
		}
		if _, dup := c.Parameters[name]; dup {
			return nil, fmt.Errorf("Describe: %s: duplicate parameter %q", m.Name, name)
		}
		c.Parameters[name] = spec
		c.Order = append(c.Order, name)
	}
	return c, nil
}

// splitSignature separates "(params) -> ret" into its parts. A bare parameter
// list without parentheses is accepted too.
func splitSignature(sig string) (string, string, error) {
	if !strings.HasPrefix(sig, "(") {
		return sig, "", nil
	}
	depth := 0
	for i, r := range sig {
		switch r {
		case '(', '[', '<', '{':
			depth++
		case ')', ']', '>', '}':
			depth--
			if depth == 0 && r == ')' {
				ret := strings.TrimSpace(sig[i+1:])
				ret = strings.TrimSpace(strings.TrimPrefix(ret, "->"))
				return sig[1:i], ret, nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced parentheses in signature %q", sig)
}

func parseParam(raw string) (string, ParamSpec, error) {
	var spec ParamSpec

	switch {
	case strings.HasPrefix(raw, "**"):
		spec.Variadic = true
		raw = raw[2:]
		spec.Type = &TypeRef{Kind: KindObject}
	case strings.HasPrefix(raw, "..."):
		spec.Variadic = true
		raw = raw[3:]
		spec.Type = &TypeRef{Kind: KindObject}
	case strings.HasPrefix(raw, "*"):
		spec.Variadic = true
		raw = raw[1:]
		spec.Type = &TypeRef{Kind: KindArray}
	}

	left, def, hasDefault := cutTopLevel(raw, '=')
	name, annotation, hasAnnotation := cutTopLevel(left, ':')
	name = strings.TrimSpace(name)
	if name == "" || !isIdent(name) {
		return "", spec, fmt.Errorf("invalid parameter %q", raw)
	}

	if hasAnnotation && !spec.Variadic {
		t, err := ParseType(strings.TrimSpace(annotation))
		if err != nil {
			return "", spec, fmt.Errorf("parameter %s: %w", name, err)
		}
		spec.Type = t
	}
	spec.Type = resolveType(spec.Type, name)

	if hasDefault {
		spec.Default = parseLiteral(strings.TrimSpace(def))
		if spec.Default == nil {
			spec.Type = withNullable(spec.Type)
		}
	}
	spec.Required = !hasDefault && !spec.Variadic
	return name, spec, nil
}

// ParseType parses a type expression. It returns nil for "any", meaning no
// usable annotation.
func ParseType(expr string) (*TypeRef, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	if parts := splitTopLevel(expr, '|'); len(parts) > 1 {
		return parseUnion(parts)
	}

	if strings.HasSuffix(expr, "?") {
		t, err := ParseType(expr[:len(expr)-1])
		if err != nil || t == nil {
			return t, err
		}
		return withNullable(t), nil
	}

	if strings.HasPrefix(expr, "[]") {
		elem, err := ParseType(expr[2:])
		if err != nil {
			return nil, err
		}
		return &TypeRef{Kind: KindArray, Elem: elem}, nil
	}

	head, args, err := splitGeneric(expr)
	if err != nil {
		return nil, err
	}
	// Drop module qualifiers: typing.List -> List.
	if i := strings.LastIndexByte(head, '.'); i >= 0 {
		head = head[i+1:]
	}

	switch strings.ToLower(head) {
	case "str", "string", "text", "bytes", "datetime", "date", "time", "uuid":
		return &TypeRef{Kind: KindString}, nil
	case "int", "integer", "int32", "int64", "long", "uint", "uint32", "uint64":
		return &TypeRef{Kind: KindInteger}, nil
	case "float", "double", "number", "decimal", "float32", "float64":
		return &TypeRef{Kind: KindNumber}, nil
	case "bool", "boolean":
		return &TypeRef{Kind: KindBoolean}, nil
	case "any", "interface{}":
		return nil, nil
	case "none", "null", "nonetype":
		return &TypeRef{Kind: KindObject, Nullable: true}, nil
	case "list", "array", "sequence", "set", "frozenset", "tuple", "iterable", "iterator":
		t := &TypeRef{Kind: KindArray}
		if len(args) > 0 {
			elem, err := ParseType(args[0])
			if err != nil {
				return nil, err
			}
			t.Elem = elem
		}
		return t, nil
	case "dict", "map", "mapping", "object":
		t := &TypeRef{Kind: KindObject}
		if len(args) == 2 {
			k, err := ParseType(args[0])
			if err != nil {
				return nil, err
			}
			v, err := ParseType(args[1])
			if err != nil {
				return nil, err
			}
			t.Key, t.Value = k, v
		}
		return t, nil
	case "optional":
		if len(args) != 1 {
			return nil, fmt.Errorf("optional takes one type argument: %q", expr)
		}
		inner, err := ParseType(args[0])
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, nil
		}
		return withNullable(inner), nil
	case "union":
		return parseUnion(args)
	case "enum", "literal":
		if len(args) == 0 {
			return nil, fmt.Errorf("enum needs at least one value: %q", expr)
		}
		vals := make([]any, len(args))
		for i, a := range args {
			vals[i] = parseLiteral(strings.TrimSpace(a))
			if vals[i] == nil {
				vals[i] = strings.TrimSpace(a)
			}
		}
		return &TypeRef{Kind: KindEnum, Enum: vals}, nil
	}

	if !isIdent(head) {
		return nil, fmt.Errorf("unrecognized type %q", expr)
	}
	// Library-specific classes (V1Pod, Repository) are opaque objects.
	return &TypeRef{Kind: KindObject}, nil
}

func parseUnion(parts []string) (*TypeRef, error) {
	var members []*TypeRef
	nullable := false
	for _, p := range parts {
		t, err := ParseType(p)
		if err != nil {
			return nil, err
		}
		if t == nil {
			// any absorbs the union.
			return nil, nil
		}
		if t.Kind == KindObject && t.Nullable && t.Key == nil && isNullName(p) {
			nullable = true
			continue
		}
		members = append(members, t)
	}
	switch len(members) {
	case 0:
		return &TypeRef{Kind: KindObject, Nullable: true}, nil
	case 1:
		if nullable {
			return withNullable(members[0]), nil
		}
		return members[0], nil
	default:
		return &TypeRef{Kind: KindUnion, Union: members, Nullable: nullable}, nil
	}
}

func isNullName(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "null", "nonetype":
		return true
	}
	return false
}

// splitGeneric splits "List[int]" or "map<string,int>" into head and args.
func splitGeneric(expr string) (string, []string, error) {
	open := strings.IndexAny(expr, "[<")
	if open < 0 {
		return expr, nil, nil
	}
	closeCh := byte(']')
	if expr[open] == '<' {
		closeCh = '>'
	}
	if expr[len(expr)-1] != closeCh {
		return "", nil, fmt.Errorf("unbalanced type expression %q", expr)
	}
	inner := expr[open+1 : len(expr)-1]
	var args []string
	for _, a := range splitTopLevel(inner, ',') {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return strings.TrimSpace(expr[:open]), args, nil
}

// splitTopLevel splits s on sep, ignoring separators nested in brackets or quotes.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(' || r == '[' || r == '<' || r == '{':
			depth++
		case r == ')' || r == ']' || r == '>' || r == '}':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func cutTopLevel(s string, sep rune) (string, string, bool) {
	parts := splitTopLevel(s, sep)
	if len(parts) == 1 {
		return s, "", false
	}
	return parts[0], strings.Join(parts[1:], string(sep)), true
}

// parseLiteral decodes a default value written as JSON or in Python literal
// style. Unparseable text is kept as a string.
func parseLiteral(s string) any {
	switch s {
	case "None", "null", "nil":
		return nil
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func withNullable(t *TypeRef) *TypeRef {
	cp := *t
	cp.Nullable = true
	return &cp
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
