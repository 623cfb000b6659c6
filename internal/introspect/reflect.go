package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Enumerator is implemented by named types with a closed value set.
type Enumerator interface {
	EnumValues() []any
}

var (
	ctxType        = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType        = reflect.TypeOf((*error)(nil)).Elem()
	enumType       = reflect.TypeOf((*Enumerator)(nil)).Elem()
	timeType       = reflect.TypeOf(time.Time{})
	durationType   = reflect.TypeOf(time.Duration(0))
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
	pollerType     = reflect.TypeOf((*interface {
		Poll(context.Context) (any, error)
	})(nil)).Elem()
)

const maxTypeDepth = 8

// ReflectDescriber builds contracts from Go funcs shaped
//
//	func([ctx context.Context,] [In]) ([Out,] [error])
//
// where In is a struct (or pointer to one). Each exported field of In is a
// parameter, named by its json tag. Field tags:
//
//	default:"1"              default value, implies optional
//	description:"..."        parameter description
//	enum:"a,b"               closed value set
//	tool:",variadic"         map[string]any catch-all for unknown arguments
//
// Fields that are pointers, tagged omitempty, or carry a default are optional.
type ReflectDescriber struct{}

func (ReflectDescriber) Describe(m Method) (*MethodContract, error) {
	shape, err := analyzeFunc(m.Func)
	if err != nil {
		return nil, fmt.Errorf("Describe: %s: %w", m.Name, err)
	}

	c := &MethodContract{
		Name:       m.Name,
		Parameters: map[string]ParamSpec{},
		ReturnType: "none",
	}
	if shape.out != nil {
		c.ReturnType = shape.out.String()
		c.IsAsync = shape.out.Kind() == reflect.Chan || shape.out.Implements(pollerType)
	}
	if shape.in == nil {
		return c, nil
	}

	for _, f := range structFields(shape.in) {
		spec := ParamSpec{Description: f.field.Tag.Get("description")}

		if f.variadic {
			spec.Variadic = true
			spec.Type = &TypeRef{Kind: KindObject}
		} else {
			annotated, err := typeRefOf(f.field.Type, 0)
			if err != nil {
				return nil, fmt.Errorf("Describe: %s: field %s: %w", m.Name, f.field.Name, err)
			}
			if vals := f.field.Tag.Get("enum"); vals != "" {
				annotated = enumFromTag(vals, annotated)
			}
			spec.Type = resolveType(annotated, f.name)
		}

		def, hasDefault := f.field.Tag.Lookup("default")
		if hasDefault {
			v, err := parseDefault(def, spec.Type)
			if err != nil {
				return nil, fmt.Errorf("Describe: %s: field %s default: %w", m.Name, f.field.Name, err)
			}
			spec.Default = v
		}
		spec.Required = !spec.Variadic && !hasDefault && !f.omitempty && f.field.Type.Kind() != reflect.Pointer

		c.Parameters[f.name] = spec
		c.Order = append(c.Order, f.name)
	}
	return c, nil
}

type funcShape struct {
	fn       reflect.Value
	wantsCtx bool
	in       reflect.Type // struct type, nil when the func takes no arguments
	inPtr    bool
	out      reflect.Type // nil when the func returns only error or nothing
	hasErr   bool
}

func analyzeFunc(fn any) (*funcShape, error) {
	if fn == nil {
		return nil, errors.New("nil func")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("expected func, got %s", t)
	}

	s := &funcShape{fn: v}
	n := t.NumIn()
	if t.IsVariadic() {
		// Trailing variadic options are never filled from arguments.
		n--
	}
	i := 0
	if i < n && t.In(i) == ctxType {
		s.wantsCtx = true
		i++
	}
	if i < n {
		in := t.In(i)
		if in.Kind() == reflect.Pointer && in.Elem().Kind() == reflect.Struct {
			s.in, s.inPtr = in.Elem(), true
		} else if in.Kind() == reflect.Struct {
			s.in = in
		} else {
			return nil, fmt.Errorf("argument must be a struct, got %s", in)
		}
		i++
	}
	if i < n {
		return nil, fmt.Errorf("unsupported extra parameter %s", t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errType {
			s.hasErr = true
		} else {
			s.out = t.Out(0)
		}
	case 2:
		if t.Out(1) != errType {
			return nil, fmt.Errorf("second result must be error, got %s", t.Out(1))
		}
		s.out, s.hasErr = t.Out(0), true
	default:
		return nil, fmt.Errorf("too many results (%d)", t.NumOut())
	}
	return s, nil
}

type paramField struct {
	field     reflect.StructField
	index     []int
	name      string
	omitempty bool
	variadic  bool
}

// structFields lists the parameter fields of t, flattening embedded structs.
func structFields(t reflect.Type) []paramField {
	var out []paramField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			for _, inner := range structFields(f.Type) {
				inner.index = append([]int{i}, inner.index...)
				out = append(out, inner)
			}
			continue
		}

		pf := paramField{field: f, index: []int{i}}
		toolTag := strings.Split(f.Tag.Get("tool"), ",")
		for _, opt := range toolTag[1:] {
			if opt == "variadic" {
				pf.variadic = true
			}
		}

		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && !pf.variadic {
			continue
		}
		pf.omitempty = strings.Contains(opts, "omitempty")
		switch {
		case toolTag[0] != "":
			pf.name = toolTag[0]
		case name != "" && name != "-":
			pf.name = name
		case pf.variadic:
			pf.name = snake(f.Name)
		default:
			pf.name = f.Name
		}
		out = append(out, pf)
	}
	return out
}

func typeRefOf(t reflect.Type, depth int) (*TypeRef, error) {
	if depth > maxTypeDepth {
		return nil, fmt.Errorf("type %s nests deeper than %d", t, maxTypeDepth)
	}

	if t.Kind() != reflect.Interface && t.Kind() != reflect.Pointer && t.Implements(enumType) {
		vals := reflect.Zero(t).Interface().(Enumerator).EnumValues()
		return &TypeRef{Kind: KindEnum, Enum: vals}, nil
	}

	switch t {
	case timeType:
		return &TypeRef{Kind: KindString}, nil
	case durationType:
		// encoding/json carries durations as integer nanoseconds.
		return &TypeRef{Kind: KindInteger}, nil
	case rawMessageType:
		return nil, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		inner, err := typeRefOf(t.Elem(), depth+1)
		if err != nil || inner == nil {
			return inner, err
		}
		return withNullable(inner), nil
	case reflect.String:
		return &TypeRef{Kind: KindString}, nil
	case reflect.Bool:
		return &TypeRef{Kind: KindBoolean}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &TypeRef{Kind: KindInteger}, nil
	case reflect.Float32, reflect.Float64:
		return &TypeRef{Kind: KindNumber}, nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte travels as base64 text.
			return &TypeRef{Kind: KindString}, nil
		}
		elem, err := typeRefOf(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		return &TypeRef{Kind: KindArray, Elem: elem}, nil
	case reflect.Map:
		key, err := typeRefOf(t.Key(), depth+1)
		if err != nil {
			return nil, err
		}
		val, err := typeRefOf(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		return &TypeRef{Kind: KindObject, Key: key, Value: val}, nil
	case reflect.Struct:
		return &TypeRef{Kind: KindObject}, nil
	case reflect.Interface:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", t.Kind())
	}
}

func enumFromTag(tag string, base *TypeRef) *TypeRef {
	parts := strings.Split(tag, ",")
	vals := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if base != nil && base.Kind == KindInteger {
			if i, err := strconv.ParseInt(p, 10, 64); err == nil {
				vals = append(vals, i)
				continue
			}
		}
		vals = append(vals, p)
	}
	t := &TypeRef{Kind: KindEnum, Enum: vals}
	if base != nil {
		t.Nullable = base.Nullable
	}
	return t
}

func parseDefault(raw string, t *TypeRef) (any, error) {
	switch t.Kind {
	case KindString:
		return raw, nil
	case KindInteger:
		return strconv.ParseInt(raw, 10, 64)
	case KindNumber:
		return strconv.ParseFloat(raw, 64)
	case KindBoolean:
		return strconv.ParseBool(raw)
	case KindEnum:
		for _, v := range t.Enum {
			if stringify(v) == raw {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %v", raw, t.Enum)
	default:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
