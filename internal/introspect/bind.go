package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Invoker calls a described method with decoded JSON-style arguments.
type Invoker func(ctx context.Context, args map[string]any) (any, error)

// Bind returns the invoker for m. Signature-described methods use m.Call;
// reflection-described methods decode args into their input struct.
func Bind(m Method, c *MethodContract) (Invoker, error) {
	if m.Func == nil {
		if m.Call == nil {
			return nil, fmt.Errorf("Bind: %s: method has neither Func nor Call", m.Name)
		}
		return m.Call, nil
	}

	shape, err := analyzeFunc(m.Func)
	if err != nil {
		return nil, fmt.Errorf("Bind: %s: %w", m.Name, err)
	}

	var variadic *paramField
	known := map[string]bool{}
	if shape.in != nil {
		for _, f := range structFields(shape.in) {
			known[f.name] = true
			if f.variadic {
				if f.field.Type != reflect.TypeOf(map[string]any(nil)) {
					return nil, fmt.Errorf("Bind: %s: variadic field %s must be map[string]any", m.Name, f.field.Name)
				}
				f := f
				variadic = &f
			}
		}
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		in := make([]reflect.Value, 0, 2)
		if shape.wantsCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if shape.in != nil {
			arg, err := decodeArgs(shape.in, args, known, variadic)
			if err != nil {
				return nil, err
			}
			if shape.inPtr {
				in = append(in, arg)
			} else {
				in = append(in, arg.Elem())
			}
		}
		return unpackResults(shape, shape.fn.Call(in))
	}, nil
}

// ErrDecode marks argument decoding failures.
var ErrDecode = errors.New("argument decode failed")

func decodeArgs(t reflect.Type, args map[string]any, known map[string]bool, variadic *paramField) (reflect.Value, error) {
	ptr := reflect.New(t)
	if len(args) == 0 {
		return ptr, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if variadic != nil {
		extra := map[string]any{}
		for k, v := range args {
			if !known[k] {
				extra[k] = v
			}
		}
		if nested, ok := args[variadic.name].(map[string]any); ok {
			for k, v := range nested {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			ptr.Elem().FieldByIndex(variadic.index).Set(reflect.ValueOf(extra))
		}
	}
	return ptr, nil
}

func unpackResults(shape *funcShape, out []reflect.Value) (any, error) {
	var result any
	var err error
	switch {
	case shape.out != nil && shape.hasErr:
		result = out[0].Interface()
		if e := out[1].Interface(); e != nil {
			err = e.(error)
		}
	case shape.out != nil:
		result = out[0].Interface()
	case shape.hasErr:
		if e := out[0].Interface(); e != nil {
			err = e.(error)
		}
	}
	return result, err
}
