package gateway

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	numberType        = reflect.TypeOf(json.Number(""))
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Serialize converts an arbitrary result into plain JSON values: maps with
// string keys, slices, strings, numbers, booleans and nil. Times render as
// RFC 3339 with sub-second precision, json.Number as int64 or float64, errors
// without their own JSON form as their message, and values nested deeper than
// maxDepth as a "<max_depth_exceeded: T>" marker.
func Serialize(v any, maxDepth int) any {
	if v == nil {
		return nil
	}
	return toPlain(reflect.ValueOf(v), 0, maxDepth)
}

func toPlain(v reflect.Value, depth, maxDepth int) any {
	if !v.IsValid() {
		return nil
	}
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil
	}
	if depth > maxDepth {
		return fmt.Sprintf("<max_depth_exceeded: %s>", v.Type())
	}

	t := v.Type()
	switch {
	case t == timeType:
		return v.Interface().(time.Time).Format(time.RFC3339Nano)
	case t.Kind() == reflect.Pointer && t.Elem() == timeType:
		return toPlain(v.Elem(), depth, maxDepth)
	case t == numberType:
		return number(json.Number(v.String()))
	case t.Implements(jsonMarshalerType):
		return viaJSON(v.Interface())
	case t.Implements(errorType):
		return v.Interface().(error).Error()
	case t.Implements(textMarshalerType):
		b, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return fmt.Sprintf("<unserializable: %s>", t)
		}
		return string(b)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return toPlain(v.Elem(), depth, maxDepth)
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return viaJSON(v.Interface())
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = toPlain(v.Index(i), depth+1, maxDepth)
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = toPlain(iter.Value(), depth+1, maxDepth)
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, t.NumField())
		structToPlain(v, out, depth, maxDepth)
		return out
	default:
		// chan, func, unsafe pointers
		return fmt.Sprintf("<%s>", t)
	}
}

func structToPlain(v reflect.Value, out map[string]any, depth, maxDepth int) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			structToPlain(v.Field(i), out, depth, maxDepth)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = toPlain(fv, depth+1, maxDepth)
	}
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if b, err := tm.MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}

// number keeps integers exact and falls back to the literal text when n is
// not a valid number.
func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func viaJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unserializable: %T>", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}
