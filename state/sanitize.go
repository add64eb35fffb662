package state

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// CircularRefPlaceholder replaces a value whose identity already
// appears on the current serialization path.
const CircularRefPlaceholder = "<circular reference>"

// Sanitize recursively converts an arbitrary value graph into
// JSON-safe primitives: bools, numbers, strings, []any, and
// map[string]any. It terminates in bounded time regardless of graph
// shape:
//
//   - A node whose identity is already present on the current path is
//     replaced with the circular-reference placeholder. Shared
//     references reachable through different branches are converted
//     normally; only true cycles are cut.
//   - A subtree that cannot be converted (func, chan, or a value whose
//     traversal panics) degrades to a string placeholder for that
//     subtree only. Sanitize itself never fails.
func Sanitize(v any) any {
	return sanitize(reflect.ValueOf(v), make(map[uintptr]struct{}))
}

// sanitize walks one node. The path set holds the identities of
// pointer-like ancestors on the current branch; entries are removed on
// the way back up so shared references are not mistaken for cycles.
func sanitize(v reflect.Value, path map[uintptr]struct{}) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("<serialization error: %v>", r)
		}
	}()

	if !v.IsValid() {
		return nil
	}

	// Unwrap interfaces before anything else so identity checks see
	// the concrete value.
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), path)
	}

	// Well-known leaf types.
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			return x.String()
		case error:
			return x.Error()
		case fmt.Stringer:
			// Only prefer Stringer for opaque types; containers and
			// structs below still get walked.
			if k := v.Kind(); k != reflect.Struct && k != reflect.Map &&
				k != reflect.Slice && k != reflect.Array && k != reflect.Ptr {
				return x.String()
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()

	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if _, onPath := path[addr]; onPath {
			return CircularRefPlaceholder
		}
		path[addr] = struct{}{}
		defer delete(path, addr)
		return sanitize(v.Elem(), path)

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// Raw bytes degrade to a string rather than a number list.
			return string(v.Bytes())
		}
		addr := v.Pointer()
		if _, onPath := path[addr]; onPath {
			return CircularRefPlaceholder
		}
		path[addr] = struct{}{}
		defer delete(path, addr)
		return sanitizeSeq(v, path)

	case reflect.Array:
		return sanitizeSeq(v, path)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if _, onPath := path[addr]; onPath {
			return CircularRefPlaceholder
		}
		path[addr] = struct{}{}
		defer delete(path, addr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = sanitize(iter.Value(), path)
		}
		return out

	case reflect.Struct:
		return sanitizeStruct(v, path)

	default:
		// func, chan, unsafe pointer, complex: not representable.
		return fmt.Sprintf("<unserializable: %s>", v.Type())
	}
}

func sanitizeSeq(v reflect.Value, path map[uintptr]struct{}) []any {
	out := make([]any, v.Len())
	for i := range v.Len() {
		out[i] = sanitize(v.Index(i), path)
	}
	return out
}

// sanitizeStruct converts the exported fields of a struct into a map,
// honoring json tags for field names and the "-" omission marker.
// An opaque struct (no exported fields) degrades to its Stringer form
// or a type placeholder rather than an empty object.
func sanitizeStruct(v reflect.Value, path map[uintptr]struct{}) any {
	t := v.Type()
	if t.NumField() > 0 && !hasExportedField(t) {
		if v.CanInterface() {
			if s, ok := v.Interface().(fmt.Stringer); ok {
				return s.String()
			}
		}
		return fmt.Sprintf("<unserializable: %s>", t)
	}
	out := make(map[string]any)
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		out[name] = sanitize(v.Field(i), path)
	}
	return out
}

func hasExportedField(t reflect.Type) bool {
	for i := range t.NumField() {
		if t.Field(i).IsExported() {
			return true
		}
	}
	return false
}

// mapKey renders a map key as a string. JSON object keys must be
// strings regardless of the Go key type.
func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return fmt.Sprintf("<%s>", k.Type())
}
