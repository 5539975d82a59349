package marshal

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// FromJSON converts a decoded JSON value tree to a Go value of t's type.
// Numbers may be json.Number, float64 or integer types.
func FromJSON(t Type, v any) (any, error) {
	rv, err := decode(t, v, "")
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// Unmarshal parses data and converts it with FromJSON.
func Unmarshal(t Type, data []byte) (any, error) {
	tree, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	return FromJSON(t, tree)
}

// Decode is Unmarshal with a typed result.
func Decode[T any](t Type, data []byte) (T, error) {
	var zero T
	v, err := Unmarshal(t, data)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, shapeMismatch("", "descriptor produces %s, not %s", t.GoType(), reflect.TypeFor[T]())
	}
	return out, nil
}

func parseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, shapeMismatch("", "malformed JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, shapeMismatch("", "trailing data after JSON value")
	}
	return tree, nil
}

func decode(t Type, raw any, path string) (reflect.Value, error) {
	switch t := t.(type) {
	case *Primitive:
		return decodePrimitive(t, raw, path)

	case *Enum:
		name, ok := raw.(string)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected enum name, got %s", jsonKind(raw))
		}
		v, ok := t.byName[name]
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "%q is not one of %s", name, strings.Join(t.Names(), ", "))
		}
		return v, nil

	case *Optional:
		out := reflect.New(t.typ).Elem()
		if raw == nil {
			return out, nil
		}
		elem, err := decode(t.Elem, raw, path)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.typ.Elem())
		ptr.Elem().Set(elem)
		out.Set(ptr)
		return out, nil

	case *Collection:
		items, ok := raw.([]any)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected array, got %s", jsonKind(raw))
		}
		if t.Unordered {
			return decodeSet(t, items, path)
		}
		out := reflect.MakeSlice(t.typ, len(items), len(items))
		for i, item := range items {
			v, err := decode(t.Elem, item, path+"/"+strconv.Itoa(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil

	case *Record:
		obj, ok := raw.(map[string]any)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected object, got %s", jsonKind(raw))
		}
		return decodeRecord(t, obj, path)
	}
	return reflect.Value{}, notConvertible(path, "unknown descriptor %T", t)
}

func decodeRecord(r *Record, obj map[string]any, path string) (reflect.Value, error) {
	var unknown []string
	for key := range obj {
		if _, ok := r.byName[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return reflect.Value{}, shapeMismatch(path+"/"+unknown[0], "unknown field")
	}

	out := reflect.New(r.typ).Elem()
	for _, f := range r.Fields {
		raw, present := obj[f.Name]
		if !present {
			if f.Required {
				return reflect.Value{}, shapeMismatch(path+"/"+f.Name, "required field is missing")
			}
			if f.zeroDefault || f.defaultRaw == nil {
				continue
			}
			// Re-decoded so callers never share a default's backing storage.
			raw = f.defaultRaw
		}
		v, err := decode(f.Type, raw, path+"/"+f.Name)
		if err != nil {
			return reflect.Value{}, err
		}
		out.Field(f.index).Set(v)
	}
	return out, nil
}

func decodeSet(c *Collection, items []any, path string) (reflect.Value, error) {
	out := reflect.MakeMapWithSize(c.typ, len(items))
	member := reflect.New(emptyStructType).Elem()
	for i, item := range items {
		itemPath := path + "/" + strconv.Itoa(i)
		v, err := decode(c.Elem, item, itemPath)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.MapIndex(v).IsValid() {
			return reflect.Value{}, shapeMismatch(itemPath, "duplicate set member")
		}
		out.SetMapIndex(v, member)
	}
	return out, nil
}

func decodePrimitive(p *Primitive, raw any, path string) (reflect.Value, error) {
	out := reflect.New(p.typ).Elem()
	switch p.Kind {
	case String:
		s, ok := raw.(string)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected string, got %s", jsonKind(raw))
		}
		out.SetString(s)
	case Boolean:
		b, ok := raw.(bool)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected boolean, got %s", jsonKind(raw))
		}
		out.SetBool(b)
	case Number:
		f, ok := asFloat(raw)
		if !ok {
			return reflect.Value{}, shapeMismatch(path, "expected number, got %s", jsonKind(raw))
		}
		if out.OverflowFloat(f) {
			return reflect.Value{}, shapeMismatch(path, "%v overflows %s", f, p.typ)
		}
		out.SetFloat(f)
	case Integer:
		if err := setInteger(out, raw, path); err != nil {
			return reflect.Value{}, err
		}
	}
	return out, nil
}

func setInteger(out reflect.Value, raw any, path string) error {
	switch n := raw.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return setInt(out, i, path)
		}
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return setUint(out, u, path)
		}
		f, err := n.Float64()
		if err != nil {
			return shapeMismatch(path, "%s is out of range", n)
		}
		return setIntegralFloat(out, f, path)
	case float64:
		return setIntegralFloat(out, n, path)
	case int64:
		return setInt(out, n, path)
	case int:
		return setInt(out, int64(n), path)
	case uint64:
		return setUint(out, n, path)
	}
	return shapeMismatch(path, "expected integer, got %s", jsonKind(raw))
}

func setIntegralFloat(out reflect.Value, f float64, path string) error {
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return shapeMismatch(path, "%v is not an integer", f)
	}
	switch {
	case f >= math.MinInt64 && f < math.MaxInt64:
		return setInt(out, int64(f), path)
	case f >= 0 && f < math.MaxUint64:
		return setUint(out, uint64(f), path)
	}
	return shapeMismatch(path, "%v is out of range", f)
}

func setInt(out reflect.Value, i int64, path string) error {
	if isUnsigned(out.Kind()) {
		if i < 0 {
			return shapeMismatch(path, "%d is out of range for %s", i, out.Type())
		}
		return setUint(out, uint64(i), path)
	}
	if out.OverflowInt(i) {
		return shapeMismatch(path, "%d is out of range for %s", i, out.Type())
	}
	out.SetInt(i)
	return nil
}

func setUint(out reflect.Value, u uint64, path string) error {
	if !isUnsigned(out.Kind()) {
		if u > math.MaxInt64 {
			return shapeMismatch(path, "%d is out of range for %s", u, out.Type())
		}
		return setInt(out, int64(u), path)
	}
	if out.OverflowUint(u) {
		return shapeMismatch(path, "%d is out of range for %s", u, out.Type())
	}
	out.SetUint(u)
	return nil
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func jsonKind(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int64, uint64, int:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return reflect.TypeOf(raw).String()
}
