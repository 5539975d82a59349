package marshal

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/pitabwire/addonrt/model"
)

// ToJSON converts v to a JSON value tree made of map[string]any, []any,
// string, int64, uint64, float64, bool and nil. A record field whose value
// equals its declared default is omitted.
func ToJSON(t Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		rv = reflect.Zero(t.GoType())
	}
	if rv.Type() != t.GoType() {
		return nil, shapeMismatch("", "expected a value of type %s, got %s", t.GoType(), rv.Type())
	}
	return encode(t, rv, "")
}

// Marshal is ToJSON followed by JSON encoding.
func Marshal(t Type, v any) ([]byte, error) {
	tree, err := ToJSON(t, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

func encode(t Type, v reflect.Value, path string) (any, error) {
	switch t := t.(type) {
	case *Primitive:
		if t.Kind == Number && (math.IsNaN(v.Float()) || math.IsInf(v.Float(), 0)) {
			return nil, shapeMismatch(path, "%v is not representable in JSON", v.Float())
		}
		return encodePrimitive(v), nil

	case *Enum:
		name, ok := t.byValue[v.Interface()]
		if !ok {
			return nil, shapeMismatch(path, "%v is not a member of %s", v.Interface(), t.typ)
		}
		return name, nil

	case *Optional:
		if v.IsNil() {
			return nil, nil
		}
		return encode(t.Elem, v.Elem(), path)

	case *Collection:
		if t.Unordered {
			return encodeSet(t, v, path)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := encode(t.Elem, v.Index(i), path+"/"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil

	case *Record:
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			fv := v.Field(f.index)
			if !f.Required && reflect.DeepEqual(fv.Interface(), f.defaultVal.Interface()) {
				continue
			}
			item, err := encode(f.Type, fv, path+"/"+f.Name)
			if err != nil {
				return nil, err
			}
			out[f.Name] = item
		}
		return out, nil
	}
	return nil, notConvertible(path, "unknown descriptor %T", t)
}

func encodePrimitive(v reflect.Value) any {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	default:
		return v.Float()
	}
}

// encodeSet emits set members in a deterministic order.
func encodeSet(c *Collection, v reflect.Value, path string) (any, error) {
	out := make([]any, 0, v.Len())
	for _, key := range v.MapKeys() {
		item, err := encode(c.Elem, key, path)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return lessJSON(out[i], out[j]) })
	return out, nil
}

func lessJSON(a, b any) bool {
	switch a := a.(type) {
	case string:
		return a < b.(string)
	case int64:
		return a < b.(int64)
	case uint64:
		return a < b.(uint64)
	case float64:
		return a < b.(float64)
	case bool:
		return !a && b.(bool)
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func shapeMismatch(path, format string, args ...any) *model.ErrorEnvelope {
	if path == "" {
		path = "/"
	}
	msg := fmt.Sprintf(format, args...)
	return &model.ErrorEnvelope{
		Code:    model.ErrValueShapeMismatch,
		Message: fmt.Sprintf("%s: %s", path, msg),
		Details: []model.FieldError{{
			Field:   path,
			Code:    model.ErrValueShapeMismatch,
			Message: msg,
		}},
	}
}
