// Package marshal converts between JSON values and statically described Go
// types, and derives JSON Schema from the same descriptors.
//
// A descriptor tree is built once per Go type with Describe and is immutable
// afterwards, so it may be shared across goroutines without locking.
package marshal

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pitabwire/addonrt/model"
)

// Type is a node of the descriptor tree. It is sealed: only Primitive, Enum,
// Optional, Collection and Record implement it.
type Type interface {
	// GoType returns the Go type the descriptor converts.
	GoType() reflect.Type
	marshalType()
}

// PrimitiveKind enumerates the scalar JSON shapes.
type PrimitiveKind int

const (
	String PrimitiveKind = iota
	Integer
	Number
	Boolean
)

func (k PrimitiveKind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Primitive describes a string, integer, number or boolean.
type Primitive struct {
	Kind PrimitiveKind
	typ  reflect.Type
}

func (p *Primitive) GoType() reflect.Type { return p.typ }
func (*Primitive) marshalType()           {}

// EnumMember is one named value of a closed enumeration.
type EnumMember struct {
	Name  string
	Value any
}

// Enumeration is implemented by Go types that form a closed set of named
// values. Members are serialized by name, never by underlying value.
type Enumeration interface {
	EnumMembers() []EnumMember
}

// Enum describes a closed enumeration.
type Enum struct {
	Members []EnumMember
	typ     reflect.Type
	byName  map[string]reflect.Value
	byValue map[any]string
}

func (e *Enum) GoType() reflect.Type { return e.typ }
func (*Enum) marshalType()           {}

// Names returns the member names in declaration order.
func (e *Enum) Names() []string {
	names := make([]string, len(e.Members))
	for i, m := range e.Members {
		names[i] = m.Name
	}
	return names
}

// Optional describes a value that may be absent. It is declared as a pointer.
type Optional struct {
	Elem Type
	typ  reflect.Type
}

func (o *Optional) GoType() reflect.Type { return o.typ }
func (*Optional) marshalType()           {}

// Collection describes a homogeneous collection. Ordered collections are
// slices; unordered ones are sets declared as map[T]struct{}.
type Collection struct {
	Elem      Type
	Unordered bool
	typ       reflect.Type
}

func (c *Collection) GoType() reflect.Type { return c.typ }
func (*Collection) marshalType()           {}

// Field is one member of a Record.
type Field struct {
	// Name is the JSON key.
	Name        string
	Type        Type
	Required    bool
	Description string

	index       int
	defaultVal  reflect.Value
	defaultRaw  any
	zeroDefault bool
}

// Default returns the field's default as a Go value. Required fields have
// none.
func (f *Field) Default() (any, bool) {
	if f.Required {
		return nil, false
	}
	return f.defaultVal.Interface(), true
}

// Record describes a struct converted field by field.
type Record struct {
	Fields []*Field
	typ    reflect.Type
	byName map[string]*Field
}

func (r *Record) GoType() reflect.Type { return r.typ }
func (*Record) marshalType()           {}

// Field returns the field with the given JSON key.
func (r *Record) Field(name string) (*Field, bool) {
	f, ok := r.byName[name]
	return f, ok
}

var (
	enumerationType = reflect.TypeFor[Enumeration]()
	emptyStructType = reflect.TypeFor[struct{}]()
)

// Describe builds the descriptor tree for t. It fails with
// TYPE_NOT_CONVERTIBLE for shapes outside the supported set.
func Describe(t reflect.Type) (Type, error) {
	d := &describer{inProgress: make(map[reflect.Type]bool)}
	return d.describe(t, t.String())
}

// DescribeOf is Describe for a type parameter.
func DescribeOf[T any]() (Type, error) {
	return Describe(reflect.TypeFor[T]())
}

// DescribeRecord describes t and requires it to be a Record.
func DescribeRecord(t reflect.Type) (*Record, error) {
	desc, err := Describe(t)
	if err != nil {
		return nil, err
	}
	rec, ok := desc.(*Record)
	if !ok {
		return nil, notConvertible(t.String(), "a structured record type is required, got %s", shapeName(desc))
	}
	return rec, nil
}

type describer struct {
	inProgress map[reflect.Type]bool
}

func (d *describer) describe(t reflect.Type, where string) (Type, error) {
	if t == nil {
		return nil, notConvertible(where, "untyped value")
	}
	if t.Implements(enumerationType) && t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface {
		return describeEnum(t, where)
	}

	switch t.Kind() {
	case reflect.String:
		return &Primitive{Kind: String, typ: t}, nil
	case reflect.Bool:
		return &Primitive{Kind: Boolean, typ: t}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Primitive{Kind: Integer, typ: t}, nil
	case reflect.Float32, reflect.Float64:
		return &Primitive{Kind: Number, typ: t}, nil
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Pointer {
			return nil, notConvertible(where, "nested optional %s", t)
		}
		elem, err := d.describe(t.Elem(), where)
		if err != nil {
			return nil, err
		}
		return &Optional{Elem: elem, typ: t}, nil
	case reflect.Slice:
		elem, err := d.describe(t.Elem(), where+"[]")
		if err != nil {
			return nil, err
		}
		return &Collection{Elem: elem, typ: t}, nil
	case reflect.Map:
		if t.Elem() != emptyStructType {
			return nil, notConvertible(where, "maps are only supported as sets (map[T]struct{}), got %s", t)
		}
		elem, err := d.describe(t.Key(), where+"{}")
		if err != nil {
			return nil, err
		}
		switch elem.(type) {
		case *Primitive, *Enum:
		default:
			return nil, notConvertible(where, "set items must be primitive or enum, got %s", t.Key())
		}
		return &Collection{Elem: elem, Unordered: true, typ: t}, nil
	case reflect.Struct:
		return d.describeRecord(t, where)
	default:
		return nil, notConvertible(where, "unsupported type %s", t)
	}
}

func (d *describer) describeRecord(t reflect.Type, where string) (Type, error) {
	if d.inProgress[t] {
		return nil, notConvertible(where, "recursive record %s", t)
	}
	d.inProgress[t] = true
	defer delete(d.inProgress, t)

	rec := &Record{typ: t, byName: make(map[string]*Field, t.NumField())}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fieldWhere := where + "." + sf.Name
		if !sf.IsExported() {
			return nil, notConvertible(fieldWhere, "unexported field")
		}
		if sf.Anonymous {
			return nil, notConvertible(fieldWhere, "embedded fields are not supported")
		}

		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		if _, dup := rec.byName[name]; dup {
			return nil, notConvertible(fieldWhere, "duplicate JSON key %q", name)
		}

		ft, err := d.describe(sf.Type, fieldWhere)
		if err != nil {
			return nil, err
		}

		f := &Field{
			Name:        name,
			Type:        ft,
			Required:    true,
			Description: sf.Tag.Get("description"),
			index:       i,
		}
		_, isOptional := ft.(*Optional)
		raw, hasDefaultTag := sf.Tag.Lookup("default")
		switch {
		case hasDefaultTag:
			if err := f.parseDefault(raw); err != nil {
				return nil, notConvertible(fieldWhere, "invalid default %q: %v", raw, err)
			}
		case isOptional || hasOption(opts, "omitempty"):
			f.Required = false
			f.zeroDefault = true
			f.defaultVal = reflect.Zero(sf.Type)
			f.defaultRaw, _ = encode(ft, f.defaultVal, "")
		}

		rec.Fields = append(rec.Fields, f)
		rec.byName[name] = f
	}
	return rec, nil
}

func (f *Field) parseDefault(raw string) error {
	var decoded any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	v, err := decode(f.Type, decoded, "")
	if err != nil {
		return err
	}
	f.Required = false
	f.defaultVal = v
	f.defaultRaw, err = encode(f.Type, v, "")
	return err
}

func describeEnum(t reflect.Type, where string) (Type, error) {
	members := reflect.Zero(t).Interface().(Enumeration).EnumMembers()
	if len(members) == 0 {
		return nil, notConvertible(where, "enumeration %s has no members", t)
	}
	if !t.Comparable() {
		return nil, notConvertible(where, "enumeration %s is not comparable", t)
	}

	e := &Enum{
		Members: members,
		typ:     t,
		byName:  make(map[string]reflect.Value, len(members)),
		byValue: make(map[any]string, len(members)),
	}
	for _, m := range members {
		if m.Name == "" {
			return nil, notConvertible(where, "enumeration %s has an unnamed member", t)
		}
		mv := reflect.ValueOf(m.Value)
		if !mv.IsValid() || !mv.Type().ConvertibleTo(t) {
			return nil, notConvertible(where, "member %s of %s has value of type %T", m.Name, t, m.Value)
		}
		mv = mv.Convert(t)
		if _, dup := e.byName[m.Name]; dup {
			return nil, notConvertible(where, "enumeration %s repeats member name %s", t, m.Name)
		}
		if _, dup := e.byValue[mv.Interface()]; dup {
			return nil, notConvertible(where, "enumeration %s repeats the value of %s", t, m.Name)
		}
		e.byName[m.Name] = mv
		e.byValue[mv.Interface()] = m.Name
	}
	return e, nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func shapeName(t Type) string {
	switch t := t.(type) {
	case *Primitive:
		return t.Kind.String()
	case *Enum:
		return "enum"
	case *Optional:
		return "optional"
	case *Collection:
		if t.Unordered {
			return "set"
		}
		return "array"
	case *Record:
		return "record"
	default:
		return fmt.Sprintf("%T", t)
	}
}

func notConvertible(where, format string, args ...any) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrTypeNotConvertible,
		Message: fmt.Sprintf("%s: %s", where, fmt.Sprintf(format, args...)),
	}
}
