package marshal

import (
	"math"
	"reflect"

	"github.com/getkin/kin-openapi/openapi3"
)

// SchemaFor derives the JSON Schema that accepts exactly the JSON values
// FromJSON accepts for t. Each call returns a fresh schema the caller may
// modify.
func SchemaFor(t Type) *openapi3.Schema {
	switch t := t.(type) {
	case *Primitive:
		return primitiveSchema(t)

	case *Enum:
		names := make([]any, len(t.Members))
		for i, m := range t.Members {
			names[i] = m.Name
		}
		return openapi3.NewStringSchema().WithEnum(names...)

	case *Optional:
		return SchemaFor(t.Elem).WithNullable()

	case *Collection:
		s := openapi3.NewArraySchema().WithItems(SchemaFor(t.Elem))
		if t.Unordered {
			s.WithUniqueItems(true)
		}
		return s

	case *Record:
		s := openapi3.NewObjectSchema().WithoutAdditionalProperties()
		var required []string
		for _, f := range t.Fields {
			prop := SchemaFor(f.Type)
			prop.Description = f.Description
			if f.Required {
				required = append(required, f.Name)
			} else if f.defaultRaw != nil {
				prop.Default = f.defaultRaw
			}
			s.WithProperty(f.Name, prop)
		}
		if len(required) > 0 {
			s.WithRequired(required)
		}
		return s
	}
	return openapi3.NewSchema()
}

// SchemaForParameters derives the schema of a keyword-argument object whose
// fields are the parameters of an operation, in declaration order.
func SchemaForParameters(params *Record) *openapi3.Schema {
	s := SchemaFor(params)
	s.Title = params.typ.Name()
	return s
}

func primitiveSchema(p *Primitive) *openapi3.Schema {
	switch p.Kind {
	case String:
		return openapi3.NewStringSchema()
	case Boolean:
		return openapi3.NewBoolSchema()
	case Number:
		s := openapi3.NewFloat64Schema()
		if p.typ.Kind() == reflect.Float32 {
			s.WithMin(-math.MaxFloat32).WithMax(math.MaxFloat32)
		}
		return s
	}

	s := openapi3.NewIntegerSchema()
	bits := p.typ.Bits()
	if isUnsigned(p.typ.Kind()) {
		s.WithMin(0)
		if bits == 64 {
			// 2^64-1 is not representable as a float64.
			return s.WithMax(math.Exp2(64)).WithExclusiveMax(true)
		}
		return s.WithMax(float64(uint64(1)<<bits - 1))
	}
	limit := math.Exp2(float64(bits - 1))
	s.WithMin(-limit)
	if bits == 64 {
		return s.WithMax(limit).WithExclusiveMax(true)
	}
	return s.WithMax(limit - 1)
}
