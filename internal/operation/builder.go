package operation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/model"
)

// Builder assembles an Interface. Every failed declaration is remembered and
// reported again by Build so a misconfigured interface can never be used.
type Builder struct {
	iface *Interface
	errs  []error
	built bool
}

// NewInterface starts the declaration of an interface whose operations may
// require any capability in vocabulary.
func NewInterface(name string, vocabulary model.Capability) *Builder {
	b := &Builder{iface: &Interface{
		name:       name,
		vocabulary: vocabulary,
		byName:     make(map[string]*Declaration),
	}}
	if name == "" || strings.Contains(name, ":") {
		b.fail(invalidDeclaration(name, "", "interface name must be non-empty and must not contain ':'"))
	}
	if vocabulary == model.CapabilityNone {
		b.fail(invalidDeclaration(name, "", "capability vocabulary is empty"))
	}
	return b
}

// Extend copies every operation of base into the interface being built.
// Extend must be called before any Declare.
func (b *Builder) Extend(base *Interface) *Builder {
	if b.built {
		b.fail(invalidDeclaration(b.iface.name, "", "interface already built"))
		return b
	}
	if len(b.iface.ops) > len(b.inherited()) {
		b.fail(invalidDeclaration(b.iface.name, "", "Extend must precede own declarations"))
		return b
	}
	for _, d := range base.ops {
		if !b.iface.vocabulary.Has(d.Capability) {
			b.fail(invalidDeclaration(b.iface.name, d.Name,
				fmt.Sprintf("inherited capability %s is outside vocabulary %s", d.Capability, b.iface.vocabulary)))
			continue
		}
		if err := b.add(d); err != nil {
			b.fail(err)
		}
	}
	b.iface.bases = append(b.iface.bases, base.bases...)
	b.iface.bases = append(b.iface.bases, base.name)
	return b
}

func (b *Builder) inherited() []*Declaration {
	var out []*Declaration
	for _, d := range b.iface.ops {
		if d.Interface != b.iface.name {
			out = append(out, d)
		}
	}
	return out
}

// Declare registers an operation with parameter record P and result record
// R. It fails fast on any declaration problem.
func Declare[P, R any](b *Builder, name string, kind model.OperationKind, capability model.Capability) (Operation[P, R], error) {
	decl, err := b.declare(name, kind, capability, reflect.TypeFor[P](), reflect.TypeFor[R]())
	if err != nil {
		b.fail(err)
		return Operation[P, R]{}, err
	}
	return Operation[P, R]{decl: decl}, nil
}

// MustDeclare is Declare for package-level setup code; it panics on error.
func MustDeclare[P, R any](b *Builder, name string, kind model.OperationKind, capability model.Capability) Operation[P, R] {
	op, err := Declare[P, R](b, name, kind, capability)
	if err != nil {
		panic(fmt.Sprintf("operation: %v", err))
	}
	return op
}

func (b *Builder) declare(name string, kind model.OperationKind, capability model.Capability,
	paramType, resultType reflect.Type) (*Declaration, error) {
	iface := b.iface.name
	if b.built {
		return nil, invalidDeclaration(iface, name, "interface already built")
	}
	if name == "" || strings.Contains(name, ":") {
		return nil, invalidDeclaration(iface, name, "operation name must be non-empty and must not contain ':'")
	}
	if !kind.Valid() {
		return nil, invalidDeclaration(iface, name, fmt.Sprintf("unknown operation kind %q", kind))
	}
	if !capability.IsSingleton() {
		return nil, invalidDeclaration(iface, name,
			fmt.Sprintf("required capability must be exactly one capability, got %s", capability))
	}
	if !b.iface.vocabulary.Has(capability) {
		return nil, invalidDeclaration(iface, name,
			fmt.Sprintf("capability %s is outside vocabulary %s", capability, b.iface.vocabulary))
	}
	if _, dup := b.iface.byName[name]; dup {
		return nil, model.NewDuplicateOperationError(iface, name)
	}

	params, err := marshal.DescribeRecord(paramType)
	if err != nil {
		return nil, wrapDeclaration(iface, name, "parameters", err)
	}
	result, err := marshal.DescribeRecord(resultType)
	if err != nil {
		return nil, wrapDeclaration(iface, name, "result", err)
	}
	if kind == model.KindRedirect && resultType != redirectResultType {
		return nil, invalidDeclaration(iface, name,
			fmt.Sprintf("REDIRECT operations must return operation.RedirectResult, got %s", resultType))
	}

	decl := &Declaration{
		Interface:  iface,
		Name:       name,
		Kind:       kind,
		Capability: capability,
		Params:     params,
		Result:     result,
	}
	if err := b.add(decl); err != nil {
		return nil, err
	}
	return decl, nil
}

func (b *Builder) add(d *Declaration) error {
	if _, dup := b.iface.byName[d.Name]; dup {
		return model.NewDuplicateOperationError(b.iface.name, d.Name)
	}
	b.iface.ops = append(b.iface.ops, d)
	b.iface.byName[d.Name] = d
	return nil
}

func (b *Builder) fail(err error) {
	b.errs = append(b.errs, err)
}

// Build returns the finished interface, or every declaration error joined.
func (b *Builder) Build() (*Interface, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("operation: interface %q: %w", b.iface.name, errors.Join(b.errs...))
	}
	b.built = true
	return b.iface, nil
}

func invalidDeclaration(iface, name, msg string) *model.ErrorEnvelope {
	if name != "" {
		msg = fmt.Sprintf("%s:%s: %s", iface, name, msg)
	} else {
		msg = fmt.Sprintf("%s: %s", iface, msg)
	}
	return model.NewError(model.ErrInvalidDeclaration, msg)
}

func wrapDeclaration(iface, name, what string, err error) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrorCode(err, model.ErrInvalidDeclaration),
		Message: fmt.Sprintf("%s:%s: %s: %v", iface, name, what, err),
		Cause:   err,
	}
}
