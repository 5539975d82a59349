// Package operation declares typed operations on addon interfaces and the
// single capability each one requires.
//
// Interfaces are assembled once at startup with a Builder and are immutable
// afterwards.
package operation

import (
	"fmt"
	"reflect"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/model"
)

// RedirectResult is the result every REDIRECT operation returns: where the
// caller should be sent instead of receiving data.
type RedirectResult struct {
	URL    string `json:"url" description:"Absolute URL the caller should follow"`
	Method string `json:"method" default:"\"GET\"" description:"HTTP method for the redirect"`
}

var redirectResultType = reflect.TypeFor[RedirectResult]()

// Declaration is the immutable description of one operation.
type Declaration struct {
	// Interface is the name of the interface that declared the operation.
	Interface  string
	Name       string
	Kind       model.OperationKind
	Capability model.Capability
	Params     *marshal.Record
	Result     *marshal.Record
}

// ParamsSchema returns the JSON Schema of the operation's keyword arguments.
func (d *Declaration) ParamsSchema() *openapi3.Schema {
	return marshal.SchemaForParameters(d.Params)
}

// ResultSchema returns the JSON Schema of the operation's result.
func (d *Declaration) ResultSchema() *openapi3.Schema {
	return marshal.SchemaFor(d.Result)
}

func (d *Declaration) String() string {
	return fmt.Sprintf("%s:%s(%s, %s)", d.Interface, d.Name, d.Kind, d.Capability)
}

// Operation is a typed handle on a Declaration. Implementations bind call
// logic to it so parameter and result types are checked by the compiler.
type Operation[P, R any] struct {
	decl *Declaration
}

// Declaration returns the untyped declaration.
func (o Operation[P, R]) Declaration() *Declaration { return o.decl }

// Name returns the operation name.
func (o Operation[P, R]) Name() string { return o.decl.Name }

// Interface is the ordered, immutable set of operations of one addon family.
type Interface struct {
	name       string
	vocabulary model.Capability
	bases      []string
	ops        []*Declaration
	byName     map[string]*Declaration
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// Vocabulary returns the capabilities operations of this family may require.
func (i *Interface) Vocabulary() model.Capability { return i.vocabulary }

// Bases returns the names of the interfaces this one extends, nearest last.
func (i *Interface) Bases() []string { return append([]string(nil), i.bases...) }

// Operations returns every declaration in declaration order. Operations
// inherited from a base come first.
func (i *Interface) Operations() []*Declaration {
	return append([]*Declaration(nil), i.ops...)
}

// OperationsFor returns the declarations whose required capability is
// contained in granted, in declaration order.
func (i *Interface) OperationsFor(granted model.Capability) []*Declaration {
	var out []*Declaration
	for _, d := range i.ops {
		if granted.Has(d.Capability) {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the declaration with the given name.
func (i *Interface) Lookup(name string) (*Declaration, bool) {
	d, ok := i.byName[name]
	return d, ok
}

// Identifier returns the persisted identifier of an operation of this
// interface.
func (i *Interface) Identifier(name string) model.OperationIdentifier {
	return model.OperationIdentifier{Interface: i.name, Operation: name}
}
