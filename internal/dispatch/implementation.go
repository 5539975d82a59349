// Package dispatch binds provider implementations to addon interfaces and
// decides which operations a given grant may invoke on each of them.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/internal/transport"
	"github.com/pitabwire/addonrt/model"
)

// Env is what an implementation receives alongside its typed arguments.
type Env struct {
	InvocationID string
	Integration  *model.Integration
	// Network reaches the integration's remote service with its credentials.
	Network *transport.Client
	Logger  *zap.Logger
}

// Func is the call logic for one operation.
type Func[P, R any] func(ctx context.Context, env Env, params P) (R, error)

// Binding attaches call logic to a declared operation.
type Binding struct {
	decl *operation.Declaration
	call func(ctx context.Context, env Env, params any) (any, error)
}

// Handle binds fn to op. The compiler checks fn against the operation's
// parameter and result types.
func Handle[P, R any](op operation.Operation[P, R], fn Func[P, R]) Binding {
	return Binding{
		decl: op.Declaration(),
		call: func(ctx context.Context, env Env, params any) (any, error) {
			p, ok := params.(P)
			if !ok {
				return nil, model.NewError(model.ErrInvalidArguments,
					fmt.Sprintf("operation %s expects %T, got %T", op.Name(), p, params))
			}
			return fn(ctx, env, p)
		},
	}
}

// Implementation is one provider's binding to an interface. It is immutable
// once constructed.
type Implementation struct {
	name        string
	iface       *operation.Interface
	bindings    map[string]Binding
	implemented []*operation.Declaration
}

// NewImplementation binds call logic for a subset of iface's operations.
// Every binding must belong to iface and each operation may be bound once.
func NewImplementation(name string, iface *operation.Interface, bindings ...Binding) (*Implementation, error) {
	if name == "" {
		return nil, model.NewError(model.ErrInvalidDeclaration, "implementation name is required")
	}
	impl := &Implementation{
		name:     name,
		iface:    iface,
		bindings: make(map[string]Binding, len(bindings)),
	}
	for _, b := range bindings {
		if b.decl == nil {
			return nil, model.NewError(model.ErrInvalidDeclaration,
				fmt.Sprintf("implementation %q: binding for an undeclared operation", name))
		}
		decl, ok := iface.Lookup(b.decl.Name)
		if !ok || decl != b.decl {
			return nil, model.NewError(model.ErrInvalidDeclaration,
				fmt.Sprintf("implementation %q: operation %q is not declared by interface %q", name, b.decl.Name, iface.Name()))
		}
		if _, dup := impl.bindings[decl.Name]; dup {
			return nil, model.NewError(model.ErrInvalidDeclaration,
				fmt.Sprintf("implementation %q binds %q twice", name, decl.Name))
		}
		impl.bindings[decl.Name] = b
	}

	// Declared order is kept so listings are stable.
	for _, decl := range iface.Operations() {
		if _, ok := impl.bindings[decl.Name]; ok {
			impl.implemented = append(impl.implemented, decl)
		}
	}
	return impl, nil
}

// MustImplementation is NewImplementation for startup wiring; it panics on
// error.
func MustImplementation(name string, iface *operation.Interface, bindings ...Binding) *Implementation {
	impl, err := NewImplementation(name, iface, bindings...)
	if err != nil {
		panic(fmt.Sprintf("dispatch: %v", err))
	}
	return impl
}

// Name returns the stable name recorded on invocations.
func (i *Implementation) Name() string { return i.name }

// Interface returns the interface the implementation is bound to.
func (i *Implementation) Interface() *operation.Interface { return i.iface }

// Implemented returns the declared operations this implementation defines,
// in declaration order.
func (i *Implementation) Implemented() []*operation.Declaration {
	return append([]*operation.Declaration(nil), i.implemented...)
}

// Invoke runs the call logic bound to decl with already-converted params.
func (i *Implementation) Invoke(ctx context.Context, env Env, decl *operation.Declaration, params any) (any, error) {
	b, ok := i.bindings[decl.Name]
	if !ok || b.decl != decl {
		return nil, model.NewOperationNotImplementedError(i.name, decl.Name)
	}
	return b.call(ctx, env, params)
}
