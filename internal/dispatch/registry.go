package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/model"
)

// Registry stores implementations by name. Every implementation is bound to
// exactly one interface when it is constructed, so no lookup ever probes
// for the family an implementation belongs to. It is safe for concurrent use
// after initial registration.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]*Implementation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]*Implementation)}
}

// Register adds impl under its name. Panics if the name is already taken,
// since this indicates a wiring mistake at startup.
func (r *Registry) Register(impl *Implementation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.impls[impl.name]; exists {
		panic(fmt.Sprintf("dispatch: implementation %q already registered", impl.name))
	}
	r.impls[impl.name] = impl
}

// Get returns the implementation registered under name.
func (r *Registry) Get(name string) (*Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[name]
	if !ok {
		return nil, model.NewError(model.ErrImplementationUnknown,
			fmt.Sprintf("implementation %q is not registered", name))
	}
	return impl, nil
}

// Names returns all registered implementation names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.impls))
	for name := range r.impls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interfaces returns the distinct interfaces of all registered
// implementations, sorted by name.
func (r *Registry) Interfaces() []*operation.Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]*operation.Interface)
	for _, impl := range r.impls {
		seen[impl.iface.Name()] = impl.iface
	}
	out := make([]*operation.Interface, 0, len(seen))
	for _, iface := range seen {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// OperationsImplementedBy returns the declared operations the named
// implementation defines.
func (r *Registry) OperationsImplementedBy(name string) ([]*operation.Declaration, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return impl.Implemented(), nil
}

// AuthorizedOperations returns the implemented operations whose required
// capability is contained in granted.
func (r *Registry) AuthorizedOperations(name string, granted model.Capability) ([]*operation.Declaration, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	var out []*operation.Declaration
	for _, d := range impl.implemented {
		if granted.Has(d.Capability) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Resolve finds an operation on the named implementation. It fails with
// OPERATION_UNKNOWN when the interface declares no such operation and with
// OPERATION_NOT_IMPLEMENTED when the implementation does not define it.
func (r *Registry) Resolve(name, operationName string) (*Implementation, *operation.Declaration, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, nil, err
	}
	decl, ok := impl.iface.Lookup(operationName)
	if !ok {
		return nil, nil, model.NewOperationUnknownError(impl.iface.Name(), operationName)
	}
	if _, ok := impl.bindings[operationName]; !ok {
		return nil, nil, model.NewOperationNotImplementedError(impl.name, operationName)
	}
	return impl, decl, nil
}

// Authorize is Resolve followed by the capability check. It fails with
// OPERATION_NOT_AUTHORIZED when granted lacks the operation's capability.
func (r *Registry) Authorize(name, operationName string, granted model.Capability) (*Implementation, *operation.Declaration, error) {
	impl, decl, err := r.Resolve(name, operationName)
	if err != nil {
		return nil, nil, err
	}
	if !granted.Has(decl.Capability) {
		return nil, nil, model.NewOperationNotAuthorizedError(operationName, decl.Capability, granted)
	}
	return impl, decl, nil
}
