package server

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/model"
)

// OperationView is the public description of one declared operation.
type OperationView struct {
	Identifier string              `json:"identifier"`
	Name       string              `json:"name"`
	Kind       model.OperationKind `json:"kind"`
	Capability model.Capability    `json:"capability"`
}

// InterfaceView describes an interface and the operations it declares.
type InterfaceView struct {
	Name       string           `json:"name"`
	Vocabulary model.Capability `json:"vocabulary"`
	Bases      []string         `json:"bases,omitempty"`
	Operations []OperationView  `json:"operations"`
}

// ImplementationView names the operations one implementation defines.
type ImplementationView struct {
	Name       string          `json:"name"`
	Interface  string          `json:"interface"`
	Operations []OperationView `json:"operations"`
}

// CatalogResponse is the body of GET /operations.
type CatalogResponse struct {
	Interfaces      []InterfaceView      `json:"interfaces"`
	Implementations []ImplementationView `json:"implementations"`
}

// OperationDetail is the body of GET /operations/{interface}/{operation}.
type OperationDetail struct {
	OperationView
	Interface     string           `json:"interface"`
	ImplementedBy []string         `json:"implemented_by"`
	ParamsSchema  *openapi3.Schema `json:"params_schema"`
	ResultSchema  *openapi3.Schema `json:"result_schema"`
}

type operationCatalog struct {
	registry *dispatch.Registry
}

// list serves the whole catalog. The optional granted query parameter
// ("ACCESS|UPDATE") restricts it to the operations that grant may invoke.
func (c *operationCatalog) list(w http.ResponseWriter, r *http.Request) {
	granted, filtered, err := grantedFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := CatalogResponse{
		Interfaces:      []InterfaceView{},
		Implementations: []ImplementationView{},
	}
	for _, iface := range c.registry.Interfaces() {
		decls := iface.Operations()
		if filtered {
			decls = iface.OperationsFor(granted)
		}
		resp.Interfaces = append(resp.Interfaces, InterfaceView{
			Name:       iface.Name(),
			Vocabulary: iface.Vocabulary(),
			Bases:      iface.Bases(),
			Operations: viewsOf(iface, decls),
		})
	}
	for _, name := range c.registry.Names() {
		view, err := c.implementationView(name, granted, filtered)
		if err != nil {
			WriteError(w, err)
			return
		}
		resp.Implementations = append(resp.Implementations, view)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (c *operationCatalog) get(w http.ResponseWriter, r *http.Request) {
	ifaceName := chi.URLParam(r, "interface")
	opName := chi.URLParam(r, "operation")

	var iface *operation.Interface
	for _, candidate := range c.registry.Interfaces() {
		if candidate.Name() == ifaceName {
			iface = candidate
			break
		}
	}
	if iface == nil {
		WriteError(w, model.NewError(model.ErrOperationUnknown,
			fmt.Sprintf("no registered implementation provides interface %q", ifaceName)))
		return
	}
	decl, ok := iface.Lookup(opName)
	if !ok {
		WriteError(w, model.NewOperationUnknownError(ifaceName, opName))
		return
	}

	detail := OperationDetail{
		OperationView: viewOf(iface, decl),
		Interface:     iface.Name(),
		ImplementedBy: []string{},
		ParamsSchema:  decl.ParamsSchema(),
		ResultSchema:  decl.ResultSchema(),
	}
	for _, name := range c.registry.Names() {
		impl, err := c.registry.Get(name)
		if err != nil || impl.Interface() != iface {
			continue
		}
		if _, _, err := c.registry.Resolve(name, opName); err == nil {
			detail.ImplementedBy = append(detail.ImplementedBy, name)
		}
	}
	WriteJSON(w, http.StatusOK, detail)
}

func (c *operationCatalog) implementation(w http.ResponseWriter, r *http.Request) {
	granted, filtered, err := grantedFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	view, err := c.implementationView(chi.URLParam(r, "implementation"), granted, filtered)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (c *operationCatalog) implementationView(name string, granted model.Capability, filtered bool) (ImplementationView, error) {
	impl, err := c.registry.Get(name)
	if err != nil {
		return ImplementationView{}, err
	}
	decls := impl.Implemented()
	if filtered {
		if decls, err = c.registry.AuthorizedOperations(name, granted); err != nil {
			return ImplementationView{}, err
		}
	}
	return ImplementationView{
		Name:       name,
		Interface:  impl.Interface().Name(),
		Operations: viewsOf(impl.Interface(), decls),
	}, nil
}

func grantedFrom(r *http.Request) (model.Capability, bool, error) {
	raw, ok := r.URL.Query()["granted"]
	if !ok {
		return model.CapabilityNone, false, nil
	}
	var granted model.Capability
	if err := granted.UnmarshalText([]byte(raw[0])); err != nil {
		return model.CapabilityNone, false, &model.ErrorEnvelope{
			Code:    model.ErrInvalidArguments,
			Message: err.Error(),
			Details: []model.FieldError{{Field: "granted", Code: "invalid", Message: "expected capability names joined by |"}},
		}
	}
	return granted, true, nil
}

func viewsOf(iface *operation.Interface, decls []*operation.Declaration) []OperationView {
	out := make([]OperationView, 0, len(decls))
	for _, d := range decls {
		out = append(out, viewOf(iface, d))
	}
	return out
}

func viewOf(iface *operation.Interface, d *operation.Declaration) OperationView {
	return OperationView{
		Identifier: iface.Identifier(d.Name).String(),
		Name:       d.Name,
		Kind:       d.Kind,
		Capability: d.Capability,
	}
}
