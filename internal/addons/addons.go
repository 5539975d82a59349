// Package addons assembles the built-in addon interfaces and their provider
// implementations into a dispatch registry.
package addons

import (
	"fmt"

	"github.com/pitabwire/addonrt/internal/addons/citation"
	"github.com/pitabwire/addonrt/internal/addons/computing"
	"github.com/pitabwire/addonrt/internal/addons/storage"
	"github.com/pitabwire/addonrt/internal/dispatch"
)

// Names of the built-in implementations, as referenced by integration config.
const (
	StorageREST   = "storage-rest"
	CitationREST  = "citation-rest"
	ComputingREST = "computing-rest"
)

// Catalog holds the declared built-in interfaces.
type Catalog struct {
	Storage   *storage.Operations
	Citation  *citation.Operations
	Computing *computing.Operations
}

// Declare builds every built-in interface.
func Declare() (*Catalog, error) {
	var (
		c   Catalog
		err error
	)
	if c.Storage, err = storage.Declare(); err != nil {
		return nil, fmt.Errorf("addons: storage: %w", err)
	}
	if c.Citation, err = citation.Declare(); err != nil {
		return nil, fmt.Errorf("addons: citation: %w", err)
	}
	if c.Computing, err = computing.Declare(); err != nil {
		return nil, fmt.Errorf("addons: computing: %w", err)
	}
	return &c, nil
}

// Register adds the built-in implementations to r.
func (c *Catalog) Register(r *dispatch.Registry) error {
	builders := []struct {
		name  string
		build func() (*dispatch.Implementation, error)
	}{
		{StorageREST, func() (*dispatch.Implementation, error) { return storage.NewRESTImplementation(StorageREST, c.Storage) }},
		{CitationREST, func() (*dispatch.Implementation, error) { return citation.NewRESTImplementation(CitationREST, c.Citation) }},
		{ComputingREST, func() (*dispatch.Implementation, error) { return computing.NewRESTImplementation(ComputingREST, c.Computing) }},
	}
	for _, b := range builders {
		impl, err := b.build()
		if err != nil {
			return fmt.Errorf("addons: %s: %w", b.name, err)
		}
		r.Register(impl)
	}
	return nil
}

// NewRegistry returns a registry holding every built-in implementation.
func NewRegistry() (*dispatch.Registry, *Catalog, error) {
	c, err := Declare()
	if err != nil {
		return nil, nil, err
	}
	r := dispatch.NewRegistry()
	if err := c.Register(r); err != nil {
		return nil, nil, err
	}
	return r, c, nil
}
