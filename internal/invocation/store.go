// Package invocation persists operation calls and executes them with at most
// one concurrent executor per invocation record.
package invocation

import (
	"context"

	"github.com/pitabwire/addonrt/model"
)

// Store persists invocation records.
type Store interface {
	// Create persists a new STARTING record. Returns CONFLICT if the id is
	// already taken.
	Create(ctx context.Context, inv *model.Invocation) error

	// Get returns a copy of the record. Returns INVOCATION_NOT_FOUND if it
	// does not exist.
	Get(ctx context.Context, id string) (*model.Invocation, error)

	// LockAndLoad blocks until it holds the exclusive lock on the record and
	// then loads its current state. The lock is held until Commit or
	// Rollback.
	LockAndLoad(ctx context.Context, id string) (Locked, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}

// Saver stages a record write inside the current unit of work.
type Saver interface {
	Save(ctx context.Context, inv *model.Invocation) error
}

// Locked is an invocation held under its exclusive lock. Writes staged with
// Save become visible to other readers only on Commit.
type Locked interface {
	Saver

	// Invocation returns the record as loaded after the lock was acquired.
	Invocation() *model.Invocation

	// Lost is closed when the lock can no longer be guaranteed, for example
	// after a lease stopped renewing. Locks that cannot be lost return nil.
	Lost() <-chan struct{}

	// Nested runs fn in an atomic unit nested inside the lock's unit of
	// work. If fn fails, every write it staged is discarded and the outer
	// unit stays usable.
	Nested(ctx context.Context, fn func(Saver) error) error

	// Commit makes the staged writes durable and releases the lock.
	Commit(ctx context.Context) error

	// Rollback discards staged writes and releases the lock. Calling it after
	// Commit is a no-op.
	Rollback(ctx context.Context) error
}

// staging holds the pending write of a store that applies it on commit.
type staging struct {
	pending *model.Invocation
}

func (s *staging) Save(_ context.Context, inv *model.Invocation) error {
	s.pending = inv.Clone()
	return nil
}

func (s *staging) nested(fn func(Saver) error) error {
	inner := &staging{pending: s.pending}
	if err := fn(inner); err != nil {
		return err
	}
	s.pending = inner.pending
	return nil
}
