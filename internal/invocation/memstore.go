package invocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/addonrt/model"
)

// MemoryStore is an in-memory Store. Each record has its own lock so
// distinct invocations never wait on each other. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.Invocation
	locks   map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory invocation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.Invocation),
		locks:   make(map[string]chan struct{}),
	}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, inv *model.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[inv.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("invocation %q already exists", inv.ID))
	}
	s.records[inv.ID] = inv.Clone()
	s.locks[inv.ID] = make(chan struct{}, 1)
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, exists := s.records[id]
	if !exists {
		return nil, model.NewInvocationNotFoundError(id)
	}
	return inv.Clone(), nil
}

// LockAndLoad waits for the record's lock, honouring ctx cancellation.
func (s *MemoryStore) LockAndLoad(ctx context.Context, id string) (Locked, error) {
	s.mu.Lock()
	sem, exists := s.locks[id]
	s.mu.Unlock()
	if !exists {
		return nil, model.NewInvocationNotFoundError(id)
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inv, err := s.Get(ctx, id)
	if err != nil {
		<-sem
		return nil, err
	}
	return &memoryLocked{store: s, sem: sem, loaded: inv, staging: staging{}}, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memoryLocked struct {
	staging
	store    *MemoryStore
	sem      chan struct{}
	loaded   *model.Invocation
	released bool
}

func (l *memoryLocked) Invocation() *model.Invocation { return l.loaded.Clone() }

func (l *memoryLocked) Nested(_ context.Context, fn func(Saver) error) error {
	return l.nested(fn)
}

func (l *memoryLocked) Lost() <-chan struct{} { return nil }

func (l *memoryLocked) Commit(_ context.Context) error {
	if l.released {
		return model.NewConflictError(fmt.Sprintf("invocation %q lock already released", l.loaded.ID))
	}
	if l.pending != nil {
		l.store.mu.Lock()
		l.store.records[l.pending.ID] = l.pending
		l.store.mu.Unlock()
	}
	l.release()
	return nil
}

func (l *memoryLocked) Rollback(_ context.Context) error {
	if !l.released {
		l.release()
	}
	return nil
}

func (l *memoryLocked) release() {
	l.released = true
	<-l.sem
}
