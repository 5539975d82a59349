package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/model"
)

// CallRequest is one caller-facing operation call.
type CallRequest struct {
	IntegrationID string
	// Operation is the "interface:operation" identifier.
	Operation  string
	KwargsJSON json.RawMessage
	Caller     *model.Caller
}

// Service is the caller-facing call surface. It creates the STARTING record
// and decides, per operation kind, whether the caller waits for the outcome.
//
// REDIRECT and IMMEDIATE calls execute before Call returns and propagate the
// recorded error. EVENTUAL calls are handed to the Scheduler and never
// propagate; the caller polls the record with Get.
type Service struct {
	executor  *Executor
	registry  *dispatch.Registry
	store     Store
	scheduler Scheduler
	logger    *zap.Logger
	newID     func() string
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithScheduler sets the scheduler for EVENTUAL operations.
func WithScheduler(s Scheduler) ServiceOption {
	return func(svc *Service) { svc.scheduler = s }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(svc *Service) { svc.logger = l }
}

// WithIDGenerator overrides invocation id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(svc *Service) { svc.newID = fn }
}

// NewService creates a Service. EVENTUAL operations run inline unless a
// scheduler is configured.
func NewService(executor *Executor, registry *dispatch.Registry, store Store, opts ...ServiceOption) *Service {
	svc := &Service{
		executor:  executor,
		registry:  registry,
		store:     store,
		scheduler: SyncScheduler{},
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
		now:       executor.now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Call records a new invocation and executes it.
func (s *Service) Call(ctx context.Context, req CallRequest) (*model.Invocation, error) {
	if req.Caller == nil {
		return nil, model.NewError(model.ErrInvalidArguments, "caller is required")
	}
	if err := req.Caller.Validate(); err != nil {
		return nil, model.WrapError(model.ErrInvalidArguments, err)
	}

	kwargs := req.KwargsJSON
	if len(kwargs) == 0 {
		kwargs = json.RawMessage("{}")
	}
	if !json.Valid(kwargs) {
		return nil, model.NewError(model.ErrInvalidArguments, "kwargs are not valid JSON")
	}

	now := s.now()
	inv := &model.Invocation{
		ID:                  s.newID(),
		OperationIdentifier: req.Operation,
		Kind:                s.kindOf(req.Operation),
		KwargsJSON:          kwargs,
		IntegrationID:       req.IntegrationID,
		CallerID:            req.Caller.Identity(),
		Status:              model.InvocationStarting,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("invocation: creating record: %w", err)
	}

	if inv.Kind != model.KindEventual {
		return s.executor.Execute(ctx, req.Caller, inv.ID)
	}

	caller := req.Caller
	s.scheduler.Schedule(ctx, func(ctx context.Context) {
		if _, err := s.executor.Execute(ctx, caller, inv.ID); err != nil {
			s.logger.Debug("eventual invocation finished with exception",
				zap.String("invocation_id", inv.ID), zap.Error(err))
		}
	})

	current, err := s.store.Get(ctx, inv.ID)
	if err != nil {
		s.logger.Warn("reloading scheduled invocation", zap.String("invocation_id", inv.ID), zap.Error(err))
		return inv, nil
	}
	return current, nil
}

// Get returns an invocation owned by caller. Records of other callers are
// reported as not found.
func (s *Service) Get(ctx context.Context, caller *model.Caller, id string) (*model.Invocation, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller == nil || inv.CallerID != caller.Identity() {
		return nil, model.NewInvocationNotFoundError(id)
	}
	return inv, nil
}

// kindOf returns the declared kind of the operation. Identifiers that do not
// resolve are treated as IMMEDIATE so their failure reaches the caller.
func (s *Service) kindOf(identifier string) model.OperationKind {
	opID, err := model.ParseOperationIdentifier(identifier)
	if err != nil {
		return model.KindImmediate
	}
	for _, iface := range s.registry.Interfaces() {
		decl, ok := iface.Lookup(opID.Operation)
		if ok && (iface.Name() == opID.Interface || decl.Interface == opID.Interface) {
			return decl.Kind
		}
	}
	return model.KindImmediate
}
