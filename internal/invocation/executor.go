package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/internal/transport"
	"github.com/pitabwire/addonrt/model"
)

// Observer receives lifecycle events from invocation execution.
// Implementations may record metrics, audit logs, or other telemetry.
type Observer interface {
	OnInvocationExecuted(ctx context.Context, event ExecutionEvent)
}

// ExecutionEvent describes the outcome of one execution attempt.
type ExecutionEvent struct {
	InvocationID   string                 `json:"invocation_id"`
	Operation      string                 `json:"operation"`
	Implementation string                 `json:"implementation"`
	IntegrationID  string                 `json:"integration_id"`
	CallerID       string                 `json:"caller_id"`
	Status         model.InvocationStatus `json:"status"`
	ExceptionKind  string                 `json:"exception_kind,omitempty"`
	// Skipped is true when the record was already terminal once the lock
	// was acquired and nothing was executed.
	Skipped  bool          `json:"skipped"`
	LockWait time.Duration `json:"lock_wait"`
	Duration time.Duration `json:"duration"`
}

// Executor runs persisted invocations: lock, resolve, convert arguments,
// call the implementation, convert the result, record the outcome.
type Executor struct {
	registry   *dispatch.Registry
	directory  model.IntegrationDirectory
	store      Store
	transports *transport.Factory
	logger     *zap.Logger
	observers  []Observer
	now        func() time.Time
}

// ExecutorOption configures optional dependencies.
type ExecutorOption func(*Executor)

// WithObserver adds an execution observer.
func WithObserver(obs Observer) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor with its required dependencies.
func NewExecutor(
	registry *dispatch.Registry,
	directory model.IntegrationDirectory,
	store Store,
	transports *transport.Factory,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:   registry,
		directory:  directory,
		store:      store,
		transports: transports,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the invocation with the given id on behalf of caller.
//
// It returns the terminal record and, when the execution failed, the error
// that was recorded on it. A record that is already terminal once the lock
// is held is returned unchanged with a nil error. When the outcome cannot be
// persisted the record stays STARTING and only an error is returned.
func (e *Executor) Execute(ctx context.Context, caller *model.Caller, id string) (*model.Invocation, error) {
	start := time.Now()

	lk, err := e.store.LockAndLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lk.Rollback(ctx) }()
	lockWait := time.Since(start)

	inv := lk.Invocation()
	event := ExecutionEvent{
		InvocationID:   inv.ID,
		Operation:      inv.OperationIdentifier,
		Implementation: inv.ImplementationName,
		IntegrationID:  inv.IntegrationID,
		CallerID:       inv.CallerID,
		LockWait:       lockWait,
	}

	if inv.Status.Terminal() {
		if err := lk.Commit(ctx); err != nil {
			return nil, err
		}
		event.Status = inv.Status
		event.ExceptionKind = inv.ExceptionKind
		event.Skipped = true
		event.Duration = time.Since(start)
		e.notifyObservers(ctx, event)
		return inv, nil
	}

	if caller != nil {
		ctx = model.WithCaller(ctx, caller)
	}
	ctx, span := observability.StartSpan(ctx, "invocation.execute",
		observability.AttrInvocationID.String(inv.ID),
		observability.AttrOperation.String(inv.OperationIdentifier),
		observability.AttrOperationKind.String(string(inv.Kind)),
		observability.AttrIntegrationID.String(inv.IntegrationID),
	)
	logger := observability.CallerLogger(ctx, e.logger).With(
		zap.String("invocation_id", inv.ID),
		zap.String("operation", inv.OperationIdentifier),
		zap.String("integration_id", inv.IntegrationID),
	)
	logger.Info("invocation started")
	if ce := logger.Check(zap.DebugLevel, "invocation arguments"); ce != nil {
		var kwargs map[string]any
		if json.Unmarshal(inv.KwargsJSON, &kwargs) == nil {
			ce.Write(zap.Any("kwargs", observability.RedactBody(kwargs, nil)))
		}
	}

	runCtx, stopWatch := whileLocked(ctx, lk)
	final, runErr, err := e.runAndRecord(runCtx, lk, caller, inv, logger)
	stopWatch()
	if err == nil {
		err = lk.Commit(ctx)
	}
	if err != nil {
		observability.EndSpanWithError(span, err)
		logger.Error("invocation outcome not persisted", zap.Error(err))
		return nil, fmt.Errorf("invocation: persisting %s: %w", inv.ID, err)
	}

	span.SetAttributes(observability.AttrImplementation.String(final.ImplementationName))
	if runErr != nil {
		span.SetAttributes(observability.AttrExceptionKind.String(final.ExceptionKind))
	}
	observability.EndSpanWithError(span, runErr)

	event.Implementation = final.ImplementationName
	event.Status = final.Status
	event.ExceptionKind = final.ExceptionKind
	event.Duration = time.Since(start)
	e.notifyObservers(ctx, event)

	if runErr != nil {
		logger.Warn("invocation failed",
			zap.String("implementation", final.ImplementationName),
			zap.String("exception_kind", final.ExceptionKind),
			zap.String("exception_message", final.ExceptionMessage),
		)
		return final, runErr
	}
	logger.Info("invocation succeeded", zap.String("implementation", final.ImplementationName))
	return final, nil
}

// runAndRecord executes the call and stages the terminal record. runErr is
// the failure recorded on the record; err means staging itself failed.
func (e *Executor) runAndRecord(
	ctx context.Context,
	lk Locked,
	caller *model.Caller,
	inv *model.Invocation,
	logger *zap.Logger,
) (final *model.Invocation, runErr, err error) {
	final = inv.Clone()
	result, runErr := e.run(ctx, caller, final, logger)

	if runErr == nil {
		succeeded := final.Clone()
		if err := succeeded.Succeed(result, e.now()); err != nil {
			return nil, nil, err
		}
		persistErr := lk.Nested(ctx, func(s Saver) error {
			return s.Save(ctx, succeeded)
		})
		if persistErr == nil {
			return succeeded, nil, nil
		}
		runErr = model.WrapError(model.ErrResultNotPersisted, persistErr)
	}

	kind, message := classify(runErr)
	trace := captureTrace(runErr)
	if !model.IsCode(runErr, kind) {
		runErr = &model.ErrorEnvelope{Code: kind, Message: message, Cause: runErr}
	}
	if err := final.Fail(kind, message, trace, e.now()); err != nil {
		return nil, nil, err
	}
	if err := lk.Save(ctx, final); err != nil {
		return nil, nil, err
	}
	return final, runErr, nil
}

// run resolves and calls the operation. It sets inv.ImplementationName once
// the integration is known.
func (e *Executor) run(ctx context.Context, caller *model.Caller, inv *model.Invocation, logger *zap.Logger) (json.RawMessage, error) {
	opID, err := model.ParseOperationIdentifier(inv.OperationIdentifier)
	if err != nil {
		return nil, model.WrapError(model.ErrOperationUnknown, err)
	}

	integration, err := e.directory.Lookup(ctx, caller, inv.IntegrationID)
	if err != nil {
		return nil, err
	}
	inv.ImplementationName = integration.Implementation

	bound, err := e.registry.Get(integration.Implementation)
	if err != nil {
		return nil, err
	}
	if bound.Interface().Name() != opID.Interface && !hasBase(bound.Interface(), opID.Interface) {
		return nil, model.NewOperationUnknownError(opID.Interface, opID.Operation)
	}
	impl, decl, err := e.registry.Authorize(integration.Implementation, opID.Operation,
		integration.Grant.AuthorizedCapabilities())
	if err != nil {
		return nil, err
	}

	params, err := marshal.Unmarshal(decl.Params, inv.KwargsJSON)
	if err != nil {
		return nil, conversionError(model.ErrInvalidArguments, err)
	}

	network, err := e.transports.For(integration)
	if err != nil {
		return nil, err
	}
	env := dispatch.Env{
		InvocationID: inv.ID,
		Integration:  integration,
		Network:      network,
		Logger:       logger.With(zap.String("implementation", impl.Name())),
	}

	out, err := invokeRecovering(ctx, impl, env, decl, params)
	if err != nil {
		return nil, err
	}

	data, err := marshal.Marshal(decl.Result, out)
	if err != nil {
		return nil, conversionError(model.ErrInvalidResult, err)
	}
	return data, nil
}

// whileLocked returns a context that is cancelled once lk reports the lock
// as lost.
func whileLocked(ctx context.Context, lk Locked) (context.Context, func()) {
	lost := lk.Lost()
	if lost == nil {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-lost:
			cancel(model.NewConflictError("invocation lock lost during execution"))
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

func invokeRecovering(ctx context.Context, impl *dispatch.Implementation, env dispatch.Env,
	decl *operation.Declaration, params any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, newPanicError(r)
		}
	}()
	return impl.Invoke(ctx, env, decl, params)
}

func hasBase(iface *operation.Interface, name string) bool {
	for _, b := range iface.Bases() {
		if b == name {
			return true
		}
	}
	return false
}

// conversionError reports a marshaling failure under code, keeping the
// field-level details.
func conversionError(code string, err error) *model.ErrorEnvelope {
	out := &model.ErrorEnvelope{Code: code, Message: err.Error(), Cause: err}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		out.Message = env.Message
		out.Details = env.Details
	}
	return out
}

// notifyObservers sends an ExecutionEvent to all registered observers.
func (e *Executor) notifyObservers(ctx context.Context, event ExecutionEvent) {
	for _, obs := range e.observers {
		obs.OnInvocationExecuted(ctx, event)
	}
}

// MetricsObserver records execution events as Prometheus metrics.
type MetricsObserver struct {
	metrics *observability.Metrics
}

// NewMetricsObserver creates an observer backed by m.
func NewMetricsObserver(m *observability.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// OnInvocationExecuted implements Observer.
func (o *MetricsObserver) OnInvocationExecuted(_ context.Context, event ExecutionEvent) {
	o.metrics.RecordLockWait(event.LockWait)
	if event.Skipped {
		o.metrics.RecordInvocationSkipped(event.Operation)
		return
	}
	o.metrics.RecordInvocation(event.Operation, event.Implementation, string(event.Status),
		event.ExceptionKind, event.Duration)
}
