package invocation

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/addonrt/internal/transport"
	"github.com/pitabwire/addonrt/model"
)

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string {
		return "inv-" + string(rune('0'+n.Add(1)))
	}
}

func TestService_Call_immediate(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.executor, f.registry, f.store, WithIDGenerator(sequentialIDs()))

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:list_root_items",
		Caller:        testCaller,
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if inv.ID != "inv-1" || inv.Status != model.InvocationSuccess {
		t.Errorf("Call() = %s %s, want inv-1 SUCCESS", inv.ID, inv.Status)
	}
	if inv.Kind != model.KindImmediate {
		t.Errorf("Kind = %s, want IMMEDIATE", inv.Kind)
	}
	if string(inv.KwargsJSON) != `{}` {
		t.Errorf("KwargsJSON = %s, want {} for empty kwargs", inv.KwargsJSON)
	}
	if inv.CallerID != "acme/user-1" {
		t.Errorf("CallerID = %q", inv.CallerID)
	}
}

func TestService_Call_immediatePropagatesRecordedError(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.executor, f.registry, f.store)

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:list_root_items",
		KwargsJSON:    json.RawMessage(`{"bogus": 1}`),
		Caller:        testCaller,
	})
	if !model.IsCode(err, model.ErrInvalidArguments) {
		t.Fatalf("error = %v, want INVALID_ARGUMENTS", err)
	}
	if inv == nil || inv.Status != model.InvocationException {
		t.Fatalf("record = %+v, want EXCEPTION", inv)
	}
	view := inv.View()
	if view.ExceptionKind != model.ErrInvalidArguments || view.Result != nil {
		t.Errorf("View() = %+v", view)
	}
}

func TestService_Call_unknownOperationRunsSynchronously(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.executor, f.registry, f.store, WithScheduler(NewAsyncScheduler(1, nil)))

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:teleport",
		Caller:        testCaller,
	})
	if !model.IsCode(err, model.ErrOperationUnknown) {
		t.Fatalf("error = %v, want OPERATION_UNKNOWN", err)
	}
	if inv.Status != model.InvocationException {
		t.Errorf("Status = %s, want EXCEPTION", inv.Status)
	}
}

func TestService_Call_eventualNeverPropagates(t *testing.T) {
	f := newFixture(t)
	f.addIntegration("box-readonly", "https://box.example.com/", model.CapabilityAccess, transport.NewStaticToken("tok"))
	svc := NewService(f.executor, f.registry, f.store)

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-readonly",
		Operation:     "storage:submit_job",
		KwargsJSON:    json.RawMessage(`{"script":"train"}`),
		Caller:        testCaller,
	})
	if err != nil {
		t.Fatalf("Call() error = %v, EVENTUAL must not propagate", err)
	}
	if inv.Kind != model.KindEventual {
		t.Errorf("Kind = %s, want EVENTUAL", inv.Kind)
	}
	if inv.Status != model.InvocationException || inv.ExceptionKind != model.ErrOperationNotAuthorized {
		t.Errorf("record = %s/%s, want EXCEPTION/OPERATION_NOT_AUTHORIZED", inv.Status, inv.ExceptionKind)
	}
}

func TestService_Call_eventualAsync(t *testing.T) {
	f := newFixture(t)
	gauge := &countingGauge{}
	sched := NewAsyncScheduler(2, gauge)
	svc := NewService(f.executor, f.registry, f.store, WithScheduler(sched))

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:submit_job",
		KwargsJSON:    json.RawMessage(`{"script":"train"}`),
		Caller:        testCaller,
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	sched.Wait()

	got, err := svc.Get(context.Background(), testCaller, inv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.InvocationSuccess || string(got.ResultJSON) != `{"job_id":"job-train"}` {
		t.Errorf("record = %s %s", got.Status, got.ResultJSON)
	}
	if gauge.value() != 0 || gauge.peak() != 1 {
		t.Errorf("gauge = %v (peak %v), want 0 (peak 1)", gauge.value(), gauge.peak())
	}
}

func TestService_Call_eventualSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	sched := NewAsyncScheduler(1, nil)
	svc := NewService(f.executor, f.registry, f.store, WithScheduler(sched))

	ctx, cancel := context.WithCancel(context.Background())
	inv, err := svc.Call(ctx, CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:submit_job",
		KwargsJSON:    json.RawMessage(`{"script":"train"}`),
		Caller:        testCaller,
	})
	cancel()
	if err != nil {
		t.Fatal(err)
	}
	sched.Wait()

	got, _ := f.store.Get(context.Background(), inv.ID)
	if got.Status != model.InvocationSuccess {
		t.Errorf("Status = %s, want SUCCESS", got.Status)
	}
}

func TestService_Call_rejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.executor, f.registry, f.store)

	tests := []struct {
		name string
		req  CallRequest
	}{
		{"no caller", CallRequest{IntegrationID: "box-acme", Operation: "storage:list_root_items"}},
		{"incomplete caller", CallRequest{IntegrationID: "box-acme", Operation: "storage:list_root_items",
			Caller: &model.Caller{SubjectID: "user-1"}}},
		{"malformed kwargs", CallRequest{IntegrationID: "box-acme", Operation: "storage:list_root_items",
			KwargsJSON: json.RawMessage(`{"a":`), Caller: testCaller}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Call(context.Background(), tt.req); !model.IsCode(err, model.ErrInvalidArguments) {
				t.Fatalf("error = %v, want INVALID_ARGUMENTS", err)
			}
		})
	}
	if f.store.Len() != 0 {
		t.Errorf("records created = %d, want 0", f.store.Len())
	}
}

func TestService_Get_ownership(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.executor, f.registry, f.store)
	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "box-acme",
		Operation:     "storage:list_root_items",
		Caller:        testCaller,
	})
	if err != nil {
		t.Fatal(err)
	}

	other := &model.Caller{SubjectID: "user-2", TenantID: "acme"}
	if _, err := svc.Get(context.Background(), other, inv.ID); !model.IsCode(err, model.ErrInvocationNotFound) {
		t.Errorf("other caller error = %v, want INVOCATION_NOT_FOUND", err)
	}
	if _, err := svc.Get(context.Background(), testCaller, "missing"); !model.IsCode(err, model.ErrInvocationNotFound) {
		t.Errorf("missing error = %v, want INVOCATION_NOT_FOUND", err)
	}
}

func TestService_usesExecutorClock(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	executor := NewExecutor(f.registry, f.directory, f.store, nil, WithClock(func() time.Time { return fixed }))
	svc := NewService(executor, f.registry, f.store)

	inv, err := svc.Call(context.Background(), CallRequest{
		IntegrationID: "dropbox-acme",
		Operation:     "storage:list_root_items",
		Caller:        testCaller,
	})
	if !model.IsCode(err, model.ErrIntegrationNotFound) {
		t.Fatalf("error = %v, want INTEGRATION_NOT_FOUND", err)
	}
	if !inv.CreatedAt.Equal(fixed) || !inv.UpdatedAt.Equal(fixed) {
		t.Errorf("timestamps = %v / %v, want %v", inv.CreatedAt, inv.UpdatedAt, fixed)
	}
}
