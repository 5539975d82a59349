package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InvocationStatus is the lifecycle state of a persisted invocation.
type InvocationStatus string

// Invocation status constants. STARTING is the only non-terminal state.
const (
	InvocationStarting  InvocationStatus = "STARTING"
	InvocationSuccess   InvocationStatus = "SUCCESS"
	InvocationException InvocationStatus = "EXCEPTION"
)

// Terminal returns true for SUCCESS and EXCEPTION.
func (s InvocationStatus) Terminal() bool {
	return s == InvocationSuccess || s == InvocationException
}

// OperationKind tells a caller how a call is expected to resolve.
type OperationKind string

// Operation kinds.
const (
	// KindRedirect returns a URL the caller should be sent to instead of data.
	KindRedirect OperationKind = "REDIRECT"
	// KindImmediate performs the remote call synchronously and returns data.
	KindImmediate OperationKind = "IMMEDIATE"
	// KindEventual may take unbounded time; callers poll the invocation.
	KindEventual OperationKind = "EVENTUAL"
)

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindRedirect, KindImmediate, KindEventual:
		return true
	}
	return false
}

// OperationIdentifier names an operation within an interface, rendered as
// "interface:operation".
type OperationIdentifier struct {
	Interface string
	Operation string
}

// String renders the identifier in its persisted form.
func (id OperationIdentifier) String() string {
	return id.Interface + ":" + id.Operation
}

// ParseOperationIdentifier parses the "interface:operation" form.
func ParseOperationIdentifier(s string) (OperationIdentifier, error) {
	iface, op, ok := strings.Cut(s, ":")
	if !ok || iface == "" || op == "" {
		return OperationIdentifier{}, fmt.Errorf("model: malformed operation identifier %q", s)
	}
	return OperationIdentifier{Interface: iface, Operation: op}, nil
}

// Invocation is the persisted record of one attempted operation call.
type Invocation struct {
	ID                  string           `json:"id"`
	OperationIdentifier string           `json:"operation_identifier"`
	Kind                OperationKind    `json:"kind"`
	KwargsJSON          json.RawMessage  `json:"kwargs"`
	IntegrationID       string           `json:"integration_id"`
	ImplementationName  string           `json:"implementation"`
	CallerID            string           `json:"caller_id"`
	Status              InvocationStatus `json:"status"`
	ResultJSON          json.RawMessage  `json:"result,omitempty"`
	ExceptionKind       string           `json:"exception_kind,omitempty"`
	ExceptionMessage    string           `json:"exception_message,omitempty"`
	ExceptionTrace      *ExceptionTrace  `json:"exception_trace,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Succeed moves a STARTING invocation to SUCCESS.
func (inv *Invocation) Succeed(result json.RawMessage, at time.Time) error {
	if inv.Status != InvocationStarting {
		return NewConflictError(fmt.Sprintf("invocation %s is already %s", inv.ID, inv.Status))
	}
	inv.Status = InvocationSuccess
	inv.ResultJSON = result
	inv.UpdatedAt = at
	return nil
}

// Fail moves a STARTING invocation to EXCEPTION.
func (inv *Invocation) Fail(kind, message string, trace *ExceptionTrace, at time.Time) error {
	if inv.Status != InvocationStarting {
		return NewConflictError(fmt.Sprintf("invocation %s is already %s", inv.ID, inv.Status))
	}
	inv.Status = InvocationException
	inv.ExceptionKind = kind
	inv.ExceptionMessage = message
	inv.ExceptionTrace = trace
	inv.UpdatedAt = at
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (inv *Invocation) Clone() *Invocation {
	if inv == nil {
		return nil
	}
	cp := *inv
	cp.KwargsJSON = append(json.RawMessage(nil), inv.KwargsJSON...)
	if inv.ResultJSON != nil {
		cp.ResultJSON = append(json.RawMessage(nil), inv.ResultJSON...)
	}
	if inv.ExceptionTrace != nil {
		t := *inv.ExceptionTrace
		t.Causes = append([]TraceCause(nil), inv.ExceptionTrace.Causes...)
		t.Frames = append([]TraceFrame(nil), inv.ExceptionTrace.Frames...)
		cp.ExceptionTrace = &t
	}
	return &cp
}

// InvocationView is the caller-facing terminal representation of an
// invocation. The trace is deliberately absent.
type InvocationView struct {
	ID               string           `json:"id"`
	Operation        string           `json:"operation"`
	Status           InvocationStatus `json:"status"`
	Result           json.RawMessage  `json:"result,omitempty"`
	ExceptionKind    string           `json:"exception_kind,omitempty"`
	ExceptionMessage string           `json:"exception_message,omitempty"`
}

// View returns the caller-facing representation.
func (inv *Invocation) View() InvocationView {
	return InvocationView{
		ID:               inv.ID,
		Operation:        inv.OperationIdentifier,
		Status:           inv.Status,
		Result:           inv.ResultJSON,
		ExceptionKind:    inv.ExceptionKind,
		ExceptionMessage: inv.ExceptionMessage,
	}
}

// ExceptionTrace is the structured postmortem data recorded on a failed
// invocation.
type ExceptionTrace struct {
	Causes []TraceCause `json:"causes"`
	Frames []TraceFrame `json:"frames,omitempty"`
}

// TraceCause is one link of an unwrapped error chain.
type TraceCause struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TraceFrame is one stack frame.
type TraceFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}
