package invocation

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/pitabwire/addonrt/model"
)

const (
	maxTraceCauses = 16
	maxTraceFrames = 32
)

// panicError is a recovered implementation panic with the stack at the
// panic site.
type panicError struct {
	value  any
	frames []model.TraceFrame
}

func (e *panicError) Error() string {
	return fmt.Sprintf("implementation panicked: %v", e.value)
}

func (e *panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}

// newPanicError must be called from the deferred function that recovered.
func newPanicError(value any) *panicError {
	return &panicError{value: value, frames: callerFrames(4)}
}

func callerFrames(skip int) []model.TraceFrame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []model.TraceFrame
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, model.TraceFrame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more || len(out) == maxTraceFrames {
			break
		}
	}
	return out
}

// captureTrace records the unwrapped error chain and, for panics, the
// stack frames.
func captureTrace(err error) *model.ExceptionTrace {
	trace := &model.ExceptionTrace{}
	for e := err; e != nil && len(trace.Causes) < maxTraceCauses; e = errors.Unwrap(e) {
		trace.Causes = append(trace.Causes, model.TraceCause{
			Type:    fmt.Sprintf("%T", e),
			Message: e.Error(),
		})
	}
	var p *panicError
	if errors.As(err, &p) {
		trace.Frames = p.frames
	}
	return trace
}

// classify returns the exception kind and message recorded for err.
func classify(err error) (kind, message string) {
	var p *panicError
	if errors.As(err, &p) {
		return model.ErrInternalError, p.Error()
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code, env.Message
	}
	return model.ErrProviderError, err.Error()
}
