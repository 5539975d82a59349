// Package server contains the HTTP surface: liveness, readiness, metrics,
// the catalog of declared operations and the authenticated invocation API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/addonrt/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrInvalidArguments:        http.StatusBadRequest,
	model.ErrValueShapeMismatch:      http.StatusBadRequest,
	model.ErrOperationUnknown:        http.StatusNotFound,
	model.ErrImplementationUnknown:   http.StatusNotFound,
	model.ErrIntegrationNotFound:     http.StatusNotFound,
	model.ErrInvocationNotFound:      http.StatusNotFound,
	model.ErrOperationNotImplemented: http.StatusNotImplemented,
	model.ErrOperationNotAuthorized:  http.StatusForbidden,
	model.ErrUnauthorized:            http.StatusUnauthorized,
	model.ErrConflict:                http.StatusConflict,
	model.ErrProviderUnavailable:     http.StatusServiceUnavailable,
	model.ErrProviderError:           http.StatusBadGateway,
	model.ErrCredentialsExpired:      http.StatusBadGateway,
	model.ErrInternalError:           http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error response. Errors that carry no
// ErrorEnvelope are reported as a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}
