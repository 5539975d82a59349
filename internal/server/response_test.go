package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/addonrt/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewOperationUnknownError("storage", "nope"), http.StatusNotFound},
		{model.NewOperationNotImplementedError("box", "create_folder"), http.StatusNotImplemented},
		{model.NewOperationNotAuthorizedError("create_folder", model.CapabilityUpdate, model.CapabilityAccess), http.StatusForbidden},
		{model.NewError(model.ErrProviderUnavailable, "circuit open"), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", model.NewInvocationNotFoundError("x")), http.StatusNotFound},
		{model.NewError("SOMETHING_NEW", "unmapped"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteError_plainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("database exploded"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != model.ErrInternalError || body.Error.Message == "database exploded" {
		t.Errorf("error = %+v, internal details must not leak", body.Error)
	}
}
