package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/addonrt/internal/invocation"
	"github.com/pitabwire/addonrt/model"
)

const maxCallBodyBytes = 1 << 20

// CallBody is the body of POST /invocations.
type CallBody struct {
	IntegrationID string          `json:"integration_id"`
	Operation     string          `json:"operation"`
	Kwargs        json.RawMessage `json:"kwargs,omitempty"`
}

type invocationAPI struct {
	service *invocation.Service
}

// call records and runs an invocation for the authenticated caller. A
// terminal record is returned with 200; a record still STARTING, as for
// EVENTUAL operations, with 202 and its location.
func (a *invocationAPI) call(w http.ResponseWriter, r *http.Request) {
	var body CallBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		WriteError(w, model.NewError(model.ErrInvalidArguments, "request body: "+err.Error()))
		return
	}
	if body.IntegrationID == "" || body.Operation == "" {
		WriteError(w, model.NewError(model.ErrInvalidArguments, "integration_id and operation are required"))
		return
	}

	inv, err := a.service.Call(r.Context(), invocation.CallRequest{
		IntegrationID: body.IntegrationID,
		Operation:     body.Operation,
		KwargsJSON:    body.Kwargs,
		Caller:        model.CallerFrom(r.Context()),
	})
	if inv == nil {
		WriteError(w, err)
		return
	}

	if !inv.Status.Terminal() {
		w.Header().Set("Location", "/invocations/"+inv.ID)
		WriteJSON(w, http.StatusAccepted, inv.View())
		return
	}
	WriteJSON(w, http.StatusOK, inv.View())
}

func (a *invocationAPI) get(w http.ResponseWriter, r *http.Request) {
	inv, err := a.service.Get(r.Context(), model.CallerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inv.View())
}
