// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the portal API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON encodes body with the given status. A nil body writes headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError answers with err's envelope, or a generic INTERNAL_ERROR when
// err carries none so internals never leak. The envelope is stamped with the
// trace id the tracing middleware put on the response.
func WriteError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	out := *env
	if out.TraceID == "" {
		out.TraceID = w.Header().Get(observability.TraceIDHeader)
	}
	WriteJSON(w, out.HTTPStatus(), errorBody{Error: &out})
}

// WriteNotFound answers 404 with msg.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
