package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/intraflow/internal/workflow"
)

func handleOpenActionRequest(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		var body struct {
			RecipientIDs []string `json:"recipientIds"`
		}
		if !bind(w, r, &body) {
			return
		}

		res, err := engine.OpenActionRequest(r.Context(), chi.URLParam(r, "id"), body.RecipientIDs, caller.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusCreated
		if res.NoOp {
			status = http.StatusOK
		}
		WriteJSON(w, status, res)
	}
}

func handleRespond(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		var body struct {
			Response   string       `json:"response"`
			Comment    string       `json:"comment"`
			Attachment *filePayload `json:"attachment,omitempty"`
		}
		if !bind(w, r, &body) {
			return
		}
		if !requireFields(w, "response", body.Response) {
			return
		}
		attachment, err := body.Attachment.decode("attachment")
		if err != nil {
			WriteError(w, err)
			return
		}

		req, err := engine.Respond(r.Context(), chi.URLParam(r, "id"), caller.SubjectID, body.Response, body.Comment, attachment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}
