package model

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := NewRequestArchivedError("0042")
	if got, want := e.Error(), "REQUEST_ARCHIVED: request 0042 is archived"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		env    *ErrorEnvelope
		code   string
		status int
	}{
		{NewBadRequestError("malformed JSON"), ErrBadRequest, http.StatusBadRequest},
		{NewUnauthorizedError("Token expired"), ErrUnauthorized, http.StatusUnauthorized},
		{NewForbiddenError("not the submitter"), ErrForbidden, http.StatusForbidden},
		{NewAuthResolutionError("user u-x is not in the directory"), ErrAuthResolution, http.StatusForbidden},
		{NewNotFoundError("request not found"), ErrNotFound, http.StatusNotFound},
		{NewConflictError("idempotency key reused"), ErrConflict, http.StatusConflict},
		{NewRequestArchivedError("0042"), ErrRequestArchived, http.StatusConflict},
		{NewActionNotPendingError("u-carla", "Aprovação"), ErrActionNotPending, http.StatusConflict},
		{NewFieldError("text", "REQUIRED", "Comment text is required"), ErrValidationError, http.StatusUnprocessableEntity},
		{NewInvalidTransitionError("Concluído", "Pendente"), ErrInvalidTransition, http.StatusUnprocessableEntity},
		{NewUploadFailedError("parecer.pdf"), ErrUploadFailed, http.StatusBadGateway},
		{NewUploadTimeoutError("parecer.pdf"), ErrUploadTimeout, http.StatusGatewayTimeout},
		{NewConfigurationError(`definition "Férias" has no statuses`), ErrConfiguration, http.StatusInternalServerError},
		{NewInternalError(), ErrInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			if tc.env.Code != tc.code {
				t.Errorf("Code = %q, want %q", tc.env.Code, tc.code)
			}
			if tc.env.Message == "" {
				t.Error("Message is empty")
			}
			if got := tc.env.HTTPStatus(); got != tc.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tc.status)
			}
		})
	}
}

func TestHTTPStatus_unknownCode(t *testing.T) {
	e := &ErrorEnvelope{Code: "SOMETHING_NEW"}
	if got := e.HTTPStatus(); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus() = %d, want 500", got)
	}
}

func TestNewInvalidTransitionError_message(t *testing.T) {
	e := NewInvalidTransitionError("Concluído", "Em análise")
	if want := `cannot move from "Concluído" to "Em análise"`; e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewFieldError_details(t *testing.T) {
	e := NewFieldError("text", "REQUIRED", "Comment text is required")
	if len(e.Details) != 1 {
		t.Fatalf("Details = %+v, want one entry", e.Details)
	}
	if d := e.Details[0]; d.Field != "text" || d.Code != "REQUIRED" {
		t.Errorf("Details[0] = %+v", d)
	}
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("responding: %w", NewUploadTimeoutError("nota.pdf"))
	if !IsCode(wrapped, ErrUploadTimeout) {
		t.Error("IsCode(wrapped, UPLOAD_TIMEOUT) = false, want true")
	}
	if IsCode(wrapped, ErrUploadFailed) {
		t.Error("IsCode(wrapped, UPLOAD_FAILED) = true, want false")
	}
	if IsCode(fmt.Errorf("plain"), ErrInternalError) {
		t.Error("IsCode(plain error) = true, want false")
	}
}
