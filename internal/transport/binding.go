package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pitabwire/intraflow/model"
)

// callerOf returns the identity Identify attached to r. Without one the
// handler is mounted outside the authenticated group, which is answered 401.
func callerOf(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	if c := model.RequestContextFrom(r.Context()); c != nil {
		return c, true
	}
	WriteError(w, model.NewUnauthorizedError("missing request context"))
	return nil, false
}

// readBody drains r.Body. Bodies cut off by LimitBody report the limit.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err == nil {
		return raw, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return nil, model.NewBadRequestError("could not read request body")
}

// decodeBody unmarshals raw into dst. A value of the wrong JSON type is
// reported against its field.
func decodeBody(raw []byte, dst any) error {
	err := json.Unmarshal(raw, dst)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return model.NewFieldError(typeErr.Field, "INVALID_TYPE",
			fmt.Sprintf("%s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value))
	}
	return model.NewBadRequestError("invalid JSON body")
}

// bind reads and decodes the body into dst, answering 400 when it cannot.
func bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, err := readBody(r)
	if err == nil {
		err = decodeBody(raw, dst)
	}
	if err != nil {
		WriteError(w, err)
		return false
	}
	return true
}

// requireFields answers 422 listing every empty value. Arguments alternate
// field name and value.
func requireFields(w http.ResponseWriter, pairs ...string) bool {
	var missing []model.FieldError
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			missing = append(missing, model.FieldError{
				Field:   pairs[i],
				Code:    "REQUIRED",
				Message: pairs[i] + " is required",
			})
		}
	}
	if len(missing) == 0 {
		return true
	}
	WriteError(w, model.NewValidationError(missing))
	return false
}
