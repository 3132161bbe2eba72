// Package httpx provides HTTP response utilities.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/csims/csims/internal/shared"
)

// Sentinel errors for the HTTP layer.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("malformed request")
)

// RetryAfterSeconds is advertised when a resource is busy.
const RetryAfterSeconds = "1"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var rej *shared.Rejection
	var ve shared.ValidationError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &rej):
		write(w, ProblemDetail{Title: "Rejected", Status: http.StatusUnprocessableEntity, Detail: rej.Message, Reason: rej.Reason})
	case errors.As(err, &ve):
		write(w, ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: shared.UserSafeMessage(err), Fields: ve.Fields})
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", "request body is not valid")
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrBusy), errors.Is(err, shared.ErrConflict):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusConflict, "Busy", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", "")
	case shared.IsTransient(err):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusServiceUnavailable, "Unavailable", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// IsClientError reports whether err is caused by the request rather than the server.
func IsClientError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, shared.ErrRejected) ||
		errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrInvalidTransition) ||
		errors.Is(err, shared.ErrBusy) ||
		errors.Is(err, shared.ErrConflict) ||
		errors.Is(err, shared.ErrDuplicate) ||
		errors.Is(err, shared.ErrInvalidCredentials) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}
