package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rejection", shared.Reject("insufficient_funds", "not enough"), http.StatusUnprocessableEntity},
		{"not found", fmt.Errorf("ledger: %w", shared.ErrNotFound), http.StatusNotFound},
		{"transition", shared.ErrInvalidTransition, http.StatusConflict},
		{"busy", shared.ErrBusy, http.StatusConflict},
		{"serialization", fmt.Errorf("%w: 40001", shared.ErrConflict), http.StatusConflict},
		{"validation", shared.ValidationError{Fields: map[string]string{"email": "is required"}}, http.StatusBadRequest},
		{"transient", &shared.StorageError{Op: "commit", Transient: true}, http.StatusServiceUnavailable},
		{"storage", &shared.StorageError{Op: "commit"}, http.StatusInternalServerError},
		{"forbidden", ErrForbidden, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRespondErrorRejectionBody(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, shared.Reject("overpayment", "repayment exceeds outstanding balance"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "overpayment", body.Reason)
	assert.Equal(t, "repayment exceeds outstanding balance", body.Detail)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRespondErrorBusySetsRetryAfter(t *testing.T) {
	for _, err := range []error{shared.ErrBusy, fmt.Errorf("%w: 40P01", shared.ErrConflict)} {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
		assert.True(t, IsClientError(err))
	}
}
