package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/shared"
)

func TestClassifyPostgresCodes(t *testing.T) {
	serialization := fmt.Errorf("update: %w", &pgconn.PgError{Code: CodeSerializationFailure})
	assert.ErrorIs(t, Classify("update", serialization), shared.ErrConflict)

	deadlock := &pgconn.PgError{Code: CodeDeadlockDetected}
	assert.ErrorIs(t, Classify("update", deadlock), shared.ErrConflict)

	unique := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "uq_members_email"}
	assert.ErrorIs(t, Classify("insert", unique), shared.ErrDuplicate)
	assert.True(t, IsUniqueViolation(unique, "uq_members_email"))
	assert.False(t, IsUniqueViolation(unique, "uq_other"))

	other := &pgconn.PgError{Code: "42P01"}
	classified := Classify("select", other)
	require.ErrorIs(t, classified, shared.ErrStorage)
	assert.False(t, shared.IsTransient(classified))
}

func TestClassifyContextAndDomainErrors(t *testing.T) {
	timeout := Classify("begin tx", context.DeadlineExceeded)
	require.ErrorIs(t, timeout, shared.ErrStorage)
	assert.True(t, shared.IsTransient(timeout))

	rej := shared.Reject("overpayment", "too much")
	assert.Same(t, rej, Classify("tx", rej))

	plain := errors.New("ledger: amount required")
	assert.Equal(t, plain, Classify("tx", plain))
	assert.NoError(t, Classify("tx", nil))
}
