package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/auth"
	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/maintenance"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
	"github.com/csims/csims/jobs"
)

type fakePurger struct {
	calls  int
	report maintenance.Report
}

func (f *fakePurger) Purge(_ context.Context, confirmation string, _ int64) (maintenance.Report, error) {
	f.calls++
	if confirmation != maintenance.ConfirmationPhrase {
		return maintenance.Report{}, shared.Reject(maintenance.ReasonConfirmationMismatch, "mismatch")
	}
	return f.report, nil
}

func TestRunPurgeRequiresExactPhrase(t *testing.T) {
	p := &fakePurger{}
	err := runPurge(context.Background(), p, func() (string, error) { return "purge all data", nil }, &bytes.Buffer{})
	require.ErrorIs(t, err, errAborted)
	assert.Zero(t, p.calls)
}

func TestRunPurgePrintsCounts(t *testing.T) {
	p := &fakePurger{report: maintenance.Report{
		Tables: []maintenance.TableCount{{Table: "transactions", Rows: 12}, {Table: "accounts", Rows: 3}},
		Total:  15,
	}}
	var out bytes.Buffer
	err := runPurge(context.Background(), p, func() (string, error) { return maintenance.ConfirmationPhrase, nil }, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Contains(t, out.String(), "transactions")
	assert.Contains(t, out.String(), "15")
}

func TestParseAsOf(t *testing.T) {
	now := time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	day, err := parseAsOf("", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), day)

	day, err = parseAsOf("2026-04-30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), day)

	_, err = parseAsOf("30/04/2026", now)
	require.Error(t, err)
}

type interestFunc func(context.Context, time.Time) (jobs.InterestSummary, error)

func (f interestFunc) Run(ctx context.Context, asOf time.Time) (jobs.InterestSummary, error) {
	return f(ctx, asOf)
}

func TestRunInterestRendersSummaryOnFailure(t *testing.T) {
	boom := errors.New("2 of 5 accounts failed")
	runner := interestFunc(func(_ context.Context, asOf time.Time) (jobs.InterestSummary, error) {
		return jobs.InterestSummary{AsOf: asOf, Posted: 3, Failed: 2}, boom
	})
	var out bytes.Buffer
	err := runInterest(context.Background(), runner, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), &out)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, out.String(), "2026-04-30")
	assert.Contains(t, out.String(), "Failed")
}

type integrityFunc func(context.Context) ([]ledger.Discrepancy, error)

func (f integrityFunc) Run(ctx context.Context) ([]ledger.Discrepancy, error) { return f(ctx) }

func TestRunIntegrity(t *testing.T) {
	var out bytes.Buffer
	clean := integrityFunc(func(context.Context) ([]ledger.Discrepancy, error) { return nil, nil })
	require.NoError(t, runIntegrity(context.Background(), clean, &out))

	out.Reset()
	broken := integrityFunc(func(context.Context) ([]ledger.Discrepancy, error) {
		return []ledger.Discrepancy{{AccountID: 4, Balance: decimal.RequireFromString("10"), Expected: decimal.RequireFromString("12.5")}}, nil
	})
	err := runIntegrity(context.Background(), broken, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "12.50")
}

type fakeUsers struct{ err error }

func (f fakeUsers) CreateUser(_ context.Context, email, _ string) (*auth.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.User{ID: 1, Email: email}, nil
}

type fakeRoles struct {
	perms    map[string]int64
	granted  map[int64]bool
	assigned [][2]int64
}

func (f *fakeRoles) EnsureRole(_ context.Context, name, _ string) (rbac.Role, error) {
	return rbac.Role{ID: 10, Name: name}, nil
}

func (f *fakeRoles) EnsurePermission(_ context.Context, name, _ string) (rbac.Permission, error) {
	if f.perms == nil {
		f.perms = map[string]int64{}
	}
	if _, ok := f.perms[name]; !ok {
		f.perms[name] = int64(len(f.perms) + 1)
	}
	return rbac.Permission{ID: f.perms[name], Name: name}, nil
}

func (f *fakeRoles) GrantPermission(_ context.Context, _, permissionID int64) error {
	if f.granted == nil {
		f.granted = map[int64]bool{}
	}
	f.granted[permissionID] = true
	return nil
}

func (f *fakeRoles) AssignRole(_ context.Context, userID, roleID int64) error {
	f.assigned = append(f.assigned, [2]int64{userID, roleID})
	return nil
}

func TestSeedAdminGrantsEveryScope(t *testing.T) {
	roles := &fakeRoles{}
	var out bytes.Buffer
	require.NoError(t, seedAdmin(context.Background(), fakeUsers{}, roles, "admin@csims.local", "correct horse", &out))

	want := len(shared.CoreScopes()) + len(shared.CooperativeScopes())
	assert.Len(t, roles.granted, want)
	assert.Contains(t, roles.perms, shared.PermMaintenancePurge)
	assert.Equal(t, [][2]int64{{1, 10}}, roles.assigned)
}

func TestSeedAdminReportsValidation(t *testing.T) {
	roles := &fakeRoles{}
	err := seedAdmin(context.Background(), fakeUsers{err: shared.ValidationError{Fields: map[string]string{"password": "too short"}}}, roles, "x", "y", &bytes.Buffer{})
	require.Error(t, err)
	assert.Empty(t, roles.assigned)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate", "up"}, {"migrate", "down"}, {"purge"}, {"interest", "post"},
		{"integrity"}, {"seed-admin"}, {"jobs", "stats"}, {"jobs", "trigger"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
