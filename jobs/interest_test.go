package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/csims/csims/internal/jobs"
	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/shared"
)

type fakeInterestLedger struct {
	mu       sync.Mutex
	accounts []ledger.Account
	posted   map[int64]time.Time
	fail     map[int64]error
	listErr  error
}

func (f *fakeInterestLedger) ListInterestBearing(context.Context) ([]ledger.Account, error) {
	return f.accounts, f.listErr
}

func (f *fakeInterestLedger) PostInterest(_ context.Context, accountID int64, asOf time.Time, _ int64) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[accountID]; err != nil {
		return ledger.Transaction{}, err
	}
	if f.posted == nil {
		f.posted = map[int64]time.Time{}
	}
	if _, ok := f.posted[accountID]; ok {
		return ledger.Transaction{}, shared.Reject(ledger.ReasonInterestAlreadyPosted, "interest already posted")
	}
	f.posted[accountID] = asOf
	return ledger.Transaction{AccountID: accountID, Amount: decimal.RequireFromString("1.00")}, nil
}

type fakeIdempotency struct {
	mu      sync.Mutex
	keys    map[string]string
	deleted []string
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string]string{}
	}
	if _, ok := f.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = module
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func accounts(ids ...int64) []ledger.Account {
	out := make([]ledger.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, ledger.Account{ID: id})
	}
	return out
}

func newInterestJob(l InterestLedger, idem IdempotencyPort) *InterestPostingJob {
	job := NewInterestPostingJob(l, idem, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)
	job.WithClock(func() time.Time { return time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC) })
	return job
}

func TestInterestPostingPostsEveryAccountOnce(t *testing.T) {
	l := &fakeInterestLedger{accounts: accounts(1, 2, 3, 4, 5)}
	l.posted = map[int64]time.Time{3: {}}
	idem := &fakeIdempotency{}
	job := newInterestJob(l, idem)

	summary, err := job.Run(context.Background(), time.Date(2026, 4, 30, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Posted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), l.posted[1])
	assert.Contains(t, idem.keys, "interest-batch:2026-04-30")
}

func TestInterestPostingSameDateIsNoop(t *testing.T) {
	l := &fakeInterestLedger{accounts: accounts(1)}
	idem := &fakeIdempotency{}
	job := newInterestJob(l, idem)
	asOf := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)

	_, err := job.Run(context.Background(), asOf)
	require.NoError(t, err)
	summary, err := job.Run(context.Background(), asOf)
	require.NoError(t, err)
	assert.Zero(t, summary.Posted+summary.Skipped+summary.Failed)
	assert.Len(t, l.posted, 1)
}

func TestInterestPostingFailureReleasesKey(t *testing.T) {
	l := &fakeInterestLedger{
		accounts: accounts(1, 2),
		fail:     map[int64]error{2: &shared.StorageError{Op: "post interest", Err: errors.New("conn reset"), Transient: true}},
	}
	idem := &fakeIdempotency{}
	job := newInterestJob(l, idem)

	summary, err := job.Run(context.Background(), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Equal(t, 1, summary.Posted)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"interest-batch:2026-04-30"}, idem.deleted)

	delete(l.fail, 2)
	summary, err = job.Run(context.Background(), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Posted)
	assert.Equal(t, 1, summary.Skipped)
}

func TestInterestPostingListFailure(t *testing.T) {
	l := &fakeInterestLedger{listErr: errors.New("db down")}
	idem := &fakeIdempotency{}
	job := newInterestJob(l, idem)

	_, err := job.Run(context.Background(), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Empty(t, idem.keys)
}

func TestInterestPostingTracksEveryExit(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := &fakeInterestLedger{listErr: errors.New("db down")}
	job := NewInterestPostingJob(l, &fakeIdempotency{}, jobmetrics.NewMetrics(reg), nil)
	asOf := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)

	_, err := job.Run(context.Background(), asOf)
	require.Error(t, err)
	count, err := testutil.GatherAndCount(reg, "csims_jobs_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	l.listErr = nil
	l.accounts = accounts(1)
	_, err = job.Run(context.Background(), asOf)
	require.NoError(t, err)
	_, err = job.Run(context.Background(), asOf)
	require.NoError(t, err)
	count, err = testutil.GatherAndCount(reg, "csims_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one failure series and one success series")
	count, err = testutil.GatherAndCount(reg, "csims_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInterestHandleParsesPayload(t *testing.T) {
	l := &fakeInterestLedger{accounts: accounts(7)}
	job := newInterestJob(l, &fakeIdempotency{})

	task, err := NewPostInterestTask(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), l.posted[7])

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskPostInterest, nil)))
	assert.Len(t, l.posted, 1)

	err = job.Handle(context.Background(), asynq.NewTask(TaskPostInterest, []byte(`{"as_of":"31-03-2026"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
