package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/csims/csims/internal/jobs"
	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// InterestLedger is the part of the ledger engine the batch needs.
type InterestLedger interface {
	ListInterestBearing(ctx context.Context) ([]ledger.Account, error)
	PostInterest(ctx context.Context, accountID int64, asOf time.Time, actorID int64) (ledger.Transaction, error)
}

// IdempotencyPort claims batch keys so one date is processed once.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// InterestSummary reports one batch run.
type InterestSummary struct {
	AsOf    time.Time `json:"as_of"`
	Posted  int       `json:"posted"`
	Skipped int       `json:"skipped"`
	Failed  int       `json:"failed"`
}

// InterestPostingJob posts interest on every interest-bearing account.
type InterestPostingJob struct {
	Ledger      InterestLedger
	Idempotency IdempotencyPort
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
	Concurrency int

	clock func() time.Time
}

// NewInterestPostingJob wires the batch.
func NewInterestPostingJob(l InterestLedger, idem IdempotencyPort, metrics *jobmetrics.Metrics, logger *slog.Logger) *InterestPostingJob {
	return &InterestPostingJob{Ledger: l, Idempotency: idem, Metrics: metrics, Logger: logger, Concurrency: 4}
}

// Handle processes a ledger:post_interest task.
func (j *InterestPostingJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload InterestPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode interest payload: %w", asynq.SkipRetry)
		}
	}
	asOf := j.now()
	if payload.AsOf != "" {
		parsed, err := time.Parse(time.DateOnly, payload.AsOf)
		if err != nil {
			return fmt.Errorf("invalid as_of %q: %w", payload.AsOf, asynq.SkipRetry)
		}
		asOf = parsed
	}
	_, err := j.Run(ctx, asOf)
	return err
}

// Run posts interest for asOf. A date already claimed by a previous run is a no-op.
// Accounts already posted for the period count as skipped.
func (j *InterestPostingJob) Run(ctx context.Context, asOf time.Time) (InterestSummary, error) {
	if j == nil || j.Ledger == nil {
		return InterestSummary{}, errors.New("interest posting: ledger not configured")
	}
	day := asOf.UTC().Truncate(24 * time.Hour)
	summary := InterestSummary{AsOf: day}

	tracker := j.metrics().Track(TaskPostInterest)

	key := "interest-batch:" + day.Format(time.DateOnly)
	if j.Idempotency != nil {
		if err := j.Idempotency.CheckAndInsert(ctx, key, TaskPostInterest); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				j.log().Info("interest batch already processed", slog.String("as_of", key))
				return summary, tracker.End(nil)
			}
			return summary, tracker.End(err)
		}
	}

	accounts, err := j.Ledger.ListInterestBearing(ctx)
	if err != nil {
		j.release(ctx, key)
		return summary, tracker.End(err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency())
	for _, acct := range accounts {
		g.Go(func() error {
			_, err := j.Ledger.PostInterest(gctx, acct.ID, day, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Posted++
			case errors.Is(err, shared.ErrRejected):
				summary.Skipped++
			default:
				summary.Failed++
				j.log().Error("post interest", slog.Int64("account_id", acct.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	j.metrics().AddPostings("posted", summary.Posted)
	j.metrics().AddPostings("skipped", summary.Skipped)
	j.metrics().AddPostings("failed", summary.Failed)

	if summary.Failed > 0 {
		j.release(ctx, key)
		return summary, tracker.End(fmt.Errorf("interest posting: %d of %d accounts failed", summary.Failed, len(accounts)))
	}
	j.log().Info("interest batch complete",
		slog.String("as_of", day.Format(time.DateOnly)),
		slog.Int("posted", summary.Posted),
		slog.Int("skipped", summary.Skipped))
	return summary, tracker.End(nil)
}

// release frees the batch key so a retry can finish the remaining accounts.
func (j *InterestPostingJob) release(ctx context.Context, key string) {
	if j.Idempotency == nil {
		return
	}
	if err := j.Idempotency.Delete(context.WithoutCancel(ctx), key); err != nil {
		j.log().Warn("release interest batch key", slog.String("key", key), slog.Any("error", err))
	}
}

func (j *InterestPostingJob) concurrency() int {
	if j.Concurrency > 0 {
		return j.Concurrency
	}
	return 1
}

func (j *InterestPostingJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InterestPostingJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPostInterest))
	}
	return slog.Default().With(slog.String("job", TaskPostInterest))
}

func (j *InterestPostingJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *InterestPostingJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
