package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/csims/csims/internal/jobs"
	"github.com/csims/csims/internal/ledger"
)

// IntegrityChecker verifies stored balances.
type IntegrityChecker interface {
	VerifyIntegrity(ctx context.Context) ([]ledger.Discrepancy, error)
}

// IntegrityJob compares each account balance with opening balance plus history.
type IntegrityJob struct {
	Ledger  IntegrityChecker
	Metrics *jobmetrics.Metrics
	Logger  *slog.Logger
}

// Handle processes a ledger:integrity task.
func (j *IntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	_, err := j.Run(ctx)
	return err
}

// Run returns the discrepancies found. Discrepancies are reported, not failed.
func (j *IntegrityJob) Run(ctx context.Context) ([]ledger.Discrepancy, error) {
	if j == nil || j.Ledger == nil {
		return nil, errors.New("integrity check: ledger not configured")
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskIntegrityCheck))
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIntegrityCheck)
	found, err := j.Ledger.VerifyIntegrity(ctx)
	if err != nil {
		logger.Error("verify integrity", slog.Any("error", err))
		return nil, tracker.End(err)
	}
	metrics.SetDiscrepancies(len(found))
	for _, d := range found {
		logger.Error("balance discrepancy",
			slog.Int64("account_id", d.AccountID),
			slog.String("balance", d.Balance.StringFixed(2)),
			slog.String("expected", d.Expected.StringFixed(2)))
	}
	if len(found) == 0 {
		logger.Info("ledger balances consistent")
	}
	return found, tracker.End(nil)
}
