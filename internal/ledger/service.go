package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]Transaction, error)
	ListInterestBearing(ctx context.Context) ([]Account, error)
	IntegrityReport(ctx context.Context) ([]Discrepancy, error)
}

// TxRepository exposes the reads and writes of one ledger unit of work.
type TxRepository interface {
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	GetMemberProfile(ctx context.Context, memberID int64) (MemberProfile, error)
	FindByReference(ctx context.Context, accountID int64, reference string) (Transaction, bool, error)
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error)
	LatestInterestPosting(ctx context.Context, accountID int64) (*InterestPosting, error)
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	MarkReversed(ctx context.Context, id uuid.UUID) error
	InsertInterestPosting(ctx context.Context, p InterestPosting) error
	DeleteInterestPosting(ctx context.Context, transactionID uuid.UUID) error
	UpdateBalance(ctx context.Context, u BalanceUpdate) error
	InsertAccount(ctx context.Context, a Account) (Account, error)
	UpdateAccountStatus(ctx context.Context, id, expectedVersion int64, status AccountStatus, closedAt *time.Time) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives ledger outcome counters.
type MetricsPort interface {
	ObserveOperation(txType, outcome string)
	ObserveRetry()
}

// Options bounds each commit attempt.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 10 * time.Millisecond
	}
	return o
}

// Operation outcomes reported to MetricsPort.
const (
	OutcomeCommitted = "committed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeBusy      = "busy"
	OutcomeError     = "error"
)

// Service is the ledger engine.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier shared.Notifier
	metrics  MetricsPort
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewService constructs the ledger engine.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, opts: opts.withDefaults(), now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithNotifier enables member notifications after commits.
func (s *Service) WithNotifier(n shared.Notifier) {
	s.notifier = n
}

// WithMetrics enables outcome counters.
func (s *Service) WithMetrics(m MetricsPort) {
	s.metrics = m
}

// Apply validates and commits one balance-affecting operation. Replaying a request
// with the same Reference returns the originally committed transaction.
func (s *Service) Apply(ctx context.Context, req Request) (Transaction, error) {
	if _, ok := ParseTxType(string(req.Type)); !ok {
		return Transaction{}, shared.ValidationError{Fields: map[string]string{"type": "is invalid"}}
	}
	var (
		result  Transaction
		profile MemberProfile
		replay  bool
	)
	err := s.commit(ctx, "apply "+string(req.Type), func(ctx context.Context, tx TxRepository) error {
		replay = false
		acct, err := tx.GetAccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if req.Reference != "" {
			existing, found, err := tx.FindByReference(ctx, acct.ID, req.Reference)
			if err != nil {
				return err
			}
			if found {
				if existing.Type != req.Type || (req.Type != TxInterest && !existing.Amount.Abs().Equal(req.Amount)) {
					return shared.Reject(ReasonReferenceReused, "reference %q was already used for a different operation", req.Reference)
				}
				result, replay = existing, true
				return nil
			}
		}
		profile, err = tx.GetMemberProfile(ctx, acct.MemberID)
		if err != nil {
			return err
		}
		p, err := plan(acct, profile, req, s.now())
		if err != nil {
			return err
		}
		inserted, err := tx.InsertTransaction(ctx, p.tx)
		if err != nil {
			return err
		}
		if p.interest != nil {
			p.interest.TransactionID = inserted.ID
			if err := tx.InsertInterestPosting(ctx, *p.interest); err != nil {
				return err
			}
		}
		if err := tx.UpdateBalance(ctx, p.update); err != nil {
			return err
		}
		result = inserted
		return nil
	})
	if err != nil {
		s.observe(req.Type, err)
		return Transaction{}, err
	}
	if replay {
		s.metricsOperation(req.Type, OutcomeReplayed)
		return result, nil
	}
	s.metricsOperation(req.Type, OutcomeCommitted)
	s.afterCommit(ctx, result, profile, req.ActorID)
	return result, nil
}

// PostInterest computes and posts interest for the period ending at asOf.
func (s *Service) PostInterest(ctx context.Context, accountID int64, asOf time.Time, actorID int64) (Transaction, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.Apply(ctx, Request{
		AccountID:   accountID,
		Type:        TxInterest,
		AsOf:        asOf,
		ActorID:     actorID,
		Description: "Interest through " + dayOf(asOf).Format(time.DateOnly),
	})
}

// Reverse appends a compensating entry for txID and marks the original reversed.
func (s *Service) Reverse(ctx context.Context, txID uuid.UUID, actorID int64, reason string) (Transaction, error) {
	var (
		result  Transaction
		profile MemberProfile
	)
	err := s.commit(ctx, "reverse", func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccountForUpdate(ctx, original.AccountID)
		if err != nil {
			return err
		}
		var latest *InterestPosting
		if original.Type == TxInterest {
			if latest, err = tx.LatestInterestPosting(ctx, acct.ID); err != nil {
				return err
			}
		}
		p, err := planReversal(acct, original, latest, actorID, reason, s.now())
		if err != nil {
			return err
		}
		if profile, err = tx.GetMemberProfile(ctx, acct.MemberID); err != nil {
			return err
		}
		inserted, err := tx.InsertTransaction(ctx, p.tx)
		if err != nil {
			return err
		}
		if err := tx.MarkReversed(ctx, original.ID); err != nil {
			return err
		}
		if original.Type == TxInterest {
			if err := tx.DeleteInterestPosting(ctx, original.ID); err != nil {
				return err
			}
		}
		if err := tx.UpdateBalance(ctx, p.update); err != nil {
			return err
		}
		result = inserted
		return nil
	})
	if err != nil {
		s.observe(TxReversal, err)
		return Transaction{}, err
	}
	s.metricsOperation(TxReversal, OutcomeCommitted)
	s.afterCommit(ctx, result, profile, actorID)
	return result, nil
}

// OpenAccount opens a savings or contribution account. Accounts of pending members
// start pending and are activated when the member is approved.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (Account, error) {
	if err := in.Validate(); err != nil {
		return Account{}, err
	}
	var opened Account
	err := s.commit(ctx, "open account", func(ctx context.Context, tx TxRepository) error {
		profile, err := tx.GetMemberProfile(ctx, in.MemberID)
		if err != nil {
			return err
		}
		status := StatusActive
		switch profile.Status {
		case members.StatusActive:
		case members.StatusPending:
			status = StatusPending
		default:
			return shared.Reject(ReasonMemberNotActive, "member is %s", profile.Status)
		}
		now := s.now()
		acct := Account{
			MemberID:              in.MemberID,
			Kind:                  in.Kind,
			Status:                status,
			Balance:               in.OpeningBalance,
			OpeningBalance:        in.OpeningBalance,
			InterestPostedThrough: dayOf(now),
			Version:               1,
			OpenedAt:              now,
			UpdatedAt:             now,
		}
		if in.Kind == KindSavings {
			acct.MinimumBalance = profile.MinimumSavingsBalance
			acct.InterestRate = profile.SavingsInterestRate
		}
		if in.MinimumBalance != nil {
			acct.MinimumBalance = *in.MinimumBalance
		}
		if in.InterestRate != nil {
			acct.InterestRate = *in.InterestRate
		}
		if acct.Balance.LessThan(acct.MinimumBalance) {
			return shared.Reject(ReasonInsufficientFunds, "opening balance must be at least %s", acct.MinimumBalance.StringFixed(2))
		}
		opened, err = tx.InsertAccount(ctx, acct)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.ActorID, "account.open", opened.ID, map[string]any{
		"member_id":       opened.MemberID,
		"kind":            string(opened.Kind),
		"status":          string(opened.Status),
		"opening_balance": opened.OpeningBalance.StringFixed(2),
	})
	return opened, nil
}

// ActivateAccount moves a pending or suspended deposit account to active.
func (s *Service) ActivateAccount(ctx context.Context, id, actorID int64, reason string) (Account, error) {
	return s.changeStatus(ctx, id, StatusActive, actorID, reason)
}

// SuspendAccount blocks ledger operations on an active deposit account.
func (s *Service) SuspendAccount(ctx context.Context, id, actorID int64, reason string) (Account, error) {
	return s.changeStatus(ctx, id, StatusSuspended, actorID, reason)
}

// CloseAccount closes a deposit account with a zero balance.
func (s *Service) CloseAccount(ctx context.Context, id, actorID int64, reason string) (Account, error) {
	return s.changeStatus(ctx, id, StatusClosed, actorID, reason)
}

// MarkLoanDefaulted moves an active loan to defaulted.
func (s *Service) MarkLoanDefaulted(ctx context.Context, id, actorID int64, reason string) (Account, error) {
	return s.changeStatus(ctx, id, StatusDefaulted, actorID, reason)
}

func (s *Service) changeStatus(ctx context.Context, id int64, to AccountStatus, actorID int64, reason string) (Account, error) {
	var (
		updated Account
		from    AccountStatus
	)
	err := s.commit(ctx, "change account status", func(ctx context.Context, tx TxRepository) error {
		acct, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = acct.Status
		if acct.Kind == KindLoan && to != StatusDefaulted {
			return shared.Reject(ReasonOperationNotAllowed, "loan status changes through disbursement and repayment")
		}
		if err := LifecycleFor(acct.Kind).Check(acct.Status, to); err != nil {
			return fmt.Errorf("ledger: account %d: %w", acct.ID, err)
		}
		switch to {
		case StatusClosed:
			if !acct.Balance.IsZero() {
				return shared.Reject(ReasonBalanceNotZero, "account balance is %s", acct.Balance.StringFixed(2))
			}
		case StatusActive:
			profile, err := tx.GetMemberProfile(ctx, acct.MemberID)
			if err != nil {
				return err
			}
			if profile.Status != members.StatusActive {
				return shared.Reject(ReasonMemberNotActive, "member is %s", profile.Status)
			}
		}
		now := s.now()
		var closedAt *time.Time
		if to == StatusClosed {
			closedAt = &now
		}
		if err := tx.UpdateAccountStatus(ctx, acct.ID, acct.Version, to, closedAt); err != nil {
			return err
		}
		acct.Status = to
		acct.ClosedAt = closedAt
		acct.Version++
		acct.UpdatedAt = now
		updated = acct
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, actorID, "account.status", id, map[string]any{"from": string(from), "to": string(to), "reason": reason})
	return updated, nil
}

// GetAccount returns the current account state.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// History returns transactions newest first.
func (s *Service) History(ctx context.Context, accountID int64, limit, offset int) ([]Transaction, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	page := shared.NewPagination(1, limit, 0)
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, accountID, page.PerPage, offset)
}

// ListInterestBearing returns active accounts with a positive rate.
func (s *Service) ListInterestBearing(ctx context.Context) ([]Account, error) {
	return s.repo.ListInterestBearing(ctx)
}

// VerifyIntegrity lists accounts whose balance differs from opening balance plus history.
func (s *Service) VerifyIntegrity(ctx context.Context) ([]Discrepancy, error) {
	return s.repo.IntegrityReport(ctx)
}

// commit runs fn in a transaction, retrying lost compare-and-swaps with backoff.
// Each attempt is bounded by Options.Timeout.
func (s *Service) commit(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	policy := shared.RetryPolicy{Retries: s.opts.MaxRetries, Backoff: s.opts.Backoff}
	if s.metrics != nil {
		policy.OnRetry = s.metrics.ObserveRetry
	}
	err := shared.RetryConflicts(ctx, op, policy, func(ctx context.Context) error {
		return s.attempt(ctx, op, fn)
	})
	if errors.Is(err, shared.ErrBusy) {
		s.logger.Warn("ledger retries exhausted", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("ledger: %w", err)
	}
	return err
}

func (s *Service) attempt(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	err := s.repo.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, shared.ErrStorage) {
		err = &shared.StorageError{Op: op, Err: err, Transient: true}
	}
	if errors.Is(err, shared.ErrStorage) {
		s.logger.Error("ledger storage failure", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func (s *Service) observe(t TxType, err error) {
	switch {
	case errors.Is(err, shared.ErrRejected), errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound):
		s.metricsOperation(t, OutcomeRejected)
	case errors.Is(err, shared.ErrBusy):
		s.metricsOperation(t, OutcomeBusy)
	default:
		s.metricsOperation(t, OutcomeError)
	}
}

func (s *Service) metricsOperation(t TxType, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(string(t), outcome)
	}
}

func (s *Service) afterCommit(ctx context.Context, tx Transaction, profile MemberProfile, actorID int64) {
	s.record(ctx, actorID, "ledger."+string(tx.Type), tx.AccountID, map[string]any{
		"transaction_id":    tx.ID.String(),
		"amount":            tx.Amount.StringFixed(2),
		"resulting_balance": tx.ResultingBalance.StringFixed(2),
	})
	if s.notifier == nil || profile.Email == "" {
		return
	}
	if err := s.notifier.Notify(ctx, shared.Notification{
		To:      profile.Email,
		Subject: fmt.Sprintf("Account %d: %s recorded", tx.AccountID, tx.Type),
		Body: fmt.Sprintf("Dear %s,\n\nA %s of %s was recorded on account %d. The new balance is %s.\n",
			profile.Name, tx.Type, tx.Amount.Abs().StringFixed(2), tx.AccountID, tx.ResultingBalance.StringFixed(2)),
	}); err != nil {
		s.logger.Warn("enqueue ledger notification", slog.Int64("account_id", tx.AccountID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, accountID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "account",
		EntityID: strconv.FormatInt(accountID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit ledger event", slog.String("action", action), slog.Any("error", err))
	}
}
