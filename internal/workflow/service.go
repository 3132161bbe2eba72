package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id int64) (ApprovalRequest, error)
	ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]ApprovalRequest, int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetApplicant(ctx context.Context, memberID int64) (Applicant, error)
	InsertRequest(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error)
	GetRequestForUpdate(ctx context.Context, id int64) (ApprovalRequest, error)
	SaveDecision(ctx context.Context, req ApprovalRequest) error
	OpenLoanAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	SetMemberStatus(ctx context.Context, memberID int64, status members.Status, joinedAt *time.Time) error
	ActivatePendingAccounts(ctx context.Context, memberID int64) (int64, error)
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
}

// HistoryPort reads the approval log.
type HistoryPort interface {
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// AuditPort records workflow events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the approval state machine.
type Service struct {
	repo     RepositoryPort
	history  HistoryPort
	audit    AuditPort
	notifier shared.Notifier
	logger   *slog.Logger
	retry    shared.RetryPolicy
	now      func() time.Time
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, history HistoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, history: history, audit: audit, logger: logger, retry: shared.DefaultRetryPolicy, now: time.Now}
}

// WithRetry overrides how serialization conflicts are retried.
func (s *Service) WithRetry(p shared.RetryPolicy) {
	s.retry = p
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithNotifier enables applicant notifications.
func (s *Service) WithNotifier(n shared.Notifier) {
	s.notifier = n
}

// SubmitLoanApplication creates a pending loan request for an active member.
func (s *Service) SubmitLoanApplication(ctx context.Context, in LoanApplicationInput) (ApprovalRequest, error) {
	if err := in.Validate(); err != nil {
		return ApprovalRequest{}, err
	}
	var created ApprovalRequest
	err := s.withTx(ctx, "submit loan application", func(ctx context.Context, tx TxRepository) error {
		applicant, err := tx.GetApplicant(ctx, in.MemberID)
		if err != nil {
			return err
		}
		if applicant.Status != members.StatusActive {
			return shared.Reject(ReasonMemberNotActive, "member is %s", applicant.Status)
		}
		if applicant.MaxLoanAmount.IsPositive() && in.Amount.GreaterThan(applicant.MaxLoanAmount) {
			return shared.Reject(ReasonLoanLimitExceeded, "membership allows loans up to %s", applicant.MaxLoanAmount.StringFixed(2))
		}
		now := s.now()
		created, err = tx.InsertRequest(ctx, ApprovalRequest{
			RefID:           uuid.New(),
			SubjectType:     SubjectLoan,
			MemberID:        in.MemberID,
			RequestedAmount: in.Amount.Round(2),
			TermMonths:      in.TermMonths,
			InterestRate:    applicant.LoanInterestRate,
			Purpose:         in.Purpose,
			Status:          RequestPending,
			RequestedBy:     in.ActorID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		return tx.RecordApproval(ctx, shared.ApprovalLog{
			Module:  LoanApprovalModule,
			RefID:   created.RefID,
			ActorID: in.ActorID,
			Action:  shared.ApprovalSubmit,
			Note:    in.Purpose,
			At:      now,
		})
	})
	if err != nil {
		return ApprovalRequest{}, err
	}
	s.record(ctx, in.ActorID, "approval.submit", created, map[string]any{
		"subject_type": string(created.SubjectType),
		"amount":       created.RequestedAmount.StringFixed(2),
	})
	return created, nil
}

// Decide approves or rejects a pending request. A decided request cannot be decided again.
func (s *Service) Decide(ctx context.Context, requestID int64, decision Decision, actorID int64, reason string) (ApprovalRequest, error) {
	decision, ok := ParseDecision(string(decision))
	if !ok {
		return ApprovalRequest{}, shared.ValidationError{Fields: map[string]string{"decision": "must be one of approve reject"}}
	}
	if actorID <= 0 {
		return ApprovalRequest{}, shared.ValidationError{Fields: map[string]string{"actor": "is required"}}
	}
	var (
		decided   ApprovalRequest
		applicant Applicant
	)
	err := s.withTx(ctx, "decide approval", func(ctx context.Context, tx TxRepository) error {
		decided = ApprovalRequest{}
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		to := decision.target()
		if err := RequestLifecycle.Check(req.Status, to); err != nil {
			return fmt.Errorf("workflow: request %d: %w", req.ID, err)
		}
		if applicant, err = tx.GetApplicant(ctx, req.MemberID); err != nil {
			return err
		}
		now := s.now()
		switch {
		case req.SubjectType == SubjectLoan && decision == DecisionApprove:
			if applicant.Status != members.StatusActive {
				return shared.Reject(ReasonMemberNotActive, "member is %s", applicant.Status)
			}
			acct, err := tx.OpenLoanAccount(ctx, ledger.NewLoanAccount(req.MemberID, req.ID, req.RequestedAmount, req.InterestRate, req.TermMonths, now))
			if err != nil {
				return err
			}
			req.AccountID = &acct.ID
		case req.SubjectType == SubjectMember:
			target := members.StatusRejected
			var joinedAt *time.Time
			if decision == DecisionApprove {
				target = members.StatusActive
				joinedAt = &now
			}
			if err := members.Lifecycle.Check(applicant.Status, target); err != nil {
				return fmt.Errorf("workflow: member %d: %w", applicant.ID, err)
			}
			if err := tx.SetMemberStatus(ctx, applicant.ID, target, joinedAt); err != nil {
				return err
			}
			if decision == DecisionApprove {
				if _, err := tx.ActivatePendingAccounts(ctx, applicant.ID); err != nil {
					return err
				}
			}
		}
		req.Status = to
		req.ReviewerID = &actorID
		req.DecidedAt = &now
		req.Reason = reason
		req.UpdatedAt = now
		if err := tx.SaveDecision(ctx, req); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, shared.ApprovalLog{
			Module:  req.Module(),
			RefID:   req.RefID,
			ActorID: actorID,
			Action:  decision.action(),
			Note:    reason,
			At:      now,
		}); err != nil {
			return err
		}
		decided = req
		return nil
	})
	if err != nil {
		return ApprovalRequest{}, err
	}
	meta := map[string]any{"subject_type": string(decided.SubjectType), "reason": reason}
	if decided.AccountID != nil {
		meta["account_id"] = *decided.AccountID
	}
	s.record(ctx, actorID, "approval."+string(decision), decided, meta)
	s.notify(ctx, applicant, decided)
	return decided, nil
}

// Get returns one request with its approval history.
func (s *Service) Get(ctx context.Context, id int64) (ApprovalRequest, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if s.history != nil {
		logs, err := s.history.List(ctx, req.Module(), req.RefID)
		if err != nil {
			return ApprovalRequest{}, err
		}
		req.History = logs
	}
	return req, nil
}

// List returns a filtered page of requests.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	fields := map[string]string{}
	switch filter.Status {
	case "", RequestPending, RequestApproved, RequestRejected:
	default:
		fields["status"] = "is invalid"
	}
	switch filter.SubjectType {
	case "", SubjectLoan, SubjectMember:
	default:
		fields["subject_type"] = "is invalid"
	}
	if len(fields) > 0 {
		return ListResult{}, shared.ValidationError{Fields: fields}
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	rows, total, err := s.repo.ListRequests(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Requests: rows, Pagination: shared.NewPagination(page.Page, page.PerPage, total)}, nil
}

// withTx re-runs fn when the transaction loses a serialization race. The rerun
// reads committed state, so a concurrently decided request fails its lifecycle check.
func (s *Service) withTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	return shared.RetryConflicts(ctx, "workflow: "+op, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
}

func (s *Service) notify(ctx context.Context, applicant Applicant, req ApprovalRequest) {
	if s.notifier == nil || applicant.Email == "" {
		return
	}
	subject := "Your membership application was " + string(req.Status)
	body := fmt.Sprintf("Dear %s,\n\nYour membership application has been %s.\n", applicant.Name, req.Status)
	if req.SubjectType == SubjectLoan {
		subject = "Your loan application was " + string(req.Status)
		body = fmt.Sprintf("Dear %s,\n\nYour loan application for %s has been %s.\n", applicant.Name, req.RequestedAmount.StringFixed(2), req.Status)
	}
	if req.Reason != "" {
		body += "\nNote: " + req.Reason + "\n"
	}
	if err := s.notifier.Notify(ctx, shared.Notification{To: applicant.Email, Subject: subject, Body: body}); err != nil {
		s.logger.Warn("enqueue approval notification", slog.Int64("request_id", req.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, req ApprovalRequest, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_request",
		EntityID: strconv.FormatInt(req.ID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit approval event", slog.String("action", action), slog.Any("error", err))
	}
}
