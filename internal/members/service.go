package members

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/csims/csims/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMember(ctx context.Context, id int64) (Member, error)
	ListMembers(ctx context.Context, filter ListFilter, limit, offset int) ([]Member, int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	MembershipTypeActive(ctx context.Context, id int64) (bool, error)
	InsertMember(ctx context.Context, in RegisterInput) (Member, error)
	InsertApplication(ctx context.Context, memberID int64, ref uuid.UUID, actorID int64) (int64, error)
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
	GetMemberForUpdate(ctx context.Context, id int64) (Member, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	CountOpenBalances(ctx context.Context, memberID int64) (int, error)
}

// AuditPort records member events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates member registration and soft lifecycle changes.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	retry  shared.RetryPolicy
	now    func() time.Time
}

// NewService constructs the member service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, retry: shared.DefaultRetryPolicy, now: time.Now}
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

// Registration is the result of Register.
type Registration struct {
	Member            Member    `json:"member"`
	ApprovalRequestID int64     `json:"approval_request_id"`
	ApprovalRef       uuid.UUID `json:"approval_ref"`
}

// Register creates a pending member and its approval request in one transaction.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Registration, error) {
	input.Normalize()
	if err := input.Validate(); err != nil {
		return Registration{}, err
	}
	var out Registration
	err := s.withTx(ctx, "register", func(ctx context.Context, tx TxRepository) error {
		active, err := tx.MembershipTypeActive(ctx, input.MembershipTypeID)
		if err != nil {
			return err
		}
		if !active {
			return shared.Reject(ReasonMembershipTypeInactive, "membership type %d is not accepting members", input.MembershipTypeID)
		}
		member, err := tx.InsertMember(ctx, input)
		if err != nil {
			return err
		}
		ref := uuid.New()
		requestID, err := tx.InsertApplication(ctx, member.ID, ref, input.ActorID)
		if err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, shared.ApprovalLog{
			Module:  ApprovalModule,
			RefID:   ref,
			ActorID: input.ActorID,
			Action:  shared.ApprovalSubmit,
			Note:    member.MemberNo,
			At:      s.now(),
		}); err != nil {
			return err
		}
		out = Registration{Member: member, ApprovalRequestID: requestID, ApprovalRef: ref}
		return nil
	})
	if err != nil {
		return Registration{}, err
	}
	s.record(ctx, input.ActorID, "member.register", out.Member.ID, map[string]any{
		"member_no":           out.Member.MemberNo,
		"approval_request_id": out.ApprovalRequestID,
	})
	return out, nil
}

// Get returns one member.
func (s *Service) Get(ctx context.Context, id int64) (Member, error) {
	return s.repo.GetMember(ctx, id)
}

// List returns a filtered page of members.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return ListResult{}, shared.ValidationError{Fields: map[string]string{"status": "is invalid"}}
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	rows, total, err := s.repo.ListMembers(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Members: rows, Pagination: shared.NewPagination(page.Page, page.PerPage, total)}, nil
}

// Deactivate moves an active member to inactive. Open balances must be settled first,
// since the ledger accepts no operations for an inactive member.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64, reason string) (Member, error) {
	return s.transition(ctx, id, actorID, StatusInactive, "member.deactivate", reason)
}

// Delete soft deletes a member. Members holding open balances cannot be deleted.
func (s *Service) Delete(ctx context.Context, id, actorID int64, reason string) (Member, error) {
	return s.transition(ctx, id, actorID, StatusDeleted, "member.delete", reason)
}

func (s *Service) transition(ctx context.Context, id, actorID int64, to Status, action, reason string) (Member, error) {
	var updated Member
	var from Status
	err := s.withTx(ctx, action, func(ctx context.Context, tx TxRepository) error {
		member, err := tx.GetMemberForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = member.Status
		if err := Lifecycle.Check(member.Status, to); err != nil {
			return fmt.Errorf("members: %w", err)
		}
		if to == StatusDeleted || to == StatusInactive {
			open, err := tx.CountOpenBalances(ctx, id)
			if err != nil {
				return err
			}
			if open > 0 {
				return shared.Reject(ReasonOpenBalances, "member still holds %d account(s) with a balance", open)
			}
		}
		if err := tx.UpdateStatus(ctx, id, to); err != nil {
			return err
		}
		member.Status = to
		member.UpdatedAt = s.now()
		updated = member
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	s.record(ctx, actorID, action, id, map[string]any{"from": string(from), "to": string(to), "reason": reason})
	return updated, nil
}

func (s *Service) withTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	return shared.RetryConflicts(ctx, "members: "+op, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action string, memberID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "member",
		EntityID: strconv.FormatInt(memberID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit member event", slog.String("action", action), slog.Any("error", err))
	}
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusActive, StatusRejected, StatusInactive, StatusDeleted:
		return true
	}
	return false
}
