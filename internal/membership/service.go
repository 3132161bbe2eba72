package membership

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/csims/csims/internal/shared"
)

// RepositoryPort persists membership types.
type RepositoryPort interface {
	List(ctx context.Context, includeInactive bool) ([]Type, error)
	Get(ctx context.Context, id int64) (Type, error)
	Insert(ctx context.Context, in TypeInput) (Type, error)
	Update(ctx context.Context, id int64, in TypeInput) (Type, error)
	SetActive(ctx context.Context, id int64, active bool) (Type, error)
}

// AuditPort records configuration changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages membership types.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// List returns membership types ordered by name.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]Type, error) {
	return s.repo.List(ctx, includeInactive)
}

// Get returns one membership type.
func (s *Service) Get(ctx context.Context, id int64) (Type, error) {
	return s.repo.Get(ctx, id)
}

// Create adds a membership type.
func (s *Service) Create(ctx context.Context, in TypeInput) (Type, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Type{}, err
	}
	t, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Type{}, err
	}
	s.record(ctx, in.ActorID, "membership_type.create", t)
	return t, nil
}

// Update replaces the writable fields of a membership type.
func (s *Service) Update(ctx context.Context, id int64, in TypeInput) (Type, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Type{}, err
	}
	t, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return Type{}, err
	}
	s.record(ctx, in.ActorID, "membership_type.update", t)
	return t, nil
}

// Deactivate stops a type from accepting new members. Existing members keep it.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64) (Type, error) {
	t, err := s.repo.SetActive(ctx, id, false)
	if err != nil {
		return Type{}, err
	}
	s.record(ctx, actorID, "membership_type.deactivate", t)
	return t, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, t Type) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "membership_type",
		EntityID: strconv.FormatInt(t.ID, 10),
		Meta: map[string]any{
			"name":                    t.Name,
			"minimum_savings_balance": t.MinimumSavingsBalance.StringFixed(2),
			"max_loan_amount":         t.MaxLoanAmount.StringFixed(2),
			"is_active":               t.IsActive,
		},
		At: s.now(),
	}); err != nil {
		s.logger.Warn("audit membership type", slog.String("action", action), slog.Any("error", err))
	}
}
