// Package maintenance holds destructive operator utilities.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/csims/csims/internal/shared"
)

// ConfirmationPhrase must be supplied verbatim to purge.
const ConfirmationPhrase = "PURGE ALL DATA"

// PurgeTables lists the tables emptied by a purge, children before parents.
// Users, roles, permissions, membership types and the audit log are kept.
var PurgeTables = []string{
	"interest_postings",
	"transactions",
	"accounts",
	"approvals",
	"approval_requests",
	"members",
	"idempotency_keys",
}

// TableCount is the number of rows deleted from one table.
type TableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Report summarises a purge.
type Report struct {
	Tables []TableCount `json:"tables"`
	Total  int64        `json:"total"`
	At     time.Time    `json:"at"`
}

// ReasonConfirmationMismatch is returned when the phrase does not match.
const ReasonConfirmationMismatch = "confirmation_mismatch"

// Store deletes every row of the given tables in one transaction.
type Store interface {
	DeleteAll(ctx context.Context, tables []string) ([]TableCount, error)
}

// AuditPort records the purge.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs purges.
type Service struct {
	store  Store
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(store Store, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: audit, logger: logger, now: time.Now}
}

// Purge empties PurgeTables when confirmation equals ConfirmationPhrase.
func (s *Service) Purge(ctx context.Context, confirmation string, actorID int64) (Report, error) {
	if confirmation != ConfirmationPhrase {
		return Report{}, shared.Reject(ReasonConfirmationMismatch, "type %q to confirm", ConfirmationPhrase)
	}
	counts, err := s.store.DeleteAll(ctx, PurgeTables)
	if err != nil {
		return Report{}, err
	}
	report := Report{Tables: counts, At: s.now()}
	meta := make(map[string]any, len(counts))
	for _, c := range counts {
		report.Total += c.Rows
		meta[c.Table] = c.Rows
	}
	s.logger.Warn("data purged", slog.Int64("actor_id", actorID), slog.Int64("rows", report.Total))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "maintenance.purge",
			Entity:   "database",
			EntityID: "all",
			Meta:     meta,
			At:       report.At,
		}); err != nil {
			s.logger.Warn("audit purge", slog.Any("error", err))
		}
	}
	return report, nil
}
