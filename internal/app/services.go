package app

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/audit"
	"github.com/csims/csims/internal/auth"
	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/maintenance"
	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/membership"
	"github.com/csims/csims/internal/observability"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
	"github.com/csims/csims/internal/workflow"
)

// Services holds the domain services shared by the server, worker and CLI.
type Services struct {
	Auth        *auth.Service
	RBAC        *rbac.Service
	Members     *members.Service
	Membership  *membership.Service
	Ledger      *ledger.Service
	Workflow    *workflow.Service
	Audit       *audit.Service
	AuditFile   *audit.FileReader
	Maintenance *maintenance.Service
	Idempotency *shared.IdempotencyStore

	auditFile *audit.FileSink
}

// ServiceDeps are the infrastructure handles the services are built on.
type ServiceDeps struct {
	Config   *Config
	Pool     *pgxpool.Pool
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Notifier shared.Notifier
}

// NewServices wires every domain service against Postgres. Audit entries go to
// audit_logs and, when AUDIT_LOG_FILE is set, to the JSON-lines file as well.
func NewServices(deps ServiceDeps) (*Services, error) {
	if deps.Pool == nil || deps.Config == nil {
		return nil, errors.New("app: services need a pool and config")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditor := shared.AuditFanout{shared.NewAuditLogger(deps.Pool)}
	var fileSink *audit.FileSink
	if deps.Config.AuditLogFile != "" {
		sink, err := audit.OpenFileSink(deps.Config.AuditLogFile)
		if err != nil {
			return nil, err
		}
		fileSink = sink
		auditor = append(auditor, sink)
	}
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)

	ledgerService := ledger.NewService(ledger.NewRepository(deps.Pool), auditor, logger, deps.Config.LedgerOptions())
	workflowService := workflow.NewService(workflow.NewRepository(deps.Pool), approvals, auditor, logger)
	if deps.Metrics != nil {
		ledgerService.WithMetrics(deps.Metrics)
	}
	if deps.Notifier != nil {
		ledgerService.WithNotifier(deps.Notifier)
		workflowService.WithNotifier(deps.Notifier)
	}

	return &Services{
		Auth:        auth.NewService(auth.NewRepository(deps.Pool)),
		RBAC:        rbac.NewService(deps.Pool),
		Members:     members.NewService(members.NewRepository(deps.Pool), auditor, logger),
		Membership:  membership.NewService(membership.NewRepository(deps.Pool), auditor, logger),
		Ledger:      ledgerService,
		Workflow:    workflowService,
		Audit:       audit.NewService(audit.NewRepository(deps.Pool)),
		AuditFile:   audit.NewFileReader(deps.Config.AuditLogFile),
		Maintenance: maintenance.NewService(maintenance.NewStore(deps.Pool), auditor, logger),
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
		auditFile:   fileSink,
	}, nil
}

// Close releases the audit file, if one was opened.
func (s *Services) Close() error {
	if s == nil || s.auditFile == nil {
		return nil
	}
	return s.auditFile.Close()
}
