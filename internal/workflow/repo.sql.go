package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/ledger"
	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/platform/db"
	"github.com/csims/csims/internal/shared"
)

// Repository persists approval requests.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

const requestColumns = `id, ref_id, subject_type, member_id, requested_amount, term_months, interest_rate, purpose,
status, requested_by, reviewer_id, decided_at, reason, account_id, created_at, updated_at`

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("workflow repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetRequest loads one approval request.
func (r *Repository) GetRequest(ctx context.Context, id int64) (ApprovalRequest, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=$1`, id))
}

// ListRequests returns a page of requests, pending first then newest.
func (r *Repository) ListRequests(ctx context.Context, filter ListFilter, limit, offset int) ([]ApprovalRequest, int, error) {
	var status, subject any
	if filter.Status != "" {
		status = string(filter.Status)
	}
	if filter.SubjectType != "" {
		subject = string(filter.SubjectType)
	}
	const where = `WHERE ($1::text IS NULL OR status = $1) AND ($2::text IS NULL OR subject_type = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests `+where, status, subject).Scan(&total); err != nil {
		return nil, 0, db.Classify("count approval requests", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests `+where+`
ORDER BY (status = 'pending') DESC, created_at DESC, id DESC LIMIT $3 OFFSET $4`, status, subject, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list approval requests", err)
	}
	defer rows.Close()
	var out []ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, req)
	}
	return out, total, db.Classify("list approval requests", rows.Err())
}

func (t *txRepository) GetApplicant(ctx context.Context, memberID int64) (Applicant, error) {
	var a Applicant
	var status string
	err := t.tx.QueryRow(ctx, `SELECT m.id, m.status, m.email, m.first_name || ' ' || m.last_name,
       mt.max_loan_amount, mt.loan_interest_rate
FROM members m
JOIN membership_types mt ON mt.id = m.membership_type_id
WHERE m.id=$1
FOR UPDATE OF m`, memberID).Scan(&a.ID, &status, &a.Email, &a.Name, &a.MaxLoanAmount, &a.LoanInterestRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Applicant{}, ErrApplicantNotFound
	}
	if err != nil {
		return Applicant{}, db.Classify("get applicant", err)
	}
	a.Status = members.Status(status)
	return a, nil
}

func (t *txRepository) InsertRequest(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx, `INSERT INTO approval_requests (ref_id, subject_type, member_id, requested_amount,
    term_months, interest_rate, purpose, status, requested_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
RETURNING `+requestColumns,
		req.RefID, string(req.SubjectType), req.MemberID, req.RequestedAmount, req.TermMonths, req.InterestRate,
		req.Purpose, string(req.Status), req.RequestedBy, req.CreatedAt))
}

func (t *txRepository) GetRequestForUpdate(ctx context.Context, id int64) (ApprovalRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) SaveDecision(ctx context.Context, req ApprovalRequest) error {
	tag, err := t.tx.Exec(ctx, `UPDATE approval_requests
SET status=$2, reviewer_id=$3, decided_at=$4, reason=$5, account_id=$6, updated_at=$7
WHERE id=$1 AND status='pending'`,
		req.ID, string(req.Status), req.ReviewerID, req.DecidedAt, req.Reason, req.AccountID, req.UpdatedAt)
	if err != nil {
		return db.Classify("save decision", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrInvalidTransition
	}
	return nil
}

func (t *txRepository) OpenLoanAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	return ledger.InsertAccount(ctx, t.tx, acct)
}

func (t *txRepository) SetMemberStatus(ctx context.Context, memberID int64, status members.Status, joinedAt *time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE members SET status=$2, joined_at=COALESCE($3, joined_at), updated_at=NOW() WHERE id=$1`,
		memberID, string(status), joinedAt)
	return db.Classify("set member status", err)
}

func (t *txRepository) ActivatePendingAccounts(ctx context.Context, memberID int64) (int64, error) {
	return ledger.ActivatePendingAccounts(ctx, t.tx, memberID)
}

func (t *txRepository) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	return shared.InsertApproval(ctx, t.tx, log)
}

func scanRequest(row pgx.Row) (ApprovalRequest, error) {
	var r ApprovalRequest
	var subject, status string
	err := row.Scan(&r.ID, &r.RefID, &subject, &r.MemberID, &r.RequestedAmount, &r.TermMonths, &r.InterestRate,
		&r.Purpose, &status, &r.RequestedBy, &r.ReviewerID, &r.DecidedAt, &r.Reason, &r.AccountID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApprovalRequest{}, ErrRequestNotFound
	}
	if err != nil {
		return ApprovalRequest{}, db.Classify("scan approval request", err)
	}
	r.SubjectType = SubjectType(subject)
	r.Status = RequestStatus(status)
	return r, nil
}
