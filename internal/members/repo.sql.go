package members

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/platform/db"
	"github.com/csims/csims/internal/shared"
)

// Repository persists members.
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

const memberColumns = `id, member_no, first_name, last_name, email, phone, address, status, membership_type_id, joined_at, created_at, updated_at`

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("members repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetMember loads a member by id.
func (r *Repository) GetMember(ctx context.Context, id int64) (Member, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id=$1`, id)
	return scanMember(row)
}

// ListMembers returns a page of members and the total matching count.
func (r *Repository) ListMembers(ctx context.Context, filter ListFilter, limit, offset int) ([]Member, int, error) {
	var status any
	if filter.Status != "" {
		status = string(filter.Status)
	}
	var search any
	if s := strings.TrimSpace(filter.Search); s != "" {
		search = "%" + strings.ToLower(s) + "%"
	}
	const where = `WHERE ($1::text IS NULL OR status = $1)
  AND ($2::text IS NULL OR LOWER(first_name || ' ' || last_name) LIKE $2 OR LOWER(email) LIKE $2 OR member_no ILIKE $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM members `+where, status, search).Scan(&total); err != nil {
		return nil, 0, db.Classify("count members", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+memberColumns+` FROM members `+where+`
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, status, search, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("list members", err)
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, db.Classify("list members", rows.Err())
}

func (r *txRepository) MembershipTypeActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.tx.QueryRow(ctx, `SELECT is_active FROM membership_types WHERE id=$1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrMembershipTypeNotFound
	}
	return active, db.Classify("membership type active", err)
}

func (r *txRepository) InsertMember(ctx context.Context, in RegisterInput) (Member, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO members (member_no, first_name, last_name, email, phone, address, status, membership_type_id)
VALUES ('CSM-' || to_char(NOW(), 'YYYY') || '-' || lpad(nextval('member_no_seq')::text, 6, '0'), $1, $2, $3, $4, $5, 'pending', $6)
RETURNING `+memberColumns, in.FirstName, in.LastName, in.Email, in.Phone, in.Address, in.MembershipTypeID)
	m, err := scanMember(row)
	if err != nil && db.IsUniqueViolation(err, "uq_members_email") {
		return Member{}, ErrEmailTaken
	}
	return m, db.Classify("insert member", err)
}

func (r *txRepository) InsertApplication(ctx context.Context, memberID int64, ref uuid.UUID, actorID int64) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO approval_requests (ref_id, subject_type, member_id, status, requested_by)
VALUES ($1, 'member', $2, 'pending', $3) RETURNING id`, ref, memberID, actorID).Scan(&id)
	return id, db.Classify("insert member application", err)
}

func (r *txRepository) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	return shared.InsertApproval(ctx, r.tx, log)
}

func (r *txRepository) GetMemberForUpdate(ctx context.Context, id int64) (Member, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id=$1 FOR UPDATE`, id)
	return scanMember(row)
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE members SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return db.Classify("update member status", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (r *txRepository) CountOpenBalances(ctx context.Context, memberID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounts
WHERE member_id=$1 AND balance <> 0 AND status NOT IN ('closed','completed')`, memberID).Scan(&n)
	return n, db.Classify("count open balances", err)
}

func scanMember(row pgx.Row) (Member, error) {
	var m Member
	var status string
	err := row.Scan(&m.ID, &m.MemberNo, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &m.Address, &status,
		&m.MembershipTypeID, &m.JoinedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, db.Classify("scan member", err)
	}
	m.Status = Status(status)
	return m, nil
}

var _ RepositoryPort = (*Repository)(nil)
