package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/platform/db"
	"github.com/csims/csims/internal/shared"
)

// Repository persists accounts and the transaction log.
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

// Querier is satisfied by pgx pools and transactions.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, member_id, kind, status, balance, opening_balance, interest_rate, minimum_balance,
principal, accrued_interest, term_months, approval_request_id, disbursed_at, interest_posted_through,
version, opened_at, closed_at, updated_at`

const transactionColumns = `id, seq, account_id, type, amount, principal_portion, interest_portion,
resulting_balance, status, description, reference, reverses_id, actor_id, created_at`

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetAccount loads an account without locking.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

// ListTransactions returns account history newest first.
func (r *Repository) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
WHERE account_id=$1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, db.Classify("list transactions", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, db.Classify("list transactions", rows.Err())
}

// ListInterestBearing returns active savings and loan accounts with a positive rate.
func (r *Repository) ListInterestBearing(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE status='active' AND kind IN ('savings','loan') AND interest_rate > 0 ORDER BY id`)
	if err != nil {
		return nil, db.Classify("list interest bearing", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, db.Classify("list interest bearing", rows.Err())
}

// IntegrityReport compares each stored balance with opening balance plus history.
func (r *Repository) IntegrityReport(ctx context.Context) ([]Discrepancy, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.balance, a.opening_balance + COALESCE(SUM(t.amount), 0)
FROM accounts a
LEFT JOIN transactions t ON t.account_id = a.id
GROUP BY a.id
HAVING a.balance <> a.opening_balance + COALESCE(SUM(t.amount), 0)
ORDER BY a.id`)
	if err != nil {
		return nil, db.Classify("integrity report", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Discrepancy, error) {
		var d Discrepancy
		err := row.Scan(&d.AccountID, &d.Balance, &d.Expected)
		return d, err
	})
	if err != nil {
		return nil, db.Classify("integrity report", err)
	}
	return out, nil
}

func (t *txRepository) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) GetMemberProfile(ctx context.Context, memberID int64) (MemberProfile, error) {
	var p MemberProfile
	var status string
	err := t.tx.QueryRow(ctx, `SELECT m.id, m.status, m.email, m.first_name || ' ' || m.last_name,
       mt.minimum_savings_balance, mt.savings_interest_rate
FROM members m
JOIN membership_types mt ON mt.id = m.membership_type_id
WHERE m.id=$1
FOR SHARE OF m`, memberID).Scan(&p.ID, &status, &p.Email, &p.Name, &p.MinimumSavingsBalance, &p.SavingsInterestRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemberProfile{}, ErrMemberNotFound
	}
	if err != nil {
		return MemberProfile{}, db.Classify("get member profile", err)
	}
	p.Status = members.Status(status)
	return p, nil
}

func (t *txRepository) FindByReference(ctx context.Context, accountID int64, reference string) (Transaction, bool, error) {
	tx, err := scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
WHERE account_id=$1 AND reference=$2`, accountID, reference))
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, true, nil
}

func (t *txRepository) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) LatestInterestPosting(ctx context.Context, accountID int64) (*InterestPosting, error) {
	var p InterestPosting
	err := t.tx.QueryRow(ctx, `SELECT account_id, period_start, period_end, amount, transaction_id
FROM interest_postings WHERE account_id=$1 ORDER BY period_end DESC LIMIT 1`, accountID).
		Scan(&p.AccountID, &p.PeriodStart, &p.PeriodEnd, &p.Amount, &p.TransactionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Classify("latest interest posting", err)
	}
	return &p, nil
}

func (t *txRepository) InsertTransaction(ctx context.Context, in Transaction) (Transaction, error) {
	out := in
	err := t.tx.QueryRow(ctx, `INSERT INTO transactions (id, account_id, type, amount, principal_portion, interest_portion,
    resulting_balance, status, description, reference, reverses_id, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING seq, created_at`,
		in.ID, in.AccountID, string(in.Type), in.Amount, in.PrincipalPortion, in.InterestPortion,
		in.ResultingBalance, string(in.Status), in.Description, in.Reference, in.ReversesID, in.ActorID, in.CreatedAt,
	).Scan(&out.Seq, &out.CreatedAt)
	switch {
	case err == nil:
		return out, nil
	case db.IsUniqueViolation(err, "uq_transactions_reference"):
		// A concurrent request with the same key won; the retry replays it.
		return Transaction{}, fmt.Errorf("ledger: reference %q: %w", in.Reference, shared.ErrConflict)
	case db.IsUniqueViolation(err, "uq_transactions_reverses"):
		return Transaction{}, shared.Reject(ReasonAlreadyReversed, "transaction is already reversed")
	}
	return Transaction{}, db.Classify("insert transaction", err)
}

func (t *txRepository) MarkReversed(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transactions SET status='reversed' WHERE id=$1 AND status='completed'`, id)
	if err != nil {
		return db.Classify("mark reversed", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrConflict
	}
	return nil
}

func (t *txRepository) InsertInterestPosting(ctx context.Context, p InterestPosting) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO interest_postings (account_id, period_start, period_end, amount, transaction_id)
VALUES ($1, $2, $3, $4, $5)`, p.AccountID, p.PeriodStart, p.PeriodEnd, p.Amount, p.TransactionID)
	if db.IsUniqueViolation(err, "uq_interest_postings_period") {
		return shared.Reject(ReasonInterestAlreadyPosted, "interest for the period ending %s is already posted", p.PeriodEnd.Format(time.DateOnly))
	}
	return db.Classify("insert interest posting", err)
}

func (t *txRepository) DeleteInterestPosting(ctx context.Context, transactionID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM interest_postings WHERE transaction_id=$1`, transactionID)
	return db.Classify("delete interest posting", err)
}

func (t *txRepository) UpdateBalance(ctx context.Context, u BalanceUpdate) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts
SET balance=$4, accrued_interest=$5, status=$6, disbursed_at=$7, interest_posted_through=$8, closed_at=$9,
    version=version+1, updated_at=NOW()
WHERE id=$1 AND balance=$2 AND version=$3`,
		u.AccountID, u.ExpectedBalance, u.ExpectedVersion, u.Balance, u.AccruedInterest, string(u.Status),
		u.DisbursedAt, u.InterestPostedThrough, u.ClosedAt)
	if err != nil {
		return db.Classify("update balance", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: account %d: %w", u.AccountID, shared.ErrConflict)
	}
	return nil
}

func (t *txRepository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	return InsertAccount(ctx, t.tx, a)
}

func (t *txRepository) UpdateAccountStatus(ctx context.Context, id, expectedVersion int64, status AccountStatus, closedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET status=$3, closed_at=COALESCE($4, closed_at), version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`, id, expectedVersion, string(status), closedAt)
	if err != nil {
		return db.Classify("update account status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: account %d: %w", id, shared.ErrConflict)
	}
	return nil
}

// InsertAccount writes a new account with q so callers can keep it inside their
// own transaction. Only zero or opening balances are written here.
func InsertAccount(ctx context.Context, q Querier, a Account) (Account, error) {
	row := q.QueryRow(ctx, `INSERT INTO accounts (member_id, kind, status, balance, opening_balance, interest_rate,
    minimum_balance, principal, accrued_interest, term_months, approval_request_id, interest_posted_through, opened_at)
VALUES ($1, $2, $3, $4, $4, $5, $6, $7, 0, $8, $9, $10, $11)
RETURNING `+accountColumns,
		a.MemberID, string(a.Kind), string(a.Status), a.OpeningBalance, a.InterestRate,
		a.MinimumBalance, a.Principal, a.TermMonths, a.ApprovalRequestID, a.InterestPostedThrough, a.OpenedAt)
	out, err := scanAccount(row)
	if db.IsUniqueViolation(err, "uq_accounts_approval_request") {
		return Account{}, fmt.Errorf("ledger: loan account for request exists: %w", shared.ErrDuplicate)
	}
	return out, err
}

// ActivatePendingAccounts activates the pending deposit accounts of a newly
// approved member and returns how many changed.
func ActivatePendingAccounts(ctx context.Context, q Querier, memberID int64) (int64, error) {
	tag, err := q.Exec(ctx, `UPDATE accounts SET status='active', version=version+1, updated_at=NOW()
WHERE member_id=$1 AND status='pending' AND kind IN ('savings','contribution')`, memberID)
	if err != nil {
		return 0, db.Classify("activate pending accounts", err)
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var kind, status string
	err := row.Scan(&a.ID, &a.MemberID, &kind, &status, &a.Balance, &a.OpeningBalance, &a.InterestRate,
		&a.MinimumBalance, &a.Principal, &a.AccruedInterest, &a.TermMonths, &a.ApprovalRequestID,
		&a.DisbursedAt, &a.InterestPostedThrough, &a.Version, &a.OpenedAt, &a.ClosedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, db.Classify("scan account", err)
	}
	a.Kind = AccountKind(kind)
	a.Status = AccountStatus(status)
	return a, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var typ, status string
	err := row.Scan(&t.ID, &t.Seq, &t.AccountID, &typ, &t.Amount, &t.PrincipalPortion, &t.InterestPortion,
		&t.ResultingBalance, &status, &t.Description, &t.Reference, &t.ReversesID, &t.ActorID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, db.Classify("scan transaction", err)
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	return t, nil
}
