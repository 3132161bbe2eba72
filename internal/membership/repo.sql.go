package membership

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/platform/db"
)

// Repository stores membership types in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const typeColumns = `id, name, description, monthly_contribution, minimum_savings_balance, max_loan_amount,
loan_interest_rate, savings_interest_rate, is_active, created_at, updated_at`

const nameConstraint = "uq_membership_types_name"

// List returns membership types ordered by name.
func (r *Repository) List(ctx context.Context, includeInactive bool) ([]Type, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+typeColumns+` FROM membership_types
WHERE $1 OR is_active ORDER BY LOWER(name)`, includeInactive)
	if err != nil {
		return nil, db.Classify("list membership types", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Type, error) {
		return scanType(row)
	})
	return out, db.Classify("list membership types", err)
}

// Get loads one membership type.
func (r *Repository) Get(ctx context.Context, id int64) (Type, error) {
	return scanType(r.pool.QueryRow(ctx, `SELECT `+typeColumns+` FROM membership_types WHERE id=$1`, id))
}

// Insert creates a membership type.
func (r *Repository) Insert(ctx context.Context, in TypeInput) (Type, error) {
	t, err := scanType(r.pool.QueryRow(ctx, `INSERT INTO membership_types (name, description, monthly_contribution,
    minimum_savings_balance, max_loan_amount, loan_interest_rate, savings_interest_rate)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+typeColumns,
		in.Name, in.Description, in.MonthlyContribution, in.MinimumSavingsBalance, in.MaxLoanAmount,
		in.LoanInterestRate, in.SavingsInterestRate))
	return t, nameTaken(err)
}

// Update rewrites a membership type.
func (r *Repository) Update(ctx context.Context, id int64, in TypeInput) (Type, error) {
	t, err := scanType(r.pool.QueryRow(ctx, `UPDATE membership_types
SET name=$2, description=$3, monthly_contribution=$4, minimum_savings_balance=$5, max_loan_amount=$6,
    loan_interest_rate=$7, savings_interest_rate=$8, updated_at=NOW()
WHERE id=$1
RETURNING `+typeColumns,
		id, in.Name, in.Description, in.MonthlyContribution, in.MinimumSavingsBalance, in.MaxLoanAmount,
		in.LoanInterestRate, in.SavingsInterestRate))
	return t, nameTaken(err)
}

// SetActive toggles whether the type accepts new members.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) (Type, error) {
	return scanType(r.pool.QueryRow(ctx, `UPDATE membership_types SET is_active=$2, updated_at=NOW()
WHERE id=$1 RETURNING `+typeColumns, id, active))
}

func nameTaken(err error) error {
	if db.IsUniqueViolation(err, nameConstraint) {
		return ErrNameTaken
	}
	return err
}

func scanType(row pgx.Row) (Type, error) {
	var t Type
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.MonthlyContribution, &t.MinimumSavingsBalance,
		&t.MaxLoanAmount, &t.LoanInterestRate, &t.SavingsInterestRate, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Type{}, ErrTypeNotFound
	}
	if err != nil && !db.IsUniqueViolation(err, nameConstraint) {
		return Type{}, db.Classify("scan membership type", err)
	}
	return t, err
}
