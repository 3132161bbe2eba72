// Package membership manages the membership types members join under.
package membership

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/shared"
)

// Type is a membership plan. Its savings floor and loan terms feed account opening and loan applications.
type Type struct {
	ID                    int64           `json:"id"`
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	MonthlyContribution   decimal.Decimal `json:"monthly_contribution"`
	MinimumSavingsBalance decimal.Decimal `json:"minimum_savings_balance"`
	MaxLoanAmount         decimal.Decimal `json:"max_loan_amount"`
	LoanInterestRate      decimal.Decimal `json:"loan_interest_rate"`
	SavingsInterestRate   decimal.Decimal `json:"savings_interest_rate"`
	IsActive              bool            `json:"is_active"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// TypeInput is the writable part of a membership type.
type TypeInput struct {
	Name                  string          `json:"name" validate:"required,max=100"`
	Description           string          `json:"description" validate:"omitempty,max=500"`
	MonthlyContribution   decimal.Decimal `json:"monthly_contribution"`
	MinimumSavingsBalance decimal.Decimal `json:"minimum_savings_balance"`
	MaxLoanAmount         decimal.Decimal `json:"max_loan_amount"`
	LoanInterestRate      decimal.Decimal `json:"loan_interest_rate"`
	SavingsInterestRate   decimal.Decimal `json:"savings_interest_rate"`
	ActorID               int64           `json:"-"`
}

var maxRate = decimal.NewFromInt(100)

// Normalize trims text fields and rounds money to cents.
func (in *TypeInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.MonthlyContribution = in.MonthlyContribution.Round(2)
	in.MinimumSavingsBalance = in.MinimumSavingsBalance.Round(2)
	in.MaxLoanAmount = in.MaxLoanAmount.Round(2)
}

// Validate checks struct tags and numeric ranges.
func (in TypeInput) Validate() error {
	fields := map[string]string{}
	var ve shared.ValidationError
	if err := shared.ValidateStruct(in); errors.As(err, &ve) {
		fields = ve.Fields
	} else if err != nil {
		return err
	}
	for name, v := range map[string]decimal.Decimal{
		"monthly_contribution":    in.MonthlyContribution,
		"minimum_savings_balance": in.MinimumSavingsBalance,
		"max_loan_amount":         in.MaxLoanAmount,
	} {
		if v.IsNegative() {
			fields[name] = "must not be negative"
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"loan_interest_rate":    in.LoanInterestRate,
		"savings_interest_rate": in.SavingsInterestRate,
	} {
		if v.IsNegative() || v.GreaterThan(maxRate) {
			fields[name] = "must be between 0 and 100"
		}
	}
	if len(fields) > 0 {
		return shared.ValidationError{Fields: fields}
	}
	return nil
}

var (
	// ErrTypeNotFound indicates the membership type does not exist.
	ErrTypeNotFound = fmt.Errorf("membership: type %w", shared.ErrNotFound)
	// ErrNameTaken indicates another type already uses the name.
	ErrNameTaken = fmt.Errorf("membership: name already used: %w", shared.ErrDuplicate)
)
