// Package ledger is the only path through which account balances change.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// AccountKind enumerates account categories.
type AccountKind string

const (
	KindSavings      AccountKind = "savings"
	KindLoan         AccountKind = "loan"
	KindContribution AccountKind = "contribution"
)

// AccountStatus enumerates account lifecycle values across all kinds.
type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"
	StatusApproved  AccountStatus = "approved"
	StatusRejected  AccountStatus = "rejected"
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
	StatusClosed    AccountStatus = "closed"
	StatusCompleted AccountStatus = "completed"
	StatusDefaulted AccountStatus = "defaulted"
)

// DepositLifecycle governs savings and contribution accounts.
var DepositLifecycle = shared.Lifecycle[AccountStatus]{
	StatusPending:   {StatusActive, StatusClosed},
	StatusActive:    {StatusSuspended, StatusClosed},
	StatusSuspended: {StatusActive, StatusClosed},
}

// LoanLifecycle governs loan accounts. approved -> active happens only on disbursement
// and active -> completed only on the final repayment.
var LoanLifecycle = shared.Lifecycle[AccountStatus]{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusActive},
	StatusActive:   {StatusCompleted, StatusDefaulted},
}

// LifecycleFor returns the status graph for kind.
func LifecycleFor(kind AccountKind) shared.Lifecycle[AccountStatus] {
	if kind == KindLoan {
		return LoanLifecycle
	}
	return DepositLifecycle
}

// TxType enumerates balance-affecting operations.
type TxType string

const (
	TxDeposit      TxType = "deposit"
	TxWithdrawal   TxType = "withdrawal"
	TxDisbursement TxType = "disbursement"
	TxRepayment    TxType = "repayment"
	TxInterest     TxType = "interest"
	TxFee          TxType = "fee"
	TxReversal     TxType = "reversal"
)

// ParseTxType converts user input into an operation type. Reversals are not
// requested through Apply.
func ParseTxType(s string) (TxType, bool) {
	t := TxType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TxDeposit, TxWithdrawal, TxDisbursement, TxRepayment, TxInterest, TxFee:
		return t, true
	}
	return "", false
}

// TxStatus marks whether a committed transaction has been reversed.
type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxReversed  TxStatus = "reversed"
)

// Account is the current state of one financial account.
type Account struct {
	ID                    int64           `json:"id"`
	MemberID              int64           `json:"member_id"`
	Kind                  AccountKind     `json:"kind"`
	Status                AccountStatus   `json:"status"`
	Balance               decimal.Decimal `json:"balance"`
	OpeningBalance        decimal.Decimal `json:"opening_balance"`
	InterestRate          decimal.Decimal `json:"interest_rate"`
	MinimumBalance        decimal.Decimal `json:"minimum_balance"`
	Principal             decimal.Decimal `json:"principal"`
	AccruedInterest       decimal.Decimal `json:"accrued_interest"`
	TermMonths            int             `json:"term_months"`
	ApprovalRequestID     *int64          `json:"approval_request_id,omitempty"`
	DisbursedAt           *time.Time      `json:"disbursed_at,omitempty"`
	InterestPostedThrough time.Time       `json:"interest_posted_through"`
	Version               int64           `json:"version"`
	OpenedAt              time.Time       `json:"opened_at"`
	ClosedAt              *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Transaction is one immutable balance-affecting event. Amount is signed.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	Seq              int64           `json:"seq"`
	AccountID        int64           `json:"account_id"`
	Type             TxType          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	PrincipalPortion decimal.Decimal `json:"principal_portion"`
	InterestPortion  decimal.Decimal `json:"interest_portion"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Status           TxStatus        `json:"status"`
	Description      string          `json:"description"`
	Reference        string          `json:"reference,omitempty"`
	ReversesID       *uuid.UUID      `json:"reverses_id,omitempty"`
	ActorID          int64           `json:"actor_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

// InterestPosting records which period an interest transaction covered.
type InterestPosting struct {
	AccountID     int64
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Amount        decimal.Decimal
	TransactionID uuid.UUID
}

// MemberProfile is the slice of member data the engine needs.
type MemberProfile struct {
	ID                    int64
	Status                members.Status
	Email                 string
	Name                  string
	MinimumSavingsBalance decimal.Decimal
	SavingsInterestRate   decimal.Decimal
}

// Request asks the engine to apply one operation.
type Request struct {
	AccountID   int64           `json:"-"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"-"`
	ActorID     int64           `json:"-"`
	// AsOf is the interest period end. Zero means now.
	AsOf time.Time `json:"as_of"`
}

// BalanceUpdate is a compare-and-swap write of account state.
type BalanceUpdate struct {
	AccountID             int64
	ExpectedBalance       decimal.Decimal
	ExpectedVersion       int64
	Balance               decimal.Decimal
	AccruedInterest       decimal.Decimal
	Status                AccountStatus
	DisbursedAt           *time.Time
	InterestPostedThrough time.Time
	ClosedAt              *time.Time
}

// OpenAccountInput opens a savings or contribution account.
type OpenAccountInput struct {
	MemberID       int64            `json:"member_id"`
	Kind           AccountKind      `json:"kind"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	MinimumBalance *decimal.Decimal `json:"minimum_balance,omitempty"`
	InterestRate   *decimal.Decimal `json:"interest_rate,omitempty"`
	ActorID        int64            `json:"-"`
}

// Validate checks input shape; membership rules are checked inside the transaction.
func (in OpenAccountInput) Validate() error {
	fields := map[string]string{}
	if in.MemberID <= 0 {
		fields["member_id"] = "is required"
	}
	if in.Kind != KindSavings && in.Kind != KindContribution {
		fields["kind"] = "must be one of savings contribution"
	}
	if in.OpeningBalance.IsNegative() {
		fields["opening_balance"] = "must not be negative"
	}
	if in.MinimumBalance != nil && in.MinimumBalance.IsNegative() {
		fields["minimum_balance"] = "must not be negative"
	}
	if in.InterestRate != nil && in.InterestRate.IsNegative() {
		fields["interest_rate"] = "must not be negative"
	}
	if len(fields) > 0 {
		return shared.ValidationError{Fields: fields}
	}
	return nil
}

// NewLoanAccount builds the account opened when a loan application is approved.
func NewLoanAccount(memberID, approvalRequestID int64, principal, rate decimal.Decimal, termMonths int, now time.Time) Account {
	reqID := approvalRequestID
	return Account{
		MemberID:              memberID,
		Kind:                  KindLoan,
		Status:                StatusApproved,
		Balance:               decimal.Zero,
		OpeningBalance:        decimal.Zero,
		InterestRate:          rate,
		MinimumBalance:        decimal.Zero,
		Principal:             principal,
		AccruedInterest:       decimal.Zero,
		TermMonths:            termMonths,
		ApprovalRequestID:     &reqID,
		InterestPostedThrough: dayOf(now),
		Version:               1,
		OpenedAt:              now,
		UpdatedAt:             now,
	}
}

// Discrepancy is an account whose balance does not match its history.
type Discrepancy struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Expected  decimal.Decimal `json:"expected"`
}

// Rejection reasons raised by the engine.
const (
	ReasonInvalidAmount         = "invalid_amount"
	ReasonAccountNotActive      = "account_not_active"
	ReasonMemberNotActive       = "member_not_active"
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonOperationNotAllowed   = "operation_not_allowed"
	ReasonLoanNotApproved       = "loan_not_approved"
	ReasonLoanAlreadyDisbursed  = "loan_already_disbursed"
	ReasonDisbursementMismatch  = "disbursement_amount_mismatch"
	ReasonOverpayment           = "overpayment"
	ReasonInterestAlreadyPosted = "interest_already_posted"
	ReasonInterestComputed      = "interest_computed"
	ReasonNoInterestDue         = "no_interest_due"
	ReasonNotReversible         = "not_reversible"
	ReasonAlreadyReversed       = "already_reversed"
	ReasonBalanceNotZero        = "balance_not_zero"
	ReasonReferenceReused       = "reference_reused"
)

var (
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = fmt.Errorf("ledger: account %w", shared.ErrNotFound)
	// ErrTransactionNotFound indicates the transaction does not exist.
	ErrTransactionNotFound = fmt.Errorf("ledger: transaction %w", shared.ErrNotFound)
	// ErrMemberNotFound indicates the owning member does not exist.
	ErrMemberNotFound = fmt.Errorf("ledger: member %w", shared.ErrNotFound)
)

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
