package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// daysPerYear is the actual/365 denominator.
var daysPerYear = decimal.NewFromInt(365)

var hundred = decimal.NewFromInt(100)

// allowed lists which operations each account kind accepts.
var allowed = map[AccountKind]map[TxType]bool{
	KindSavings:      {TxDeposit: true, TxWithdrawal: true, TxFee: true, TxInterest: true},
	KindContribution: {TxDeposit: true, TxWithdrawal: true},
	KindLoan:         {TxDisbursement: true, TxRepayment: true, TxInterest: true},
}

// posting is the fully computed outcome of a request. Nothing is written until
// the caller commits it.
type posting struct {
	tx       Transaction
	update   BalanceUpdate
	interest *InterestPosting
	account  Account
}

// plan validates req against the account and member and computes the new state.
// It performs no I/O.
func plan(acct Account, member MemberProfile, req Request, now time.Time) (posting, error) {
	if req.Type == TxInterest {
		if !req.Amount.IsZero() {
			return posting{}, shared.Reject(ReasonInterestComputed, "interest is computed by the ledger, amount must be omitted")
		}
	} else {
		if !req.Amount.IsPositive() {
			return posting{}, shared.Reject(ReasonInvalidAmount, "amount must be greater than zero")
		}
		if !req.Amount.Equal(req.Amount.Round(2)) {
			return posting{}, shared.Reject(ReasonInvalidAmount, "amount must have at most two decimal places")
		}
	}
	if !allowed[acct.Kind][req.Type] {
		return posting{}, shared.Reject(ReasonOperationNotAllowed, "%s is not allowed on %s accounts", req.Type, acct.Kind)
	}
	if err := checkEligible(acct, req.Type); err != nil {
		return posting{}, err
	}
	if member.Status != members.StatusActive {
		return posting{}, shared.Reject(ReasonMemberNotActive, "member is %s", member.Status)
	}

	next := acct
	tx := Transaction{
		ID:               uuid.New(),
		AccountID:        acct.ID,
		Type:             req.Type,
		PrincipalPortion: decimal.Zero,
		InterestPortion:  decimal.Zero,
		Status:           TxCompleted,
		Description:      req.Description,
		Reference:        req.Reference,
		ActorID:          req.ActorID,
		CreatedAt:        now,
	}
	var interest *InterestPosting

	switch req.Type {
	case TxDeposit:
		tx.Amount = req.Amount
	case TxWithdrawal, TxFee:
		tx.Amount = req.Amount.Neg()
		if acct.Balance.Add(tx.Amount).LessThan(acct.MinimumBalance) {
			return posting{}, shared.Reject(ReasonInsufficientFunds,
				"balance %s cannot cover %s while keeping the minimum of %s",
				acct.Balance.StringFixed(2), req.Amount.StringFixed(2), acct.MinimumBalance.StringFixed(2))
		}
	case TxDisbursement:
		if !req.Amount.Equal(acct.Principal) {
			return posting{}, shared.Reject(ReasonDisbursementMismatch,
				"disbursement must equal the approved principal of %s", acct.Principal.StringFixed(2))
		}
		tx.Amount = req.Amount
		tx.PrincipalPortion = req.Amount
		at := now
		next.Status = StatusActive
		next.DisbursedAt = &at
		next.InterestPostedThrough = dayOf(now)
	case TxRepayment:
		if req.Amount.GreaterThan(acct.Balance) {
			return posting{}, shared.Reject(ReasonOverpayment,
				"repayment of %s exceeds the outstanding %s", req.Amount.StringFixed(2), acct.Balance.StringFixed(2))
		}
		interestPart := decimal.Min(req.Amount, acct.AccruedInterest)
		tx.Amount = req.Amount.Neg()
		tx.InterestPortion = interestPart
		tx.PrincipalPortion = req.Amount.Sub(interestPart)
		next.AccruedInterest = acct.AccruedInterest.Sub(interestPart)
	case TxInterest:
		amount, start, end, err := accrue(acct, req.AsOf, now)
		if err != nil {
			return posting{}, err
		}
		tx.Amount = amount
		tx.InterestPortion = amount
		if acct.Kind == KindLoan {
			next.AccruedInterest = acct.AccruedInterest.Add(amount)
		}
		next.InterestPostedThrough = end
		interest = &InterestPosting{AccountID: acct.ID, PeriodStart: start, PeriodEnd: end, Amount: amount, TransactionID: tx.ID}
	}

	next.Balance = acct.Balance.Add(tx.Amount)
	if acct.Kind == KindLoan && req.Type == TxRepayment && next.Balance.IsZero() {
		at := now
		next.Status = StatusCompleted
		next.ClosedAt = &at
	}
	next.Version = acct.Version + 1
	next.UpdatedAt = now
	tx.ResultingBalance = next.Balance

	return posting{
		tx:       tx,
		update:   updateFor(acct, next),
		interest: interest,
		account:  next,
	}, nil
}

func checkEligible(acct Account, t TxType) error {
	if t == TxDisbursement {
		switch {
		case acct.DisbursedAt != nil || acct.Status == StatusActive || acct.Status == StatusCompleted || acct.Status == StatusDefaulted:
			return shared.Reject(ReasonLoanAlreadyDisbursed, "loan %d has already been disbursed", acct.ID)
		case acct.Status != StatusApproved:
			return shared.Reject(ReasonLoanNotApproved, "loan %d is %s", acct.ID, acct.Status)
		}
		return nil
	}
	if acct.Status != StatusActive {
		return shared.Reject(ReasonAccountNotActive, "account %d is %s", acct.ID, acct.Status)
	}
	return nil
}

// accrue computes simple actual/365 interest for [InterestPostedThrough, asOf).
// Loans accrue on outstanding principal, deposits on the balance.
func accrue(acct Account, asOf, now time.Time) (decimal.Decimal, time.Time, time.Time, error) {
	if asOf.IsZero() {
		asOf = now
	}
	start := dayOf(acct.InterestPostedThrough)
	end := dayOf(asOf)
	days := int64(end.Sub(start).Hours() / 24)
	if days <= 0 {
		return decimal.Zero, start, end, shared.Reject(ReasonInterestAlreadyPosted,
			"interest is already posted through %s", start.Format(time.DateOnly))
	}
	base := acct.Balance
	if acct.Kind == KindLoan {
		base = acct.Balance.Sub(acct.AccruedInterest)
	}
	amount := InterestFor(base, acct.InterestRate, days)
	if !amount.IsPositive() {
		return decimal.Zero, start, end, shared.Reject(ReasonNoInterestDue,
			"no interest due for %d day(s) from %s", days, start.Format(time.DateOnly))
	}
	return amount, start, end, nil
}

// InterestFor returns base * rate% * days / 365, rounded half-even to cents.
func InterestFor(base, annualRatePercent decimal.Decimal, days int64) decimal.Decimal {
	return base.
		Mul(annualRatePercent).
		Mul(decimal.NewFromInt(days)).
		Div(hundred.Mul(daysPerYear)).
		RoundBank(2)
}

// planReversal computes the reversing entry for original. latest is the most
// recent interest posting of the account, if any.
func planReversal(acct Account, original Transaction, latest *InterestPosting, actorID int64, reason string, now time.Time) (posting, error) {
	switch {
	case original.Status == TxReversed:
		return posting{}, shared.Reject(ReasonAlreadyReversed, "transaction %s is already reversed", original.ID)
	case original.Type == TxDisbursement || original.Type == TxReversal:
		return posting{}, shared.Reject(ReasonNotReversible, "%s transactions cannot be reversed", original.Type)
	case acct.Status == StatusClosed:
		return posting{}, shared.Reject(ReasonAccountNotActive, "account %d is closed", acct.ID)
	}

	next := acct
	amount := original.Amount.Neg()
	next.Balance = acct.Balance.Add(amount)

	switch original.Type {
	case TxInterest:
		if latest == nil || latest.TransactionID != original.ID {
			return posting{}, shared.Reject(ReasonNotReversible, "only the latest interest posting can be reversed")
		}
		next.InterestPostedThrough = latest.PeriodStart
		if acct.Kind == KindLoan {
			if acct.AccruedInterest.LessThan(original.Amount) {
				return posting{}, shared.Reject(ReasonNotReversible, "interest has already been repaid")
			}
			next.AccruedInterest = acct.AccruedInterest.Sub(original.Amount)
		}
	case TxRepayment:
		next.AccruedInterest = acct.AccruedInterest.Add(original.InterestPortion)
		if acct.Status == StatusCompleted {
			next.Status = StatusActive
			next.ClosedAt = nil
		}
	}
	if acct.Kind != KindLoan && next.Balance.LessThan(acct.MinimumBalance) {
		return posting{}, shared.Reject(ReasonInsufficientFunds,
			"reversal would leave %s, below the minimum of %s", next.Balance.StringFixed(2), acct.MinimumBalance.StringFixed(2))
	}
	if next.Balance.IsNegative() {
		return posting{}, shared.Reject(ReasonNotReversible, "reversal would leave a negative balance")
	}
	next.Version = acct.Version + 1
	next.UpdatedAt = now

	if reason == "" {
		reason = "Reversal of " + original.ID.String()
	}
	reverses := original.ID
	tx := Transaction{
		ID:               uuid.New(),
		AccountID:        acct.ID,
		Type:             TxReversal,
		Amount:           amount,
		PrincipalPortion: original.PrincipalPortion.Neg(),
		InterestPortion:  original.InterestPortion.Neg(),
		ResultingBalance: next.Balance,
		Status:           TxCompleted,
		Description:      reason,
		ReversesID:       &reverses,
		ActorID:          actorID,
		CreatedAt:        now,
	}
	return posting{tx: tx, update: updateFor(acct, next), account: next}, nil
}

func updateFor(prev, next Account) BalanceUpdate {
	return BalanceUpdate{
		AccountID:             prev.ID,
		ExpectedBalance:       prev.Balance,
		ExpectedVersion:       prev.Version,
		Balance:               next.Balance,
		AccruedInterest:       next.AccruedInterest,
		Status:                next.Status,
		DisbursedAt:           next.DisbursedAt,
		InterestPostedThrough: next.InterestPostedThrough,
		ClosedAt:              next.ClosedAt,
	}
}
