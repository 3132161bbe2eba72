// Package workflow decides loan applications and member registrations.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// SubjectType identifies what an approval request is about.
type SubjectType string

const (
	SubjectLoan   SubjectType = "loan"
	SubjectMember SubjectType = "member"
)

// RequestStatus enumerates approval request states.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// RequestLifecycle is one-shot: a decided request never changes again.
var RequestLifecycle = shared.Lifecycle[RequestStatus]{
	RequestPending: {RequestApproved, RequestRejected},
}

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision normalises reviewer input.
func ParseDecision(s string) (Decision, bool) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApprove, DecisionReject:
		return d, true
	}
	return "", false
}

func (d Decision) target() RequestStatus {
	if d == DecisionApprove {
		return RequestApproved
	}
	return RequestRejected
}

func (d Decision) action() shared.ApprovalAction {
	if d == DecisionApprove {
		return shared.ApprovalApprove
	}
	return shared.ApprovalReject
}

// LoanApprovalModule tags loan applications in the approval log.
const LoanApprovalModule = "loan_application"

// ApprovalRequest is a pending or decided workflow object.
type ApprovalRequest struct {
	ID              int64                `json:"id"`
	RefID           uuid.UUID            `json:"ref_id"`
	SubjectType     SubjectType          `json:"subject_type"`
	MemberID        int64                `json:"member_id"`
	RequestedAmount decimal.Decimal      `json:"requested_amount"`
	TermMonths      int                  `json:"term_months"`
	InterestRate    decimal.Decimal      `json:"interest_rate"`
	Purpose         string               `json:"purpose"`
	Status          RequestStatus        `json:"status"`
	RequestedBy     int64                `json:"requested_by"`
	ReviewerID      *int64               `json:"reviewer_id,omitempty"`
	DecidedAt       *time.Time           `json:"decided_at,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	AccountID       *int64               `json:"account_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	History         []shared.ApprovalLog `json:"history,omitempty"`
}

// Module returns the approval log module for the request subject.
func (r ApprovalRequest) Module() string {
	if r.SubjectType == SubjectMember {
		return members.ApprovalModule
	}
	return LoanApprovalModule
}

// Applicant is the member data needed to decide a request.
type Applicant struct {
	ID               int64
	Status           members.Status
	Email            string
	Name             string
	MaxLoanAmount    decimal.Decimal
	LoanInterestRate decimal.Decimal
}

// LoanApplicationInput captures a new loan application.
type LoanApplicationInput struct {
	MemberID   int64           `json:"member_id" validate:"required,min=1"`
	Amount     decimal.Decimal `json:"amount"`
	TermMonths int             `json:"term_months" validate:"required,min=1,max=360"`
	Purpose    string          `json:"purpose" validate:"omitempty,max=500"`
	ActorID    int64           `json:"-"`
}

// Validate checks struct tags and the amount.
func (in LoanApplicationInput) Validate() error {
	fields := map[string]string{}
	var ve shared.ValidationError
	if err := shared.ValidateStruct(in); errors.As(err, &ve) {
		fields = ve.Fields
	} else if err != nil {
		return err
	}
	if !in.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	if len(fields) > 0 {
		return shared.ValidationError{Fields: fields}
	}
	return nil
}

// ListFilter narrows approval request listings.
type ListFilter struct {
	Status      RequestStatus
	SubjectType SubjectType
	Page        int
	PerPage     int
}

// ListResult is a page of approval requests.
type ListResult struct {
	Requests   []ApprovalRequest `json:"requests"`
	Pagination shared.Pagination `json:"pagination"`
}

// Rejection reasons raised by this module.
const (
	ReasonMemberNotActive   = "member_not_active"
	ReasonLoanLimitExceeded = "loan_limit_exceeded"
)

var (
	// ErrRequestNotFound indicates the approval request does not exist.
	ErrRequestNotFound = fmt.Errorf("workflow: approval request %w", shared.ErrNotFound)
	// ErrApplicantNotFound indicates the member does not exist.
	ErrApplicantNotFound = fmt.Errorf("workflow: member %w", shared.ErrNotFound)
)
