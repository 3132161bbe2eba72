package members

import (
	"fmt"
	"strings"
	"time"

	"github.com/csims/csims/internal/shared"
)

// Status enumerates the member lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Lifecycle is the member status graph. Deletion is a status, never a row delete.
var Lifecycle = shared.Lifecycle[Status]{
	StatusPending:  {StatusActive, StatusRejected},
	StatusActive:   {StatusInactive, StatusDeleted},
	StatusInactive: {StatusDeleted},
}

// ApprovalModule tags member applications in the approval log.
const ApprovalModule = "member_application"

// Member is a cooperative society member.
type Member struct {
	ID               int64      `json:"id"`
	MemberNo         string     `json:"member_no"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone"`
	Address          string     `json:"address"`
	Status           Status     `json:"status"`
	MembershipTypeID int64      `json:"membership_type_id"`
	JoinedAt         *time.Time `json:"joined_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FullName joins first and last names.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// RegisterInput captures a new member application.
type RegisterInput struct {
	FirstName        string `json:"first_name" validate:"required,max=100"`
	LastName         string `json:"last_name" validate:"required,max=100"`
	Email            string `json:"email" validate:"required,email,max=255"`
	Phone            string `json:"phone" validate:"omitempty,max=30"`
	Address          string `json:"address" validate:"omitempty,max=255"`
	MembershipTypeID int64  `json:"membership_type_id" validate:"required,min=1"`
	ActorID          int64  `json:"-"`
}

// Normalize trims whitespace and lowercases the email.
func (in *RegisterInput) Normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = strings.TrimSpace(in.Address)
}

// Validate checks struct tags.
func (in RegisterInput) Validate() error {
	return shared.ValidateStruct(in)
}

// ListFilter narrows member listings.
type ListFilter struct {
	Status  Status
	Search  string
	Page    int
	PerPage int
}

// ListResult is a page of members.
type ListResult struct {
	Members    []Member          `json:"members"`
	Pagination shared.Pagination `json:"pagination"`
}

// Rejection reasons raised by this module.
const (
	ReasonMembershipTypeInactive = "membership_type_inactive"
	ReasonOpenBalances           = "open_balances"
)

var (
	// ErrMemberNotFound indicates the member does not exist.
	ErrMemberNotFound = fmt.Errorf("members: member %w", shared.ErrNotFound)
	// ErrMembershipTypeNotFound indicates the membership type does not exist.
	ErrMembershipTypeNotFound = fmt.Errorf("members: membership type %w", shared.ErrNotFound)
	// ErrEmailTaken indicates another live member uses the email.
	ErrEmailTaken = fmt.Errorf("members: email already registered: %w", shared.ErrDuplicate)
)
