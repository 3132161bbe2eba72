package shared

// Core platform permissions.
const (
	PermPermissionsView = "permissions.view"
)

// Cooperative administration permissions.
const (
	PermMembersView      = "members.view"
	PermMembersEdit      = "members.edit"
	PermMembershipView   = "membership.view"
	PermMembershipEdit   = "membership.edit"
	PermAccountsView     = "accounts.view"
	PermAccountsEdit     = "accounts.edit"
	PermLedgerPost       = "ledger.post"
	PermLedgerReverse    = "ledger.reverse"
	PermApprovalsView    = "approvals.view"
	PermApprovalsCreate  = "approvals.create"
	PermApprovalsDecide  = "approvals.decide"
	PermAuditView        = "audit.view"
	PermMaintenancePurge = "maintenance.purge"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{PermPermissionsView}
}

// CooperativeScopes lists every cooperative administration permission.
func CooperativeScopes() []string {
	return []string{
		PermMembersView,
		PermMembersEdit,
		PermMembershipView,
		PermMembershipEdit,
		PermAccountsView,
		PermAccountsEdit,
		PermLedgerPost,
		PermLedgerReverse,
		PermApprovalsView,
		PermApprovalsCreate,
		PermApprovalsDecide,
		PermAuditView,
		PermMaintenancePurge,
	}
}
