package rbac

// Capability keys gating the built-in surfaces. Business modules declare
// the exact keys their routes require; these are the ones the platform
// itself references.
const (
	PermManageRBAC        = "rbac.manage"
	PermManageDefinitions = "workflow.definition.manage"
	PermStartWorkflow     = "workflow.start"
	PermManageDimensions  = "dimension.rule.manage"
	PermReadAudit         = "audit.read"

	PermExpenseSubmit   = "expense.submit"
	PermExpenseReview   = "expense.review"
	PermAPInvoiceSubmit = "ap.invoice.submit"
)

// BuiltinPermissions is ensured at startup so grants can reference the
// catalog immediately.
var BuiltinPermissions = []Permission{
	{Key: PermManageRBAC, Description: "Manage roles, grants and assignments"},
	{Key: PermManageDefinitions, Description: "Create and inspect workflow definitions"},
	{Key: PermStartWorkflow, Description: "Start workflow instances"},
	{Key: PermManageDimensions, Description: "Manage GL dimension rules"},
	{Key: PermReadAudit, Description: "Read the audit trail"},
	{Key: PermExpenseSubmit, Description: "Submit expense claims"},
	{Key: PermExpenseReview, Description: "Review expense claims"},
	{Key: PermAPInvoiceSubmit, Description: "Submit vendor invoices"},
}
